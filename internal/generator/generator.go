// Package generator is the boundary to the response generator: a local
// extractive implementation, an LLM-backed one and a circuit breaker.
package generator

import (
	"context"
	"strings"

	"github.com/starford/veritas/internal/models"
	"github.com/starford/veritas/internal/tcr"
)

// Request carries the query and the restored context, in order. Avoid lists
// claims a previous round produced that failed verification.
type Request struct {
	Query     string
	Fragments []models.Fragment
	Avoid     []models.Claim
}

// Response is the generated text with any self-reported uncertainty.
type Response struct {
	Text        string
	Uncertainty []string
}

// Generator produces an answer from restored context.
type Generator interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// Func adapts a function to Generator.
type Func func(ctx context.Context, req Request) (Response, error)

func (f Func) Generate(ctx context.Context, req Request) (Response, error) { return f(ctx, req) }

// Extractive answers with the lead fact sentence of each fragment, path
// fragments first. It is deterministic and never calls out.
type Extractive struct {
	// MinConfidence drops fragments below it; partial fragments are reported
	// as uncertainty instead.
	MinConfidence float64
}

func (e Extractive) Generate(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	avoid := make(map[string]struct{}, len(req.Avoid))
	for _, c := range req.Avoid {
		avoid[strings.ToLower(c.Text)] = struct{}{}
	}

	var (
		sentences []string
		resp      Response
		seen      = make(map[string]struct{})
	)
	ordered := make([]models.Fragment, 0, len(req.Fragments))
	for _, f := range req.Fragments {
		if !f.Supplementary {
			ordered = append(ordered, f)
		}
	}
	for _, f := range req.Fragments {
		if f.Supplementary {
			ordered = append(ordered, f)
		}
	}
	for _, f := range ordered {
		lead := tcr.LeadSentence(f.Text)
		if _, dup := seen[lead]; dup {
			continue
		}
		seen[lead] = struct{}{}
		if _, bad := avoid[strings.ToLower(lead)]; bad {
			continue
		}
		if f.Confidence < e.MinConfidence {
			resp.Uncertainty = append(resp.Uncertainty, lead)
			continue
		}
		sentences = append(sentences, lead)
	}
	resp.Text = strings.Join(sentences, " ")
	return resp, nil
}
