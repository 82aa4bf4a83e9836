package graphstore

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/starford/veritas/internal/apperr"
	"github.com/starford/veritas/internal/models"
)

// CompileFilter compiles a CEL expression over a relationship into a Filter.
// The expression sees subject, predicate, object (strings) and attributes
// (map of strings), e.g.
//
//	predicate in ["capitalOf", "locatedIn"] && attributes["source"] != "draft"
//
// Evaluation errors and non-boolean results reject the relationship.
func CompileFilter(expr string) (Filter, error) {
	env, err := cel.NewEnv(
		cel.Variable("subject", cel.StringType),
		cel.Variable("predicate", cel.StringType),
		cel.Variable("object", cel.StringType),
		cel.Variable("attributes", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("graphstore: cel env: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, apperr.InvalidQuery("filter %q: %v", expr, iss.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, apperr.InvalidQuery("filter %q: %v", expr, err)
	}
	return func(r models.Relationship) bool {
		attrs := r.Attributes
		if attrs == nil {
			attrs = map[string]string{}
		}
		out, _, err := prg.Eval(map[string]any{
			"subject":    r.Subject,
			"predicate":  r.Predicate,
			"object":     r.Object,
			"attributes": attrs,
		})
		if err != nil {
			return false
		}
		b, ok := out.Value().(bool)
		return ok && b
	}, nil
}

// PredicateFilter admits relationships whose predicate is one of preds.
func PredicateFilter(preds ...string) Filter {
	allowed := make(map[string]struct{}, len(preds))
	for _, p := range preds {
		allowed[p] = struct{}{}
	}
	return func(r models.Relationship) bool {
		_, ok := allowed[r.Predicate]
		return ok
	}
}

// All combines filters; nil entries are ignored.
func All(filters ...Filter) Filter {
	var fs []Filter
	for _, f := range filters {
		if f != nil {
			fs = append(fs, f)
		}
	}
	if len(fs) == 0 {
		return nil
	}
	return func(r models.Relationship) bool {
		for _, f := range fs {
			if !f(r) {
				return false
			}
		}
		return true
	}
}
