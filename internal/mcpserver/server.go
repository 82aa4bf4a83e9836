// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes verified retrieval and graph versioning tools for LLM
// integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/veritas/internal/apperr"
	"github.com/starford/veritas/internal/models"
	"github.com/starford/veritas/internal/parser"
	"github.com/starford/veritas/internal/pipeline"
	"github.com/starford/veritas/internal/service"
)

const contractURI = "veritas://batch-format"

// Server wraps the MCP server with Veritas tools.
type Server struct {
	mcp *server.MCPServer
	svc *service.Service
}

// New creates a new MCP server with all Veritas tools registered.
func New(svc *service.Service, version string) *Server {
	s := &Server{svc: svc}

	s.mcp = server.NewMCPServer(
		"Veritas",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("query_knowledge",
		mcp.WithDescription("Answer a question from the knowledge graph. The answer is generated from "+
			"retrieved graph paths and every claim in it is verified against the graph. The result "+
			"carries the verdict, the supporting paths and a freshness warning when the graph changed "+
			"after the pinned version."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Natural-language question")),
		mcp.WithNumber("version", mcp.Description("Graph version to pin (omit for latest)")),
		mcp.WithNumber("max_depth", mcp.Description("Maximum path length in relationships")),
		mcp.WithNumber("max_paths", mcp.Description("Maximum number of paths returned")),
		mcp.WithNumber("min_score", mcp.Description("Minimum path score in [0,1]")),
		mcp.WithNumber("feedback_rounds", mcp.Description("Maximum verification feedback rounds (0 disables)")),
	), s.queryKnowledge)

	s.mcp.AddTool(mcp.NewTool("get_vertex",
		mcp.WithDescription("Read a vertex and its relationships at a graph version."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Vertex id")),
		mcp.WithNumber("version", mcp.Description("Graph version (omit for latest)")),
	), s.getVertex)

	s.mcp.AddTool(mcp.NewTool("diff_versions",
		mcp.WithDescription("List the vertex and relationship ids that changed between two graph versions."),
		mcp.WithNumber("from", mcp.Required(), mcp.Description("Older version (0 for the empty graph)")),
		mcp.WithNumber("to", mcp.Description("Newer version (omit for latest)")),
	), s.diffVersions)

	s.mcp.AddTool(mcp.NewTool("commit_mutations",
		mcp.WithDescription("Apply a mutation batch as one new graph version. "+
			"The batch MUST follow the batch format contract. Read it first via "+
			"the get_batch_contract tool or the "+contractURI+" resource."),
		mcp.WithString("batch", mcp.Required(), mcp.Description("Batch document")),
		mcp.WithString("format", mcp.Description("Document format"), mcp.Enum("yaml", "json", "md")),
	), s.commitMutations)

	s.mcp.AddTool(mcp.NewTool("get_batch_contract",
		mcp.WithDescription("Returns the mutation batch format contract. "+
			"Call this before committing mutations to ensure correct structure."),
	), s.getBatchContract)

	s.mcp.AddResource(
		mcp.NewResource(contractURI, "Batch Format Contract",
			mcp.WithResourceDescription("Mutation batch formats accepted by commit_mutations and the ingest inbox."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readBatchFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func (s *Server) queryKnowledge(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	qr := service.QueryRequest{
		Text:    query,
		Version: models.VersionID(req.GetFloat("version", 0)),
		Overrides: pipeline.Overrides{
			MaxDepth: int(req.GetFloat("max_depth", 0)),
			MaxPaths: int(req.GetFloat("max_paths", 0)),
		},
	}
	if _, ok := req.GetArguments()["min_score"]; ok {
		score := req.GetFloat("min_score", 0)
		qr.Overrides.MinScore = &score
	}
	if _, ok := req.GetArguments()["feedback_rounds"]; ok {
		n := int(req.GetFloat("feedback_rounds", 0))
		qr.Overrides.FeedbackRounds = &n
	}

	res, err := s.svc.Query(ctx, qr)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(res)
}

func (s *Server) getVertex(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	detail, err := s.svc.Vertex(ctx, id, models.VersionID(req.GetFloat("version", 0)))
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(detail)
}

func (s *Server) diffVersions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	from, err := req.RequireFloat("from")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	to := models.VersionID(req.GetFloat("to", 0))
	if to == models.Latest {
		if to, err = s.svc.Latest(ctx); err != nil {
			return toolError(err), nil
		}
	}
	cs, err := s.svc.Diff(ctx, models.VersionID(from), to)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(cs)
}

func (s *Server) commitMutations(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	doc, err := req.RequireString("batch")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	format := strings.ToLower(req.GetString("format", "yaml"))
	batch, err := parser.Parse("batch."+format, []byte(doc))
	if err != nil {
		return toolError(err), nil
	}
	v, err := s.svc.Commit(ctx, batch.Mutations, batch.Summary)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(v)
}

func (s *Server) getBatchContract(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(BatchFormatContract), nil
}

func (s *Server) readBatchFormatResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      contractURI,
			MIMEType: "text/markdown",
			Text:     BatchFormatContract,
		},
	}, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcpserver: encode result: %w", err)
	}
	return mcp.NewToolResultText(string(out)), nil
}

// toolError reports err to the model with a stable prefix per error class.
func toolError(err error) *mcp.CallToolResult {
	var perr *apperr.PipelineError
	switch {
	case errors.As(err, &perr):
		return mcp.NewToolResultError(fmt.Sprintf("pipeline failed at stage %s (query %s): %v", perr.Stage, perr.QueryID, perr.Err))
	case errors.Is(err, apperr.ErrInvalidQuery), errors.Is(err, apperr.ErrInvalidMutation):
		return mcp.NewToolResultError("invalid request: " + err.Error())
	case errors.Is(err, apperr.ErrNotFound):
		return mcp.NewToolResultError("not found: " + err.Error())
	case errors.Is(err, apperr.ErrConflict):
		return mcp.NewToolResultError("conflict: " + err.Error())
	}
	return mcp.NewToolResultError(err.Error())
}
