package api

import (
	"github.com/starford/veritas/internal/parser"
	"github.com/starford/veritas/internal/pipeline"
	"github.com/starford/veritas/internal/service"
)

// QueryRequest is the request body for a verified query (aliased from the service layer).
type QueryRequest = service.QueryRequest

// QueryResponse is the pipeline result (aliased from the pipeline layer).
type QueryResponse = pipeline.Result

// CommitRequest is a mutation batch with its commit summary. The If-Match
// header, when present, overrides base_version.
type CommitRequest = parser.Batch

// VertexResponse is a vertex with its relationships at a version.
type VertexResponse = service.VertexDetail

// PipelineErrorResponse is returned when a query exhausts its retries.
type PipelineErrorResponse struct {
	Error    string `json:"error"`
	QueryID  string `json:"query_id"`
	Stage    string `json:"stage"`
	Attempts int    `json:"attempts"`
}
