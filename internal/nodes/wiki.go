package nodes

import (
	"context"

	"github.com/veralt/nodeflow/pkg/schema"
)

// Wiki node defaults.
const (
	DefaultWikiMinRelevance = 0.0
	DefaultWikiLimit        = 30
)

// SearchRequest is the query sent to the semantic-search collaborator.
type SearchRequest struct {
	WikiID        string  `json:"wikiId"`
	DocumentID    string  `json:"documentId,omitempty"`
	Query         string  `json:"query"`
	MinRelevance  float64 `json:"minRelevance"`
	Limit         int     `json:"limit"`
	AiModelID     string  `json:"aiModelId,omitempty"`
	OptimizeQuery bool    `json:"isOptimizeQuery"`
	Answer        bool    `json:"isAnswer"`
}

// SearchResult is one matched chunk.
type SearchResult struct {
	ChunkID       string  `json:"chunkId"`
	SourceChunkID string  `json:"sourceChunkId,omitempty"`
	Text          string  `json:"text"`
	ChunkText     string  `json:"chunkText,omitempty"`
	Relevance     float64 `json:"relevance"`
	DocumentID    string  `json:"documentId,omitempty"`
	FileName      string  `json:"fileName,omitempty"`
	FileType      string  `json:"fileType,omitempty"`
}

// SearchResponse is the collaborator's reply.
type SearchResponse struct {
	Query   string         `json:"query"`
	Answer  string         `json:"answer,omitempty"`
	Results []SearchResult `json:"results"`
}

// SearchService is the external semantic-search collaborator consumed by the
// wiki runtime. The RAG pipeline behind it is a black box here.
type SearchService interface {
	Search(ctx context.Context, req SearchRequest) (*SearchResponse, error)
}

// WikiRuntime delegates to the search collaborator and reshapes its response.
type WikiRuntime struct {
	search SearchService
}

// NewWikiRuntime creates the runtime around a search service.
func NewWikiRuntime(search SearchService) *WikiRuntime {
	return &WikiRuntime{search: search}
}

func (r *WikiRuntime) Type() schema.NodeType { return schema.NodeTypeWiki }

func (r *WikiRuntime) Execute(ctx context.Context, req Request) *schema.NodeExecutionResult {
	wikiID, fail := requireString(req.Inputs, "wikiId")
	if fail != nil {
		return fail
	}
	query, fail := requireString(req.Inputs, "query")
	if fail != nil {
		return fail
	}
	if r.search == nil {
		return schema.Fail("no search service configured")
	}

	searchReq := SearchRequest{
		WikiID:       wikiID,
		Query:        query,
		MinRelevance: DefaultWikiMinRelevance,
		Limit:        DefaultWikiLimit,
	}
	if v, ok := req.Inputs["documentId"].(string); ok {
		searchReq.DocumentID = v
	}
	if v, ok := toFloat(req.Inputs["minRelevance"]); ok {
		searchReq.MinRelevance = v
	}
	if v, ok := toFloat(req.Inputs["limit"]); ok && int(v) > 0 {
		searchReq.Limit = int(v)
	}
	if v, ok := req.Inputs["aiModelId"].(string); ok {
		searchReq.AiModelID = v
	}
	searchReq.OptimizeQuery = CoerceBool(req.Inputs["isOptimizeQuery"])
	searchReq.Answer = CoerceBool(req.Inputs["isAnswer"])

	resp, err := r.search.Search(ctx, searchReq)
	if err != nil {
		return schema.FailErr(schema.NewErrorf(schema.ErrCodeSearch,
			"wiki %q search failed: %v", wikiID, err).WithCause(err))
	}

	results := make([]any, 0, len(resp.Results))
	for _, item := range resp.Results {
		results = append(results, map[string]any{
			"chunkId":       item.ChunkID,
			"sourceChunkId": item.SourceChunkID,
			"text":          item.Text,
			"chunkText":     item.ChunkText,
			"relevance":     item.Relevance,
			"documentId":    item.DocumentID,
			"fileName":      item.FileName,
			"fileType":      item.FileType,
		})
	}

	return schema.Succeed(map[string]any{
		"query":       resp.Query,
		"answer":      resp.Answer,
		"resultCount": len(results),
		"results":     results,
	})
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
