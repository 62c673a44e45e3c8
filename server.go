package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gamma-omg/pivot-rag/docstore"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

type docRetriever interface {
	Search(ctx context.Context, req SearchRequest) ([]SearchResult, error)
}

type dirIngester interface {
	IngestDirectory(ctx context.Context, root, pattern, collection string) ([]IngestOutcome, error)
}

func NewRagServer(retriever docRetriever, ingester dirIngester) *server.MCPServer {
	search := mcp.NewTool("search",
		mcp.WithDescription("Search the indexed documents and return reranked passages for RAG"),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Search query"),
		),
		mcp.WithNumber("top_k",
			mcp.Description("Number of passages to return, 1 to 100"),
		),
		mcp.WithString("logical_collection",
			mcp.Description("Restrict the search to one logical collection"),
		),
		mcp.WithString("expr",
			mcp.Description("Metadata filter, e.g. source_id == \"DOC-1a2b3c4d\" && chunk_index >= 2"),
		))

	scan := mcp.NewTool("ingest_scan",
		mcp.WithDescription("Ingest every matching file under a directory"),
		mcp.WithString("base_dir",
			mcp.Required(),
			mcp.Description("Directory to scan"),
		),
		mcp.WithString("pattern",
			mcp.Description("Glob over slash separated relative paths, defaults to **/*"),
		),
		mcp.WithString("logical_collection",
			mcp.Description("Logical collection to ingest into"),
		))

	srv := server.NewMCPServer("pivot-rag", "0.1.0", server.WithToolCapabilities(false))

	srv.AddTool(search, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		q, err := request.RequireString("query")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		topK := request.GetInt("top_k", DefaultTopK)
		if topK < 1 || topK > maxTopK {
			return mcp.NewToolResultError(fmt.Sprintf("top_k must be between 1 and %d", maxTopK)), nil
		}

		filter, err := docstore.ParseFilter(request.GetString("expr", ""))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		res, err := retriever.Search(ctx, SearchRequest{
			Query:      q,
			TopK:       topK,
			Collection: request.GetString("logical_collection", ""),
			Filter:     filter,
		})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		return jsonResult(map[string]any{"results": res})
	})

	srv.AddTool(scan, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dir, err := request.RequireString("base_dir")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		outcomes, err := ingester.IngestDirectory(ctx, dir,
			request.GetString("pattern", DefaultScanPattern),
			request.GetString("logical_collection", ""))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		return jsonResult(summarize(outcomes))
	})

	return srv
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(string(raw)), nil
}
