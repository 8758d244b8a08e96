package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/recomart/recomart/internal/ranker"
)

// NewMCPServer creates an MCP server exposing the recommender and the
// feature store as tools, so agent clients can query them directly.
func NewMCPServer(deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"recomart",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("recomart: popularity and co-occurrence recommendations over a behavioral feature warehouse."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("recommend",
			mcp.WithDescription("Return top-K recommended items for a user, ranked by popularity with co-occurrence boosting. Items from the user's history are never returned."),
			mcp.WithString("user_id", mcp.Description("User to recommend for"), mcp.Required()),
			mcp.WithNumber("k", mcp.Description("Number of recommendations (default 5)")),
		),
		mcpRecommend(deps),
	)

	s.AddTool(
		mcp.NewTool("similar_items",
			mcp.WithDescription("Return the co-occurrence neighbors of an item, sorted by weight descending."),
			mcp.WithString("item_id", mcp.Description("Item to find neighbors for"), mcp.Required()),
			mcp.WithNumber("k", mcp.Description("Maximum number of neighbors (default 5)")),
		),
		mcpSimilarItems(deps),
	)

	s.AddTool(
		mcp.NewTool("get_features",
			mcp.WithDescription("Retrieve feature values for entities from a registered feature view. Entities absent from the warehouse come back with null feature values."),
			mcp.WithString("view", mcp.Description("Feature view name, e.g. user_features_v1"), mcp.Required()),
			mcp.WithArray("entity_ids", mcp.Description("Entity IDs to look up"), mcp.Required()),
			mcp.WithArray("features", mcp.Description("Feature subset; omit for all features of the view")),
			mcp.WithString("as_of", mcp.Description("Optional RFC 3339 timestamp; filters rows by last_event_ts")),
		),
		mcpGetFeatures(deps),
	)

	s.AddTool(
		mcp.NewTool("model_info",
			mcp.WithDescription("Describe the loaded model: build time, weights, item and neighbor counts."),
		),
		mcpModelInfo(deps),
	)

	return s
}

func mcpRecommend(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}

		k := req.GetInt("k", deps.DefaultK)
		if k < 1 {
			k = deps.DefaultK
		}

		history, err := deps.Warehouse.UserHistory(userID)
		if err != nil {
			return mcpError(fmt.Sprintf("loading user history: %v", err)), nil
		}

		recs := ranker.Recommend(deps.Model, history, k)
		items := make([]RecommendedItem, len(recs))
		for i, id := range recs {
			items[i] = RecommendedItem{ItemID: id}
			if meta, ok := deps.Model.ItemMeta[id]; ok {
				items[i].Title = meta.Title
				items[i].Category = meta.Category
			}
		}

		b, err := json.Marshal(items)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal recommendations: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSimilarItems(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		itemID, err := req.RequireString("item_id")
		if err != nil {
			return mcpError("item_id is required"), nil
		}

		k := req.GetInt("k", deps.DefaultK)
		if k < 1 {
			k = deps.DefaultK
		}

		neighbors := deps.Model.Neighbors[itemID]
		if len(neighbors) > k {
			neighbors = neighbors[:k]
		}

		b, err := json.Marshal(neighbors)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal neighbors: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetFeatures(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		view, err := req.RequireString("view")
		if err != nil {
			return mcpError("view is required"), nil
		}

		ids := req.GetStringSlice("entity_ids", nil)
		if len(ids) == 0 {
			return mcpError("entity_ids is required"), nil
		}

		features := req.GetStringSlice("features", nil)

		var asOf time.Time
		if raw := req.GetString("as_of", ""); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return mcpError(fmt.Sprintf("invalid as_of: %v", err)), nil
			}
			asOf = t
		}

		result, err := deps.Features.GetFeatures(view, ids, features, asOf)
		if err != nil {
			return mcpError(fmt.Sprintf("feature lookup failed: %v", err)), nil
		}

		b, err := json.Marshal(map[string]any{
			"primary_key": result.PrimaryKey,
			"columns":     result.Columns,
			"rows":        result.Rows,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal features: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpModelInfo(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		b, err := json.Marshal(map[string]any{
			"model":      deps.ModelName,
			"created_at": deps.Model.CreatedAt.Format(time.RFC3339),
			"items":      len(deps.Model.Popularity),
			"neighbors":  len(deps.Model.Neighbors),
			"weights":    deps.Model.Weights,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal model info: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
