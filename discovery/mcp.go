package discovery

import (
	"context"
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/scout/idgen"
	"github.com/hazyhaar/scout/kit"
)

// RegisterMCP registers the discovery tools on an MCP server.
func (svc *Service) RegisterMCP(srv *mcp.Server) {
	svc.registerCreateJob(srv)
	svc.registerJobStatus(srv)
}

// logged tags each tool call with a request id and logs its outcome.
func (svc *Service) logged(tool string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			id := idgen.New()
			ctx = kit.WithRequestID(ctx, id)
			start := time.Now()
			resp, err := next(ctx, req)
			log := svc.logger.With("tool", tool, "request_id", id, "duration_ms", time.Since(start).Milliseconds())
			if err != nil {
				log.Warn("mcp: tool failed", "error", err)
			} else {
				log.Debug("mcp: tool call")
			}
			return resp, err
		}
	}
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func (svc *Service) registerCreateJob(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "scout_create_job",
		Description: "Start a creator discovery job for keywords or a seed account",
		InputSchema: inputSchema(map[string]any{
			"userId":        map[string]any{"type": "string", "description": "User ID"},
			"campaignId":    map[string]any{"type": "string", "description": "Campaign ID"},
			"platform":      map[string]any{"type": "string", "description": "Platform: tiktok, instagram, youtube"},
			"keywords":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"targetResults": map[string]any{"type": "integer", "description": "Number of creators wanted"},
			"seedUsername":  map[string]any{"type": "string", "description": "Find creators similar to this account"},
		}, []string{"userId", "platform", "targetResults"}),
	}

	// The raw arguments go through the same schema as HTTP intake.
	endpoint := kit.Chain(svc.logged(tool.Name))(func(ctx context.Context, r any) (any, error) {
		return svc.CreateJob(ctx, *r.(*json.RawMessage))
	})
	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeJSON[json.RawMessage]())
}

func (svc *Service) registerJobStatus(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "scout_job_status",
		Description: "Get the progress of a discovery job and one page of its creators",
		InputSchema: inputSchema(map[string]any{
			"jobId":  map[string]any{"type": "string", "description": "Job ID"},
			"offset": map[string]any{"type": "integer", "description": "First creator to return"},
			"limit":  map[string]any{"type": "integer", "description": "Page size"},
		}, []string{"jobId"}),
	}

	endpoint := kit.Chain(svc.logged(tool.Name))(func(ctx context.Context, r any) (any, error) {
		return svc.Status(ctx, *r.(*StatusRequest))
	})
	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeJSON[StatusRequest]())
}
