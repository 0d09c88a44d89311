// Package kit provides the endpoint abstraction shared by the HTTP and MCP
// transports: a transport-agnostic Endpoint function type, composable
// Middleware, request-scoped context accessors, and a helper that registers
// an Endpoint as an MCP tool.
package kit

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Endpoint is a transport-agnostic request handler.
type Endpoint func(ctx context.Context, request any) (any, error)

// Middleware wraps an Endpoint with cross-cutting behavior.
type Middleware func(next Endpoint) Endpoint

type contextKey string

const (
	ctxTransport contextKey = "transport"
	ctxUserID    contextKey = "user_id"
	ctxRequestID contextKey = "request_id"
	ctxTraceID   contextKey = "trace_id"
)

func WithTransport(ctx context.Context, transport string) context.Context {
	return context.WithValue(ctx, ctxTransport, transport)
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxUserID, userID)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxRequestID, requestID)
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, ctxTraceID, traceID)
}

func GetTransport(ctx context.Context) string { return stringValue(ctx, ctxTransport) }
func GetUserID(ctx context.Context) string    { return stringValue(ctx, ctxUserID) }
func GetRequestID(ctx context.Context) string { return stringValue(ctx, ctxRequestID) }
func GetTraceID(ctx context.Context) string   { return stringValue(ctx, ctxTraceID) }

func stringValue(ctx context.Context, key contextKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}

// MCPDecodeResult carries the decoded request for an MCP tool call.
type MCPDecodeResult struct {
	Request any
}

// MCPDecoder converts a raw MCP tool call into an endpoint request.
type MCPDecoder func(req mcp.CallToolRequest) (*MCPDecodeResult, error)

// RegisterMCPTool wires an Endpoint into an MCP server as a tool. The decoder
// maps tool arguments to the endpoint's request type; the endpoint response is
// serialized to JSON for the tool result. Each call gets a fresh request ID,
// doubling as the trace ID so audit and SQL-trace rows correlate.
func RegisterMCPTool(srv *server.MCPServer, tool mcp.Tool, endpoint Endpoint, decode MCPDecoder) {
	srv.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		decoded, err := decode(req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		reqID := uuid.NewString()
		ctx = WithTransport(ctx, "mcp")
		ctx = WithRequestID(ctx, reqID)
		ctx = WithTraceID(ctx, reqID)
		resp, err := endpoint(ctx, decoded.Request)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		data, err := json.Marshal(resp)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(data)), nil
	})
}
