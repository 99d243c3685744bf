package local

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/morezero/device-bridge/pkg/command"
)

// toolHandler dispatches one registered action. Large payloads are returned inline.
func (m *Mode) toolHandler(action string) mcp.ToolHandlerFor[map[string]any, any] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, args map[string]any) (*mcp.CallToolResult, any, error) {
		if args == nil {
			args = map[string]any{}
		}
		cmd := &command.Command{ID: uuid.NewString(), Action: action, Params: args}
		result := m.dispatcher.Dispatch(ctx, command.TransportLocal, cmd)

		if !m.status.Accepting() {
			slog.Debug(fmt.Sprintf("%s - discarding result of %s, mode is %s", logPrefix, action, m.status.State()))
			return toolError("bridge is stopping"), nil, nil
		}
		return toolResult(result), nil, nil
	}
}

func toolResult(result *command.Result) *mcp.CallToolResult {
	body, err := json.Marshal(result)
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err))
	}
	return &mcp.CallToolResult{
		IsError: !result.Success,
		Content: []mcp.Content{&mcp.TextContent{Text: string(body)}},
	}
}

func toolError(msg string) *mcp.CallToolResult {
	body, _ := json.Marshal(command.Fail(msg))
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: string(body)}},
	}
}

// bufferBody reads the whole request body before any inner handler runs.
func bufferBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body == nil || r.Body == http.NoBody {
			next.ServeHTTP(w, r)
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
		r.Body.Close()
		if err != nil {
			http.Error(w, "request body too large or unreadable", http.StatusRequestEntityTooLarge)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		r.ContentLength = int64(len(body))
		next.ServeHTTP(w, r)
	})
}
