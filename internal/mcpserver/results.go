package mcpserver

import (
	"encoding/json"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/p-arndt/codesandbox/internal/session"
)

// errorPayload is what a tool returns on failure. error holds the session
// error kind so callers can branch on it.
type errorPayload struct {
	Error       string `json:"error"`
	Message     string `json:"message"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
	LimitBytes  int64  `json:"limit_bytes,omitempty"`
	DownloadURL string `json:"download_url,omitempty"`
}

const kindInvalidArguments = "invalid_arguments"

func (s *Server) errorResult(tool string, err error) *mcp.CallToolResult {
	var serr *session.Error
	if !errors.As(err, &serr) {
		s.logger.Error("tool failed", "tool", tool, "error", err)
		return payloadResult(errorPayload{Error: "internal_error", Message: "internal error"}, true)
	}

	s.logger.Info("tool returned error", "tool", tool, "kind", string(serr.Kind), "error", err)
	return payloadResult(errorPayload{
		Error:       string(serr.Kind),
		Message:     serr.Message,
		SizeBytes:   serr.SizeBytes,
		LimitBytes:  serr.LimitBytes,
		DownloadURL: serr.DownloadURL,
	}, true)
}

func invalidArguments(msg string) *mcp.CallToolResult {
	return payloadResult(errorPayload{Error: kindInvalidArguments, Message: msg}, true)
}

func jsonResult(v any) *mcp.CallToolResult {
	return payloadResult(v, false)
}

func payloadResult(v any, isError bool) *mcp.CallToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte(`{"error":"internal_error","message":"failed to encode result"}`)
		isError = true
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(data)}},
		IsError: isError,
	}
}
