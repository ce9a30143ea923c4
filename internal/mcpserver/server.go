// Package mcpserver exposes the session manager as MCP tools over stdio.
package mcpserver

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/p-arndt/codesandbox/internal/artifact"
	"github.com/p-arndt/codesandbox/internal/session"
)

const serverName = "codesandbox"

// SessionService abstracts the session operations the tools call.
type SessionService interface {
	GetOrCreateSession(ctx context.Context, id string) (*session.SessionInfo, error)
	Run(ctx context.Context, sessionID, code string, timeout time.Duration) (*session.ExecutionRecord, error)
	Upload(ctx context.Context, sessionID, filename, contentBase64 string, overwrite bool) (*session.UploadResult, error)
	ReadArtifact(ctx context.Context, sessionID, path string) (*session.ArtifactContent, error)
	ListArtifacts(ctx context.Context, sessionID string) ([]artifact.Artifact, error)
	CloseSession(ctx context.Context, id string) (*session.CloseResult, error)
}

type Server struct {
	svc     SessionService
	dataDir string
	logger  *slog.Logger
	mcp     *server.MCPServer
}

func New(svc SessionService, dataDir, version string, logger *slog.Logger) *Server {
	s := &Server{
		svc:     svc,
		dataDir: dataDir,
		logger:  logger,
		mcp:     server.NewMCPServer(serverName, version, server.WithToolCapabilities(false)),
	}
	s.registerTools()
	return s
}

// Serve speaks MCP over in/out until ctx is cancelled or in is closed.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	s.logger.Info("mcp server listening on stdio")
	return stdio.Listen(ctx, in, out)
}

func (s *Server) registerTools() {
	sessionIDProp := map[string]any{
		"type":        "string",
		"description": "Session to use. Omit to create a new one.",
	}
	requiredSessionIDProp := map[string]any{
		"type":        "string",
		"description": "The session id returned by an earlier call.",
	}

	s.mcp.AddTool(mcp.Tool{
		Name:        "create_session",
		Description: "Create a sandbox session, or confirm an existing one is alive. Files in " + s.dataDir + " persist across calls within a session.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"session_id": sessionIDProp,
			},
		},
	}, s.handleCreateSession)

	s.mcp.AddTool(mcp.Tool{
		Name: "run_python",
		Description: "Execute Python code in an isolated sandbox and return stdout, stderr, exit code and the files it created or changed in " +
			s.dataDir + ". Each call runs a fresh process: variables do not carry over, files do. On timeout exit_code is -1.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Python source code to execute",
				},
				"session_id": sessionIDProp,
				"timeout_s": map[string]any{
					"type":        "number",
					"description": "Execution timeout in seconds (optional, capped by the server)",
				},
			},
			Required: []string{"code"},
		},
	}, s.handleRunPython)

	s.mcp.AddTool(mcp.Tool{
		Name:        "upload_file",
		Description: "Upload a data file into the session. It is stored at " + s.dataDir + "/<filename>.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"filename": map[string]any{
					"type":        "string",
					"description": "File name such as sales.csv. Letters, digits, '.', '-' and '_' only.",
				},
				"content_base64": map[string]any{
					"type":        "string",
					"description": "File contents encoded as base64",
				},
				"session_id": sessionIDProp,
				"overwrite": map[string]any{
					"type":        "boolean",
					"description": "Replace an existing file with the same name",
				},
			},
			Required: []string{"filename", "content_base64"},
		},
	}, s.handleUploadFile)

	s.mcp.AddTool(mcp.Tool{
		Name:        "read_artifact",
		Description: "Read a file from the session as base64. The path must be a file directly inside " + s.dataDir + ".",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"session_id": requiredSessionIDProp,
				"path": map[string]any{
					"type":        "string",
					"description": "File path, e.g. " + s.dataDir + "/chart.png, or a bare file name",
				},
			},
			Required: []string{"session_id", "path"},
		},
	}, s.handleReadArtifact)

	s.mcp.AddTool(mcp.Tool{
		Name:        "list_artifacts",
		Description: "List every file currently in the session's " + s.dataDir + " directory.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"session_id": requiredSessionIDProp,
			},
			Required: []string{"session_id"},
		},
	}, s.handleListArtifacts)

	s.mcp.AddTool(mcp.Tool{
		Name:        "close_session",
		Description: "Destroy the session's sandbox and every file in it. Idle sessions are also closed automatically.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"session_id": requiredSessionIDProp,
			},
			Required: []string{"session_id"},
		},
	}, s.handleCloseSession)
}

func (s *Server) handleCreateSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)
	id, _ := args["session_id"].(string)

	info, err := s.svc.GetOrCreateSession(ctx, id)
	if err != nil {
		return s.errorResult("create_session", err), nil
	}
	return jsonResult(info), nil
}

func (s *Server) handleRunPython(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)
	code, _ := args["code"].(string)
	id, _ := args["session_id"].(string)
	if code == "" {
		return invalidArguments("'code' is required"), nil
	}

	var timeout time.Duration
	if secs, ok := args["timeout_s"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}

	rec, err := s.svc.Run(ctx, id, code, timeout)
	if err != nil {
		return s.errorResult("run_python", err), nil
	}
	return jsonResult(rec), nil
}

func (s *Server) handleUploadFile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)
	filename, _ := args["filename"].(string)
	content, ok := args["content_base64"].(string)
	id, _ := args["session_id"].(string)
	overwrite, _ := args["overwrite"].(bool)
	if filename == "" || !ok {
		return invalidArguments("'filename' and 'content_base64' are required"), nil
	}

	res, err := s.svc.Upload(ctx, id, filename, content, overwrite)
	if err != nil {
		return s.errorResult("upload_file", err), nil
	}
	return jsonResult(res), nil
}

type readArtifactResult struct {
	artifact.Artifact
	ContentBase64 string `json:"content_base64"`
}

func (s *Server) handleReadArtifact(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)
	id, _ := args["session_id"].(string)
	path, _ := args["path"].(string)
	if id == "" {
		return invalidArguments("'session_id' is required"), nil
	}

	a, err := s.svc.ReadArtifact(ctx, id, path)
	if err != nil {
		return s.errorResult("read_artifact", err), nil
	}
	return jsonResult(readArtifactResult{
		Artifact:      a.Artifact,
		ContentBase64: base64.StdEncoding.EncodeToString(a.Content),
	}), nil
}

func (s *Server) handleListArtifacts(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)
	id, _ := args["session_id"].(string)
	if id == "" {
		return invalidArguments("'session_id' is required"), nil
	}

	list, err := s.svc.ListArtifacts(ctx, id)
	if err != nil {
		return s.errorResult("list_artifacts", err), nil
	}
	return jsonResult(map[string]any{"session_id": id, "artifacts": list}), nil
}

func (s *Server) handleCloseSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)
	id, _ := args["session_id"].(string)
	if id == "" {
		return invalidArguments("'session_id' is required"), nil
	}

	res, err := s.svc.CloseSession(ctx, id)
	if err != nil {
		return s.errorResult("close_session", err), nil
	}
	return jsonResult(res), nil
}

func arguments(request mcp.CallToolRequest) map[string]any {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		return map[string]any{}
	}
	return args
}
