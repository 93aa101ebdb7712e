// Package sandbox runs agent sessions inside the caller's session
// environment. The run request goes in on stdin and the bootstrap answers
// with newline-delimited JSON frames.
package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"path"
	"strings"

	"github.com/ryanwaits/site/internal/agent"
	"github.com/ryanwaits/site/internal/container"
	"github.com/ryanwaits/site/internal/identity"
	"github.com/ryanwaits/site/internal/runtime/wire"
)

const maxFrameSize = 1 << 20

var (
	errNoSession = errors.New("sandbox: request has no session")
	errNoResult  = errors.New("sandbox: bootstrap exited without a result")
)

// Sessions resolves a session id to its environment.
type Sessions interface {
	GetOrCreate(ctx context.Context, sessionID string) (container.Handle, error)
}

// Executor runs a command in an environment and streams its stdout.
type Executor interface {
	Exec(ctx context.Context, environmentID string, cmd []string, stdin []byte) (io.ReadCloser, error)
}

// Runtime implements agent.Runtime over session environments.
type Runtime struct {
	sessions Sessions
	exec     Executor
	logger   *slog.Logger
}

var _ agent.Runtime = (*Runtime)(nil)

// New creates a sandbox runtime.
func New(sessions Sessions, exec Executor, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{sessions: sessions, exec: exec, logger: logger}
}

// Run executes the bootstrap in the environment of the session carried by ctx.
func (r *Runtime) Run(ctx context.Context, prompt string, cfg agent.RequestConfig) iter.Seq2[agent.Message, error] {
	return func(yield func(agent.Message, error) bool) {
		sessionID := identity.SessionIDFromContext(ctx)
		if sessionID == "" {
			yield(agent.Message{}, errNoSession)
			return
		}

		handle, err := r.sessions.GetOrCreate(ctx, sessionID)
		if err != nil {
			yield(agent.Message{}, err)
			return
		}

		req, err := wire.NewRequest(prompt, cfg, container.WorkspaceDir)
		if err != nil {
			yield(agent.Message{}, err)
			return
		}
		stdin, err := json.Marshal(req)
		if err != nil {
			yield(agent.Message{}, fmt.Errorf("encode run request: %w", err))
			return
		}

		out, err := r.exec.Exec(ctx, handle.EnvironmentID, container.BootstrapCommand, stdin)
		if err != nil {
			yield(agent.Message{}, fmt.Errorf("start bootstrap: %w", err))
			return
		}
		defer func() { _ = out.Close() }()

		scanner := bufio.NewScanner(out)
		scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
		sawResult := false
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var frame wire.Frame
			if err := json.Unmarshal([]byte(line), &frame); err != nil {
				r.logger.Debug("Skipping non-frame bootstrap output", "session_id", sessionID, "line", truncate(line, 200))
				continue
			}
			msg, ok := frame.Message()
			if !ok {
				continue
			}
			if msg.Kind == agent.MessageToolUse {
				msg.Input = hostInput(msg.Input)
				r.audit(ctx, sessionID, cfg, msg)
			}
			if msg.Kind == agent.MessageResult {
				sawResult = true
			}
			if !yield(msg, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			yield(agent.Message{}, fmt.Errorf("read bootstrap output: %w", err))
			return
		}
		if !sawResult && ctx.Err() == nil {
			yield(agent.Message{}, errNoResult)
		}
	}
}

// audit re-checks a tool call the agent attempted against the hook table.
// The bootstrap's PreToolUse hook refuses the read itself; this records the
// attempt on the server side.
func (r *Runtime) audit(ctx context.Context, sessionID string, cfg agent.RequestConfig, msg agent.Message) {
	call := agent.ToolCall{Tool: msg.Tool, Input: msg.Input}
	if d := cfg.Permit(ctx, call); !d.Allow {
		r.logger.Warn("Sandbox tool call violates policy",
			"session_id", sessionID,
			"tool", msg.Tool,
			"reason", d.Reason,
		)
	}
}

// hostInput rewrites a workspace-absolute file_path to a root-relative one
// so the guard and the activity feed see paths under the project root.
func hostInput(input map[string]any) map[string]any {
	p, ok := input["file_path"].(string)
	if !ok {
		return input
	}
	out := make(map[string]any, len(input))
	for k, v := range input {
		out[k] = v
	}
	clean := path.Clean(p)
	switch {
	case clean == container.WorkspaceDir:
		out["file_path"] = "."
	case strings.HasPrefix(clean, container.WorkspaceDir+"/"):
		out["file_path"] = strings.TrimPrefix(clean, container.WorkspaceDir+"/")
	default:
		out["file_path"] = clean
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
