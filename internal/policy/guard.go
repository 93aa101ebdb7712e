// Package policy implements the file-access guard evaluated before every
// file-read tool invocation the agent attempts.
package policy

import (
	"errors"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// ReadTool is the only tool the guard evaluates.
const ReadTool = "Read"

// Denial reasons.
const (
	ReasonOutsideRoot = "path is outside the project root"
	ReasonSecretFile  = "environment files are not readable"
)

// Decision is the outcome of a guard check.
type Decision struct {
	Allow  bool
	Reason string
}

// Allowed is the pass-through decision.
var Allowed = Decision{Allow: true}

// Deny returns a denying decision with the given reason.
func Deny(reason string) Decision {
	return Decision{Reason: reason}
}

// Denial describes a blocked read, reported to observers for audit.
type Denial struct {
	Tool      string
	Requested string
	Resolved  string
	Reason    string
}

// readInput mirrors the read tool's argument shape.
type readInput struct {
	FilePath string `mapstructure:"file_path"`
}

// Guard decides whether the agent may read a file.
type Guard struct {
	root   string
	logger *slog.Logger
	onDeny func(Denial)
}

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the logger used for denial audit lines.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) { g.logger = logger }
}

// WithDenyObserver registers a callback invoked for every denial.
// The callback runs on the caller's goroutine and must not block.
func WithDenyObserver(fn func(Denial)) Option {
	return func(g *Guard) { g.onDeny = fn }
}

// NewGuard creates a guard pinned to root. Root must already be canonical
// (absolute, symlinks resolved); see config.CanonicalRoot.
func NewGuard(root string, opts ...Option) (*Guard, error) {
	if root == "" || !filepath.IsAbs(root) {
		return nil, errors.New("policy: project root must be an absolute path")
	}
	g := &Guard{root: filepath.Clean(root), logger: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Root returns the pinned project root.
func (g *Guard) Root() string {
	return g.root
}

// Check evaluates a tool invocation. Tools other than Read, and Read calls
// without a usable file_path, pass through untouched: the guard only acts on
// a concrete path.
func (g *Guard) Check(tool string, input map[string]any) Decision {
	if tool != ReadTool {
		return Allowed
	}

	var args readInput
	if err := mapstructure.Decode(input, &args); err != nil || strings.TrimSpace(args.FilePath) == "" {
		return Allowed
	}

	resolved := g.Canonicalize(args.FilePath)

	// The secret-file check is independent of containment.
	if IsSecretFile(resolved) || IsSecretFile(args.FilePath) {
		return g.deny(tool, args.FilePath, resolved, ReasonSecretFile)
	}
	if !g.Contains(resolved) {
		return g.deny(tool, args.FilePath, resolved, ReasonOutsideRoot)
	}
	return Allowed
}

// Contains reports whether the canonical path p is the root or below it.
func (g *Guard) Contains(p string) bool {
	if p == g.root {
		return true
	}
	rel, err := filepath.Rel(g.root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// Canonicalize resolves p against the root into an absolute, cleaned path
// with symlinks evaluated for the longest prefix that exists on disk.
func (g *Guard) Canonicalize(p string) string {
	if !filepath.IsAbs(p) {
		p = filepath.Join(g.root, p)
	}
	return resolveExisting(filepath.Clean(p))
}

// Relative renders p relative to the root for display. Paths outside the
// root collapse to their base name so server layout is never exposed.
func (g *Guard) Relative(p string) string {
	if p == "" {
		return ""
	}
	abs := p
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(g.root, abs)
	}
	abs = filepath.Clean(abs)
	rel, err := filepath.Rel(g.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return filepath.Base(abs)
	}
	return filepath.ToSlash(rel)
}

func (g *Guard) deny(tool, requested, resolved, reason string) Decision {
	g.logger.Warn("Blocked file read",
		"tool", tool,
		"requested", requested,
		"resolved", resolved,
		"reason", reason,
	)
	if g.onDeny != nil {
		g.onDeny(Denial{Tool: tool, Requested: requested, Resolved: resolved, Reason: reason})
	}
	return Deny(reason)
}

// IsSecretFile reports whether the base name of p is an env file:
// ".env" exactly or ".env.<suffix>".
func IsSecretFile(p string) bool {
	base := filepath.Base(p)
	return base == ".env" || strings.HasPrefix(base, ".env.")
}

// resolveExisting evaluates symlinks on the longest existing prefix of p and
// re-appends the remainder, so a missing file under a symlinked directory
// still resolves to where it would live.
func resolveExisting(p string) string {
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved
	}
	dir, file := filepath.Split(p)
	dir = filepath.Clean(dir)
	if dir == p {
		return p
	}
	return filepath.Join(resolveExisting(dir), file)
}
