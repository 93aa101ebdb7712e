package agent

import (
	"context"
	"slices"

	"github.com/ryanwaits/site/internal/policy"
)

// Tool names understood by agent runtimes.
const (
	ToolRead  = policy.ReadTool
	ToolSkill = "Skill"
	ToolBash  = "Bash"
	ToolEdit  = "Edit"
	ToolWrite = "Write"
	ToolGlob  = "Glob"
	ToolGrep  = "Grep"
	ToolTask  = "Task"
)

// Profile names the two supported capability configurations.
type Profile string

const (
	ConversationalProfile Profile = "conversational"
	StructuredViewProfile Profile = "structured_view"
)

// disallowedTools is applied to every profile, including the one that enables
// no tools, so a runtime that grows new default tools still cannot use these.
var disallowedTools = []string{ToolBash, ToolEdit, ToolWrite, ToolGlob, ToolGrep, ToolTask}

var conversationalTools = []string{ToolRead, ToolSkill}

// HookEvent identifies when a hook runs.
type HookEvent string

// PreToolUse hooks run before a tool executes and may deny it.
const PreToolUse HookEvent = "PreToolUse"

// ToolCall is a tool invocation presented to hooks.
type ToolCall struct {
	Tool  string
	Input map[string]any
}

// Hook binds a callback to tool invocations whose name equals Matcher.
// An empty Matcher matches every tool.
type Hook struct {
	Event    HookEvent
	Matcher  string
	Callback func(ctx context.Context, call ToolCall) policy.Decision
}

// RequestConfig is the immutable policy bundle for one agent invocation.
// Values are built only by Profiles; accessors return copies.
type RequestConfig struct {
	profile      Profile
	model        string
	systemPrompt string
	maxTurns     int
	workingDir   string
	allowed      []string
	disallowed   []string
	hooks        []Hook
	structured   bool
}

// Profile returns the profile the configuration was built for.
func (c RequestConfig) Profile() Profile { return c.profile }

// Model returns the model identifier sent to the runtime.
func (c RequestConfig) Model() string { return c.model }

// SystemPrompt returns the system prompt for the session.
func (c RequestConfig) SystemPrompt() string { return c.systemPrompt }

// MaxTurns returns the turn limit for the session.
func (c RequestConfig) MaxTurns() int { return c.maxTurns }

// WorkingDir returns the project root the session runs in.
func (c RequestConfig) WorkingDir() string { return c.workingDir }

// AllowedTools returns a copy of the enabled tool names.
func (c RequestConfig) AllowedTools() []string { return slices.Clone(c.allowed) }

// DisallowedTools returns a copy of the disabled tool names.
func (c RequestConfig) DisallowedTools() []string { return slices.Clone(c.disallowed) }

// Hooks returns a copy of the hook table.
func (c RequestConfig) Hooks() []Hook { return slices.Clone(c.hooks) }

// StructuredOutput reports whether the session must end with a ViewOutput
// instead of free text.
func (c RequestConfig) StructuredOutput() bool { return c.structured }

// Permit evaluates a tool invocation against the configuration: the deny
// list first, then the allow list, then every matching PreToolUse hook.
// The first denial wins.
func (c RequestConfig) Permit(ctx context.Context, call ToolCall) policy.Decision {
	if slices.Contains(c.disallowed, call.Tool) {
		return policy.Deny("tool " + call.Tool + " is disabled")
	}
	if !slices.Contains(c.allowed, call.Tool) {
		return policy.Deny("tool " + call.Tool + " is not enabled")
	}
	for _, h := range c.hooks {
		if h.Event != PreToolUse || (h.Matcher != "" && h.Matcher != call.Tool) {
			continue
		}
		if d := h.Callback(ctx, call); !d.Allow {
			return d
		}
	}
	return policy.Allowed
}

// ProfileOptions configures the profile factory.
type ProfileOptions struct {
	ChatModel        string
	ViewModel        string
	MaxTurns         int
	ChatSystemPrompt string
	ViewSystemPrompt string
}

// Profiles builds request configurations bound to one project root and guard.
type Profiles struct {
	guard *policy.Guard
	opts  ProfileOptions
}

// NewProfiles creates a factory. Empty prompts fall back to the built-in ones.
func NewProfiles(guard *policy.Guard, opts ProfileOptions) *Profiles {
	if opts.ChatSystemPrompt == "" {
		opts.ChatSystemPrompt = DefaultChatSystemPrompt
	}
	if opts.ViewSystemPrompt == "" {
		opts.ViewSystemPrompt = DefaultViewSystemPrompt
	}
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = 3
	}
	return &Profiles{guard: guard, opts: opts}
}

// Guard returns the access policy bound to the profiles.
func (p *Profiles) Guard() *policy.Guard {
	return p.guard
}

// Conversational returns the interactive chat configuration.
func (p *Profiles) Conversational() RequestConfig {
	guard := p.guard
	return RequestConfig{
		profile:      ConversationalProfile,
		model:        p.opts.ChatModel,
		systemPrompt: p.opts.ChatSystemPrompt,
		maxTurns:     p.opts.MaxTurns,
		workingDir:   guard.Root(),
		allowed:      slices.Clone(conversationalTools),
		disallowed:   slices.Clone(disallowedTools),
		hooks: []Hook{{
			Event:   PreToolUse,
			Matcher: ToolRead,
			Callback: func(_ context.Context, call ToolCall) policy.Decision {
				return guard.Check(call.Tool, call.Input)
			},
		}},
	}
}

// StructuredView returns the view-generation configuration. It enables no
// tools.
func (p *Profiles) StructuredView() RequestConfig {
	return RequestConfig{
		profile:      StructuredViewProfile,
		model:        p.opts.ViewModel,
		systemPrompt: p.opts.ViewSystemPrompt,
		maxTurns:     p.opts.MaxTurns,
		workingDir:   p.guard.Root(),
		disallowed:   slices.Clone(disallowedTools),
		structured:   true,
	}
}

// For returns the configuration for profile.
func (p *Profiles) For(profile Profile) RequestConfig {
	if profile == StructuredViewProfile {
		return p.StructuredView()
	}
	return p.Conversational()
}
