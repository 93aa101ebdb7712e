package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ryanwaits/site/internal/agent"
	"github.com/ryanwaits/site/internal/config"
	"github.com/ryanwaits/site/internal/domain"
	"github.com/ryanwaits/site/internal/identity"
	"github.com/ryanwaits/site/internal/prompt"
)

var errStreamFailed = errors.New("agent stream ended with an error")

func newAskCommand(logger *slog.Logger) *cobra.Command {
	var (
		view     bool
		mentions []string
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "ask [message]",
		Short: "Send one console request and print the event stream",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}

			ctx := cmd.Context()
			a, err := buildApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			profile := agent.ConversationalProfile
			if view {
				profile = agent.StructuredViewProfile
			}

			text, err := a.assembler.Assemble(ctx, prompt.Input{
				Message:  strings.Join(args, " "),
				Mentions: mentions,
			})
			if err != nil {
				return err
			}

			// Sandbox runs are keyed by session, so the command acts as a fresh visitor.
			ctx = identity.WithSessionID(ctx, uuid.NewString())
			events := a.driver.Events(ctx, text, a.profiles.For(profile))
			return printEvents(cmd.OutOrStdout(), cmd.ErrOrStderr(), events, asJSON)
		},
	}

	cmd.Flags().BoolVar(&view, "view", false, "use the structured view profile")
	cmd.Flags().StringSliceVarP(&mentions, "mention", "m", nil, "document slug to include as context (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw events as JSON lines")
	return cmd
}

// printEvents renders a stream for a terminal. Text goes to out; progress and
// errors go to errOut.
func printEvents(out, errOut io.Writer, events <-chan domain.StreamEvent, asJSON bool) error {
	failed := false
	enc := json.NewEncoder(out)

	for ev := range events {
		if ev.Type == domain.EventError {
			failed = true
		}
		if asJSON {
			if err := enc.Encode(ev); err != nil {
				return fmt.Errorf("write event: %w", err)
			}
			continue
		}

		switch ev.Type {
		case domain.EventActivity:
			fmt.Fprintf(errOut, "[%s] %s\n", ev.Tool, ev.Detail)
		case domain.EventText:
			fmt.Fprint(out, ev.Content)
		case domain.EventView:
			fmt.Fprintf(out, "# %s\n\n%s\n", ev.Title, ev.MDX)
		case domain.EventDone:
			fmt.Fprintln(out)
		case domain.EventError:
			fmt.Fprintln(errOut, "error:", ev.Message)
		}
	}

	if failed {
		return errStreamFailed
	}
	return nil
}
