// Package prompt builds the text sent to the agent from a console request.
package prompt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/ryanwaits/site/internal/domain"
)

// Request limits, counted in code points.
const (
	MaxMessageLength = 4000
	MaxHistoryTurns  = 20
	MaxMentionLength = 100
)

// ViewPlaceholder is the synthetic assistant turn the client records after a
// view has been rendered. It carries no information and is never replayed.
const ViewPlaceholder = "[view generated]"

// DocumentLookup resolves a mention slug to a site document.
// A nil document with a nil error means the slug does not exist.
type DocumentLookup interface {
	Lookup(ctx context.Context, slug string) (*domain.Document, error)
}

// Input is an untrusted console request.
type Input struct {
	Message  string
	History  []domain.ConversationTurn
	Mentions []string
}

// ValidationError describes input the client must correct. Its message is
// safe to return to the client.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Validate checks in against the request limits.
func Validate(in Input) error {
	if strings.TrimSpace(in.Message) == "" {
		return invalid("message", "message is required")
	}
	if utf8.RuneCountInString(in.Message) > MaxMessageLength {
		return invalid("message", "message exceeds %d characters", MaxMessageLength)
	}
	if len(in.History) > MaxHistoryTurns {
		return invalid("history", "history exceeds %d turns", MaxHistoryTurns)
	}
	for i, turn := range in.History {
		if !turn.Role.Valid() {
			return invalid("history", "history[%d] has unknown role %q", i, turn.Role)
		}
	}
	for i, m := range in.Mentions {
		if m == "" || utf8.RuneCountInString(m) > MaxMentionLength {
			return invalid("mentions", "mentions[%d] must be 1 to %d characters", i, MaxMentionLength)
		}
	}
	return nil
}

// Assembler combines a request with referenced documents.
type Assembler struct {
	docs   DocumentLookup
	logger *slog.Logger
}

// NewAssembler creates an assembler. docs may be nil, in which case mentions
// are ignored.
func NewAssembler(docs DocumentLookup, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{docs: docs, logger: logger}
}

// Assemble validates in and returns the prompt text: the prior transcript,
// then the message, then one block per resolved mention in request order.
//
// Mention resolution is best-effort. Lookup failures and unknown slugs are
// dropped and never fail the request.
func (a *Assembler) Assemble(ctx context.Context, in Input) (string, error) {
	if err := Validate(in); err != nil {
		return "", err
	}

	docs := a.resolve(ctx, in.Mentions)
	history := filterHistory(in.History)

	if len(history) == 0 && len(docs) == 0 {
		return in.Message, nil
	}

	var b strings.Builder
	if len(history) > 0 {
		b.WriteString("Previous conversation:\n")
		for _, turn := range history {
			b.WriteString(speaker(turn.Role))
			b.WriteString(": ")
			b.WriteString(turn.Text)
			b.WriteString("\n")
		}
		b.WriteString("\nCurrent message:\n")
	}
	b.WriteString(in.Message)

	for _, doc := range docs {
		fmt.Fprintf(&b, "\n\n--- Referenced document: %s (/%s) ---\n", doc.Title, doc.Slug)
		b.WriteString(strings.TrimRight(doc.Body, "\n"))
		b.WriteString("\n--- End of document ---")
	}
	return b.String(), nil
}

// resolve fetches mentions concurrently and returns the hits in input order.
func (a *Assembler) resolve(ctx context.Context, mentions []string) []*domain.Document {
	if a.docs == nil || len(mentions) == 0 {
		return nil
	}

	results := make([]*domain.Document, len(mentions))
	var wg sync.WaitGroup
	for i, slug := range mentions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			doc, err := a.docs.Lookup(ctx, slug)
			if err != nil {
				a.logger.Debug("Dropping unresolved mention", "slug", slug, "error", err)
				return
			}
			if doc == nil {
				a.logger.Debug("Dropping unknown mention", "slug", slug)
				return
			}
			results[i] = doc
		}()
	}
	wg.Wait()

	out := results[:0]
	for _, doc := range results {
		if doc != nil {
			out = append(out, doc)
		}
	}
	return out
}

func filterHistory(turns []domain.ConversationTurn) []domain.ConversationTurn {
	out := make([]domain.ConversationTurn, 0, len(turns))
	for _, turn := range turns {
		if strings.TrimSpace(turn.Text) == ViewPlaceholder {
			continue
		}
		out = append(out, turn)
	}
	return out
}

func speaker(role domain.Role) string {
	if role == domain.RoleAssistant {
		return "Assistant"
	}
	return "User"
}
