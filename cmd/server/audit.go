package main

import (
	"cmp"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ryanwaits/site/internal/domain"
	"github.com/ryanwaits/site/internal/store"
)

func newAuditCommand(logger *slog.Logger) *cobra.Command {
	var (
		dbPath string
		kind   string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List recent audit events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			repo, err := store.NewSQLite(dbPath)
			if err != nil {
				return fmt.Errorf("open audit store: %w", err)
			}
			defer func() {
				if closeErr := repo.Close(); closeErr != nil {
					logger.Error("Failed to close audit store", "error", closeErr)
				}
			}()

			events, err := repo.RecentAudit(cmd.Context(), domain.AuditKind(kind), limit)
			if err != nil {
				return err
			}
			return printAudit(cmd.OutOrStdout(), events)
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", cmp.Or(os.Getenv("DB_PATH"), "./data/site.db"), "path to the SQLite database")
	cmd.Flags().StringVar(&kind, "kind", "", "only show events of this kind (policy_denial, rate_limited, chat_request, view_request)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of events")
	return cmd
}

func printAudit(out io.Writer, events []domain.AuditEvent) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tKIND\tSESSION\tCLIENT\tDETAIL")
	for _, ev := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			ev.CreatedAt.Local().Format(time.DateTime), ev.Kind,
			cmp.Or(ev.SessionID, "-"), cmp.Or(ev.ClientKey, "-"), ev.Detail)
	}
	return tw.Flush()
}
