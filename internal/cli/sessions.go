package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/agentbridge-dev/agentbridge/pkg/agui/config"
	"github.com/agentbridge-dev/agentbridge/pkg/agui/session"
)

// SessionsConfig holds configuration for the sessions command.
type SessionsConfig struct {
	ConfigFile string
	UserID     string
}

// NewSessionsCmd creates the sessions command.
func NewSessionsCmd() *cobra.Command {
	cfg := &SessionsConfig{}

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List stored sessions",
		Long: `List the sessions stored for a user, directly from the configured store.

Examples:
  agentbridge sessions --user alice
  agentbridge sessions --user alice --config config.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessions(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.ConfigFile, "config", "", "Path to configuration file")
	cmd.Flags().StringVar(&cfg.UserID, "user", "", "User whose sessions to list")
	cmd.MarkFlagRequired("user")

	return cmd
}

func runSessions(ctx context.Context, sessCfg *SessionsConfig) error {
	cfg, err := config.Load(sessCfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}

	sessions, err := store.ListSessions(ctx, cfg.AppName, sessCfg.UserID)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	if len(sessions) == 0 {
		fmt.Printf("No sessions found for user %s\n", sessCfg.UserID)
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Session", "Events", "State Keys", "Updated"})
	for _, sess := range sessions {
		t.AppendRow(table.Row{
			sess.ID,
			len(sess.Events),
			countUserKeys(sess.State),
			sess.UpdatedAt.Format("2006-01-02 15:04:05"),
		})
	}
	t.Render()
	return nil
}

func openStore(cfg *config.Config) (session.Service, error) {
	switch cfg.Store.Backend {
	case "sqlite":
		return session.OpenSQLite(cfg.Store.Path)
	case "postgres":
		return session.OpenPostgres(cfg.Store.DSN)
	default:
		return nil, fmt.Errorf("store backend %q holds no persistent sessions to list", cfg.Store.Backend)
	}
}

func countUserKeys(state session.State) int {
	n := 0
	for key := range state {
		if !session.IsReservedKey(key) {
			n++
		}
	}
	return n
}
