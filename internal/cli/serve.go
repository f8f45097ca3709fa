package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr/funcr"
	"github.com/spf13/cobra"

	"github.com/agentbridge-dev/agentbridge/pkg/agui"
	"github.com/agentbridge-dev/agentbridge/pkg/agui/config"
	"github.com/agentbridge-dev/agentbridge/pkg/agui/llm"
	"github.com/agentbridge-dev/agentbridge/pkg/agui/tools"
)

// ServeConfig holds configuration for the serve command.
type ServeConfig struct {
	ConfigFile string
	Verbose    bool
}

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	cfg := &ServeConfig{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the backend server",
		Long: `Start the backend server with the configured session store and model.

Examples:
  agentbridge serve
  agentbridge serve --config config.yaml
  AGENTBRIDGE_SERVER_PORT=9090 agentbridge serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.ConfigFile, "config", "", "Path to configuration file")
	cmd.Flags().BoolVarP(&cfg.Verbose, "verbose", "v", false, "Enable debug logging")

	return cmd
}

func runServe(ctx context.Context, serveCfg *ServeConfig) error {
	cfg, err := config.Load(serveCfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	verbosity := 0
	if serveCfg.Verbose {
		verbosity = 1
	}
	log := funcr.New(func(prefix, args string) {
		fmt.Fprintf(os.Stderr, "%s %s\n", prefix, args)
	}, funcr.Options{Verbosity: verbosity})

	app, err := agui.NewApp(cfg, llm.NewScriptedClient(), tools.NewRegistry(),
		agui.WithLogger(log))
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}

	server := app.Build()

	errChan := make(chan error, 1)
	go func() {
		fmt.Printf("Backend '%s' listening on %s\n", cfg.AppName, cfg.Server.Addr())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case <-sigChan:
		fmt.Println("\nShutting down...")
	case <-ctx.Done():
		fmt.Println("\nContext cancelled, shutting down...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown gracefully: %w", err)
	}
	fmt.Println("Backend stopped")
	return nil
}
