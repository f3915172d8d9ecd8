// Command sshxd is the collaborative terminal multiplexer server: the
// HTTP control surface, the host and browser WebSocket channels, and
// the session supervisors described in SPEC_FULL.md/DESIGN.md, all in
// one process.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/sshxd/sshxd/internal/config"
	"github.com/sshxd/sshxd/internal/dashboard"
	"github.com/sshxd/sshxd/internal/dispatcher"
	"github.com/sshxd/sshxd/internal/httpapi"
	"github.com/sshxd/sshxd/internal/store"
	"github.com/sshxd/sshxd/internal/supervisor"
)

// version is set at release time; "dev" for local builds.
var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "sshxd",
		Short: "Collaborative terminal multiplexer server",
	}

	var dataDirFlag string
	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "Directory holding config.toml and the session store (overrides SSHX_DATA_DIR)")

	serve := serveCmd(&dataDirFlag)
	rootCmd.RunE = serve.RunE
	rootCmd.AddCommand(serve, versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(os.Stdout, version)
			return nil
		},
	}
}

func serveCmd(dataDirFlag *string) *cobra.Command {
	var listenFlag string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the server (default command)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*dataDirFlag, listenFlag)
		},
	}
	cmd.Flags().StringVar(&listenFlag, "listen", "", "HTTP listen address (overrides SSHX_LISTEN and config.toml)")
	return cmd
}

// newLogger matches the teacher's own CLI output-detection posture:
// structured text when attached to a terminal, structured JSON
// otherwise (log aggregation, systemd, containers).
func newLogger() *slog.Logger {
	var handler slog.Handler
	if isatty.IsTerminal(os.Stderr.Fd()) {
		handler = slog.NewTextHandler(os.Stderr, nil)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, nil)
	}
	return slog.New(handler)
}

func runServe(dataDir, listenOverride string) error {
	log := newLogger()
	slog.SetDefault(log)

	cfg, err := config.Load(dataDir)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	if listenOverride != "" {
		cfg.Listen = listenOverride
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	st, err := store.NewSQLiteStore(cfg.StoreDir())
	if err != nil {
		log.Error("opening store", "err", err)
		os.Exit(2)
	}
	defer st.Close()

	supCfg := supervisor.Config{
		ReplayWindowBytes: cfg.ReplayWindowBytes,
		SnapshotInterval:  cfg.SnapshotInterval(),
		IdleWindow:        cfg.IdleWindow(),
		PingInterval:      supervisor.DefaultConfig().PingInterval,
		MissedPongLimit:   supervisor.DefaultConfig().MissedPongLimit,
		StorageGrace:      supervisor.DefaultConfig().StorageGrace,
	}

	if err := os.MkdirAll(cfg.EventLogDir(), 0o755); err != nil {
		return fmt.Errorf("creating event log dir: %w", err)
	}

	d := dispatcher.New(st, supCfg, log, cfg.EventLogDir())
	api := httpapi.New(d, dashboard.New(st), cfg.DashboardKey, log)

	httpSrv := &http.Server{Addr: cfg.Listen, Handler: api.Mux()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		d.Shutdown()
		return httpSrv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}
