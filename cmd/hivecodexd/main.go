// hivecodexd is the real-time sync server for collaborative code rooms.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/devangk003/hivecodex-sub000/internal/config"
	"github.com/devangk003/hivecodex-sub000/internal/gateway"
	"github.com/devangk003/hivecodex-sub000/internal/room"
	"github.com/devangk003/hivecodex-sub000/internal/store"
	"github.com/devangk003/hivecodex-sub000/internal/tree"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "hivecodexd",
		Short: "HiveCodex sync server - collaborative editing over websockets",
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
	rootCmd.AddCommand(serveCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hivecodexd %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func runServe() error {
	setupLogging()

	if cfgFile == "" {
		return fmt.Errorf("config file is required (use --config)")
	}
	cfg, err := config.LoadServerConfig(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	rooms, blobs, err := openStores(cfg)
	if err != nil {
		// A server that cannot reach its stores must not come up
		// half-working; fail the start instead.
		return fmt.Errorf("open stores: %w", err)
	}

	grace, _ := cfg.Grace()
	manager := room.NewManager(rooms, tree.NewEngine(rooms, blobs), grace)
	defer manager.Close()

	srv, err := gateway.NewServer(cfg, manager)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("listen", cfg.Listen).Str("version", Version).Msg("hivecodexd started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("shutdown did not finish cleanly")
	}
	return nil
}

func openStores(cfg *config.ServerConfig) (store.RoomStore, store.BlobStore, error) {
	blobs, err := store.NewDiskBlobStore(filepath.Join(cfg.DataDir, "blobs"))
	if err != nil {
		return nil, nil, err
	}

	switch cfg.Store.Driver {
	case "memory":
		return store.NewMemoryStore(true), blobs, nil
	case "file":
		rooms, err := store.OpenFileStore(filepath.Join(cfg.DataDir, "rooms"))
		if err != nil {
			return nil, nil, err
		}
		return rooms, blobs, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
