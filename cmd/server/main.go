// Command server runs the TaskChampion sync protocol server: it wires
// together a storage backend, the protocol engine, and the HTTP
// transport (spec §6), none of which the core library needs to know how
// to bootstrap.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/GothenburgBitFactory/taskchampion-sync-server/internal/httpapi"
	"github.com/GothenburgBitFactory/taskchampion-sync-server/internal/obslog"
	"github.com/GothenburgBitFactory/taskchampion-sync-server/internal/protocol"
	"github.com/GothenburgBitFactory/taskchampion-sync-server/internal/storage"
	"github.com/GothenburgBitFactory/taskchampion-sync-server/internal/storage/postgres"
	"github.com/GothenburgBitFactory/taskchampion-sync-server/internal/storage/sqlite"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"

	addr             string
	dataDir          string
	storageBackend   string
	postgresDSN      string
	snapshotDays     int64
	snapshotVersions uint32
	createClients    bool
	clientAllowlist  string
	logLevel         string
	logJSON          bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "taskchampion-sync-server",
	Short:   "TaskChampion sync protocol server",
	Version: Version,
}

func init() {
	serveCmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address")
	serveCmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Data directory for the embedded storage backend")
	serveCmd.Flags().StringVar(&storageBackend, "storage", "sqlite", "Storage backend: sqlite | postgres")
	serveCmd.Flags().StringVar(&postgresDSN, "postgres-dsn", "", "PostgreSQL connection string (required when --storage=postgres)")
	serveCmd.Flags().Int64Var(&snapshotDays, "snapshot-days", 14, "Snapshot urgency day threshold (D)")
	serveCmd.Flags().Uint32Var(&snapshotVersions, "snapshot-versions", 100, "Snapshot urgency version-count threshold (V)")
	serveCmd.Flags().BoolVar(&createClients, "create-clients", true, "Auto-create unknown clients on AddVersion")
	serveCmd.Flags().StringVar(&clientAllowlist, "client-allowlist", "", "Comma-separated list of allowed client UUIDs (empty = allow all)")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug | info | warn | error")
	serveCmd.Flags().BoolVar(&logJSON, "log-json", false, "Emit logs as JSON")

	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	applyEnvOverrides()

	log := obslog.New(obslog.Config{Level: obslog.Level(logLevel), JSONOutput: logJSON})

	store, err := openStore(cmd.Context(), log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	cfg := protocol.Config{
		SnapshotDays:     snapshotDays,
		SnapshotVersions: snapshotVersions,
		CreateClients:    createClients,
	}
	engine := protocol.New(store, cfg, log)

	allowlist, err := parseAllowlist(clientAllowlist)
	if err != nil {
		return fmt.Errorf("parse --client-allowlist: %w", err)
	}

	router := httpapi.NewRouter(engine, log, httpapi.Options{ClientAllowlist: allowlist})

	srv := &http.Server{Addr: addr, Handler: router}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Str("storage", storageBackend).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func openStore(ctx context.Context, log zerolog.Logger) (storage.Store, error) {
	switch storageBackend {
	case "sqlite":
		return sqlite.Open(dataDir, log)
	case "postgres":
		if postgresDSN == "" {
			return nil, fmt.Errorf("--postgres-dsn is required when --storage=postgres")
		}
		return postgres.Open(ctx, postgres.Config{DSN: postgresDSN}, log)
	default:
		return nil, fmt.Errorf("unknown storage backend %q (want sqlite or postgres)", storageBackend)
	}
}

func parseAllowlist(raw string) (map[uuid.UUID]struct{}, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	out := make(map[uuid.UUID]struct{})
	for _, part := range strings.Split(raw, ",") {
		id, err := uuid.Parse(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid uuid %q: %w", part, err)
		}
		out[id] = struct{}{}
	}
	return out, nil
}

// applyEnvOverrides lets Docker/systemd deployments override flags via
// environment variables, in the style of platform/cmd/server's
// PLATFORM_* overrides.
func applyEnvOverrides() {
	if v := os.Getenv("SYNC_ADDR"); v != "" {
		addr = v
	}
	if v := os.Getenv("SYNC_DATA_DIR"); v != "" {
		dataDir = v
	}
	if v := os.Getenv("SYNC_STORAGE"); v != "" {
		storageBackend = v
	}
	if v := os.Getenv("SYNC_POSTGRES_DSN"); v != "" {
		postgresDSN = v
	}
}
