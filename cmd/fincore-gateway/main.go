package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/meridiancre/fincore/internal/api"
	"github.com/meridiancre/fincore/internal/auth"
	"github.com/meridiancre/fincore/internal/backup"
	"github.com/meridiancre/fincore/internal/config"
	"github.com/meridiancre/fincore/internal/idempotency"
	"github.com/meridiancre/fincore/internal/ledger"
	"github.com/meridiancre/fincore/internal/metrics"
	"github.com/meridiancre/fincore/internal/store"
	"github.com/meridiancre/fincore/internal/store/boltstore"
	"github.com/meridiancre/fincore/internal/store/pgstore"
	"github.com/meridiancre/fincore/internal/store/sqlstore"
)

func main() {
	if err := runFn(os.Args[1:], os.Getenv, listenAndServe, newServer); err != nil {
		fatalf("server error: %v", err)
	}
}

var runFn = run
var fatalf = log.Fatalf

type envFn func(string) string
type listenFn func(*http.Server) error
type serverFactory func(cfg config.Config, logger *slog.Logger) (*http.Server, func(), error)

func run(args []string, getenv envFn, listen listenFn, factory serverFactory) error {
	fs := flag.NewFlagSet("fincore-gateway", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to fincore config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfgFile := *configPath
	if cfgFile == "" {
		cfgFile = getenv("FINCORE_CONFIG_PATH")
	}

	var cfg config.Config
	if cfgFile != "" {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	cfg.ListenAddr = firstNonEmpty(getenv("FINCORE_LISTEN_ADDR"), cfg.ListenAddr, ":8080")

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel()}))

	server, cleanup, err := factory(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	logger.Info("fincore-gateway listening", "addr", cfg.ListenAddr, "driver", driverName(cfg.DB.Driver))
	if err := listen(server); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func newServer(cfg config.Config, logger *slog.Logger) (*http.Server, func(), error) {
	st, closeStore, err := openStore(cfg.DB)
	if err != nil {
		return nil, nil, err
	}

	led := ledger.New(st)
	backupDir := firstNonEmpty(cfg.Backup.Dir, "backups")

	h := &api.Handler{
		Auth:        auth.NewAuthenticatorFromEnv(),
		Service:     api.NewService(st, led),
		Coordinator: idempotency.New(st, cfg.IdempotencyTTL()),
		Backups:     backup.New(st, led, backupDir),
		Limiter:     api.NewOrgLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
		Gate:        &api.MaintenanceGate{},
		Metrics:     metrics.New(),
		Logger:      logger,
	}
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(h),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server, closeStore, nil
}

// openStore picks the persistence backend. The zero driver is the in-memory
// store, which keeps nothing across restarts.
func openStore(db config.DBConfig) (store.Store, func(), error) {
	switch db.Driver {
	case "", "memory":
		return store.NewInMemoryStore(), func() {}, nil
	case "sqlite":
		st, err := sqlstore.OpenSQLite(db.DSN)
		if err != nil {
			return nil, nil, err
		}
		if err := store.Migrate(st.DB(), store.DBSQLite); err != nil {
			_ = st.Close()
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	case "postgres":
		st, err := pgstore.OpenPostgres(db.DSN)
		if err != nil {
			return nil, nil, err
		}
		if err := store.Migrate(st.DB(), store.DBPostgres); err != nil {
			_ = st.Close()
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	case "bolt":
		st, err := boltstore.Open(db.DSN)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown db driver %q", db.Driver)
	}
}

func driverName(driver string) string {
	if driver == "" {
		return "memory"
	}
	return driver
}

func listenAndServe(server *http.Server) error {
	return server.ListenAndServe()
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
