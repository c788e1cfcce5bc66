// Command oddcd runs the ODDC certification engine: the HTTP API, the
// periodic trial and expiry sweeps, and the ledger verification tool.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/oddc-labs/oddc/core/pkg/api"
	"github.com/oddc-labs/oddc/core/pkg/archive"
	"github.com/oddc-labs/oddc/core/pkg/auth"
	"github.com/oddc-labs/oddc/core/pkg/config"
	"github.com/oddc-labs/oddc/core/pkg/conform"
	"github.com/oddc-labs/oddc/core/pkg/dispatch"
	"github.com/oddc-labs/oddc/core/pkg/envelope"
	"github.com/oddc-labs/oddc/core/pkg/issuer"
	"github.com/oddc-labs/oddc/core/pkg/ledger"
	"github.com/oddc-labs/oddc/core/pkg/observability"
	"github.com/oddc-labs/oddc/core/pkg/render"
	"github.com/oddc-labs/oddc/core/pkg/store"
	"github.com/oddc-labs/oddc/core/pkg/worker"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(stderr)
	}
	switch args[1] {
	case "serve", "server":
		return runServe(stderr)
	case "verify-ledger":
		return runVerifyLedger(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: oddcd <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve          Run the certification engine (default)")
	fmt.Fprintln(w, "  verify-ledger  Verify the audit ledger hash chain and exit")
	fmt.Fprintln(w, "  help           Show this help")
}

func openDatabase(cfg *config.Config) (*sql.DB, store.Dialect, ledger.Dialect, error) {
	switch cfg.DatabaseDriver {
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, "", "", err
		}
		return db, store.DialectPostgres, ledger.DialectPostgres, nil
	case "sqlite":
		db, err := sql.Open("sqlite", cfg.DatabaseURL)
		if err != nil {
			return nil, "", "", err
		}
		// modernc sqlite serializes writes through a single connection.
		db.SetMaxOpenConns(1)
		return db, store.DialectSQLite, ledger.DialectSQLite, nil
	default:
		return nil, "", "", fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}
}

// storePromoter adapts the store's session promotion to the dispatcher.
type storePromoter struct {
	store *store.Store
}

func (p *storePromoter) PromoteSessions(ctx context.Context, applicationID, certificateID string) (int64, error) {
	return p.store.PromoteSessions(ctx, applicationID, certificateID, time.Now().UTC())
}

func runServe(stderr io.Writer) int {
	cfg := config.Load()
	log := observability.NewLogger("oddc-core", cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obsCfg := observability.DefaultConfig()
	if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
		obsCfg.OTLPEndpoint = ep
	} else {
		obsCfg.Enabled = false
	}
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		fmt.Fprintf(stderr, "observability init: %v\n", err)
		return 1
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	db, storeDialect, ledgerDialect, err := openDatabase(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "open database: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()
	if err := db.PingContext(ctx); err != nil {
		fmt.Fprintf(stderr, "database ping: %v\n", err)
		return 1
	}

	st := store.New(db, storeDialect)
	if err := st.Init(ctx); err != nil {
		fmt.Fprintf(stderr, "init store: %v\n", err)
		return 1
	}
	led := ledger.NewStore(db, ledgerDialect).WithAppendHook(obs.RecordLedgerAppend)
	if err := led.Init(ctx); err != nil {
		fmt.Fprintf(stderr, "init ledger: %v\n", err)
		return 1
	}
	log.Info("database ready", "driver", cfg.DatabaseDriver)

	profile, err := config.LoadProfile(cfg.ProfilePath)
	if err != nil {
		fmt.Fprintf(stderr, "load policy profile: %v\n", err)
		return 1
	}
	log.Info("policy profile loaded", "profile", profile.Name)

	envValidator, err := envelope.NewValidator()
	if err != nil {
		fmt.Fprintf(stderr, "envelope validator: %v\n", err)
		return 1
	}

	arch, err := archive.NewFromEnv(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "archive: %v\n", err)
		return 1
	}

	var notifier dispatch.Notifier
	switch {
	case cfg.RedisAddr != "":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			fmt.Fprintf(stderr, "redis ping: %v\n", err)
			return 1
		}
		notifier = dispatch.NewRedisNotifier(client)
		log.Info("notifier ready", "kind", "redis", "addr", cfg.RedisAddr)
	case cfg.WebhookURL != "":
		notifier = dispatch.NewWebhookNotifier(cfg.WebhookURL, 5)
		log.Info("notifier ready", "kind", "webhook")
	}

	outbox := dispatch.NewOutbox(db)
	if err := outbox.Init(ctx); err != nil {
		fmt.Fprintf(stderr, "init outbox: %v\n", err)
		return 1
	}

	dispatcher := dispatch.New(
		render.NewJSONRenderer(),
		arch,
		&storePromoter{store: st},
		notifier,
		outbox,
		log,
	).WithMetrics(obs)

	iss := issuer.New(st, led, conform.NewEvaluator(profile.Thresholds()), dispatcher, log).
		WithValidityMonths(profile.ValidityMonths).
		WithEnvelopeValidator(envValidator).
		WithMetrics(obs)

	sweeps := worker.New(st, iss, worker.DefaultConfig(), log)
	sweeps.Start(ctx)
	defer sweeps.Stop()

	var handler http.Handler = api.NewServer(iss, st, led, outbox, log).Routes()
	if authn := auth.NewAuthenticator(cfg.JWTSecret); authn != nil {
		handler = authn.Middleware(handler)
		log.Info("authentication enabled")
	} else {
		log.Warn("JWT_SECRET not set, API is unauthenticated")
	}
	handler = api.NewRateLimiter(20, 40).Middleware(handler)
	handler = api.Logging(log)(handler)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("oddc-core listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(stderr, "shutdown: %v\n", err)
			return 1
		}
		return 0
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return 0
		}
		fmt.Fprintf(stderr, "server: %v\n", err)
		return 1
	}
}

func runVerifyLedger(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify-ledger", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	ctx := context.Background()

	db, _, ledgerDialect, err := openDatabase(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "open database: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	led := ledger.NewStore(db, ledgerDialect)
	if err := led.Init(ctx); err != nil {
		fmt.Fprintf(stderr, "init ledger: %v\n", err)
		return 1
	}

	entries, err := led.Entries(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "read ledger: %v\n", err)
		return 1
	}

	if err := led.Verify(ctx); err != nil {
		var chainErr *ledger.ChainError
		if errors.As(err, &chainErr) {
			fmt.Fprintf(stderr, "ledger chain BROKEN at entry %d: %s\n", chainErr.Index, chainErr.Reason)
			return 1
		}
		fmt.Fprintf(stderr, "verify ledger: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "ledger chain intact: %d entries verified\n", len(entries))
	return 0
}
