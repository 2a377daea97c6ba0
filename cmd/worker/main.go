// Command worker runs a pool of workers against a controller, either
// embedded (a local SQLite file) or remote (an HTTP controllerd).
//
// Job types are registered by the specific build of this binary: this
// file wires the orchestration plumbing only, and expects job factories
// to be added to jobTypes() by whatever deployment assembles them (see
// internal/worker/pool.go's RegisterJobType).
package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"orchestra/internal/controller"
	"orchestra/internal/logx"
	"orchestra/internal/secretstore"
	"orchestra/internal/worker"
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func buildController() controller.Controller {
	if url := os.Getenv("ORCHESTRA_CONTROLLER_URL"); url != "" {
		c := controller.NewHTTPController(url, envDuration("ORCHESTRA_CONTROLLER_TIMEOUT", 10*time.Second), controller.RetryPolicy{
			MaxAttempts: envInt("ORCHESTRA_CONTROLLER_RETRY_ATTEMPTS", 3),
			Interval:    envDuration("ORCHESTRA_CONTROLLER_RETRY_INTERVAL", 200*time.Millisecond),
		})
		if nodeKey := os.Getenv("ORCHESTRA_NODE_KEY"); nodeKey != "" {
			if dbPath := os.Getenv("ORCHESTRA_DB_PATH"); dbPath != "" {
				db, err := sql.Open("sqlite", dbPath)
				if err == nil {
					if mgr, err := secretstore.Load(context.Background(), db); err == nil {
						creds := secretstore.NewCredentialStore(db, mgr)
						if tok, err := creds.Get(context.Background(), "controller.bearer_token"); err == nil && len(tok) > 0 {
							c.SetBearerToken(string(tok))
						}
					}
				}
			}
		}
		return c
	}

	dbPath := envOr("ORCHESTRA_DB_PATH", "controller.db")
	opts := controller.Options{
		LockTTL:    envDuration("ORCHESTRA_LOCK_TTL", 30*time.Second),
		MessageTTL: envDuration("ORCHESTRA_MESSAGE_TTL", time.Hour),
	}
	ctrl, err := controller.OpenSQLiteController(dbPath, opts, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Str("path", dbPath).Msg("open embedded controller")
	}
	return ctrl
}

func main() {
	log.Logger = log.Output(zerolog.New(logx.NewRedactor(os.Stdout)).With().Timestamp().Logger())

	ctrl := buildController()

	opts := worker.Options{
		ProcessTimeout:       envDuration("ORCHESTRA_PROCESS_TIMEOUT", 0),
		RegistryPushInterval: envDuration("ORCHESTRA_REGISTRY_PUSH_INTERVAL", time.Second),
		LockRefreshInterval:  envDuration("ORCHESTRA_LOCK_REFRESH_INTERVAL", time.Second),
		MessagesInterval:     envDuration("ORCHESTRA_MESSAGES_INTERVAL", time.Second),
		IdlePollInterval:     envDuration("ORCHESTRA_IDLE_POLL_INTERVAL", time.Second),
	}

	size := envInt("ORCHESTRA_POOL_SIZE", 1)
	overflow := envInt("ORCHESTRA_POOL_OVERFLOW", 0)
	slotWait := envDuration("ORCHESTRA_SLOT_WAIT", 30*time.Second)

	pool := worker.NewPool(ctrl, size, overflow, slotWait, opts, log.Logger)
	for jobType, jt := range jobTypes() {
		pool.RegisterJobType(jobType, jt)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool.Start(ctx)
	log.Info().Int("size", size).Int("overflow", overflow).Msg("worker pool started")

	<-ctx.Done()
	log.Info().Msg("shutting down, waiting for in-flight jobs")
	pool.StopOnIdle(true)
	if err := pool.Close(); err != nil {
		log.Error().Err(err).Msg("closing worker pool")
	}
}
