// Command controllerd runs the embedded SQLite-backed controller behind
// the HTTP API, for workers (or other controllerd instances acting as
// clients, per the spec's HTTPController) to reach over the network.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"orchestra/internal/controller"
	"orchestra/internal/logx"
	"orchestra/internal/secretstore"
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
		log.Warn().Str("env", key).Str("value", v).Msg("invalid duration, using default")
		return def
	}
	return d
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func main() {
	log.Logger = log.Output(zerolog.New(logx.NewRedactor(os.Stdout)).With().Timestamp().Logger())

	dbPath := envOr("ORCHESTRA_DB_PATH", "controller.db")
	addr := envOr("ORCHESTRA_LISTEN_ADDR", ":8090")

	if newKey := os.Getenv("ORCHESTRA_ROTATE_NODE_KEY"); newKey != "" {
		db, err := sql.Open("sqlite", dbPath)
		if err != nil {
			log.Fatal().Err(err).Msg("open database for key rotation")
		}
		if err := secretstore.Rewrap(context.Background(), db, newKey); err != nil {
			log.Fatal().Err(err).Msg("rotate node key")
		}
		db.Close()
		log.Info().Msg("node key rotated; restart with ORCHESTRA_NODE_KEY set to the new value")
		return
	}

	opts := controller.Options{
		LockTTL:    envDuration("ORCHESTRA_LOCK_TTL", 30*time.Second),
		TokenTTL:   envDuration("ORCHESTRA_TOKEN_TTL", 0),
		MessageTTL: envDuration("ORCHESTRA_MESSAGE_TTL", time.Hour),
		Requeue:    envBool("ORCHESTRA_REQUEUE_ON_FAILURE", true),
	}

	ctrl, err := controller.OpenSQLiteController(dbPath, opts, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Str("path", dbPath).Msg("open controller database")
	}

	if nodeKey := os.Getenv("ORCHESTRA_NODE_KEY"); nodeKey != "" {
		db, err := sql.Open("sqlite", dbPath)
		if err != nil {
			log.Fatal().Err(err).Msg("open database for secretstore")
		}
		mgr, err := secretstore.Load(context.Background(), db)
		if err != nil {
			log.Fatal().Err(err).Msg("load secret manager")
		}
		creds := secretstore.NewCredentialStore(db, mgr)
		if tok := os.Getenv("ORCHESTRA_BEARER_TOKEN"); tok != "" {
			if err := creds.Set(context.Background(), "controller.bearer_token", []byte(tok)); err != nil {
				log.Fatal().Err(err).Msg("persist bearer token")
			}
			log.Info().Str("bearerToken", logx.Secret(tok)).Msg("bearer token persisted")
		}
		if plain, err := creds.Get(context.Background(), "controller.bearer_token"); err == nil && len(plain) > 0 {
			srv := controller.NewServer(ctrl)
			srv.RequireBearerToken(string(plain))
			serve(addr, srv, ctrl, db)
			return
		}
		serve(addr, controller.NewServer(ctrl), ctrl, db)
		return
	}

	srv := controller.NewServer(ctrl)
	serve(addr, srv, ctrl, nil)
}

func serve(addr string, srv *controller.Server, ctrl controller.Controller, secretsDB *sql.DB) {
	scheduler := gocron.NewScheduler(time.UTC)
	if _, err := scheduler.Every(1).Minute().Do(func() {
		if err := ctrl.Cleanup(context.Background()); err != nil {
			log.Error().Err(err).Msg("scheduled cleanup sweep failed")
		}
	}); err != nil {
		log.Fatal().Err(err).Msg("schedule cleanup sweep")
	}
	scheduler.StartAsync()

	r := chi.NewRouter()
	limiter := rate.NewLimiter(rate.Limit(envRateLimit()), envBurst())
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.URL.Path == "/queue/push" && !limiter.Allow() {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, req)
		})
	})
	srv.Routes(r)
	if secretsDB != nil {
		r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
			status, err := secretstore.Health(req.Context(), secretsDB)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(status)
		})
	}

	log.Info().Str("addr", addr).Msg("controller listening")
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Fatal().Err(err).Msg("controller server failed")
	}
}

func envRateLimit() float64 {
	v := os.Getenv("ORCHESTRA_QUEUE_PUSH_RATE")
	if v == "" {
		return 50
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 50
	}
	return f
}

func envBurst() int {
	v := os.Getenv("ORCHESTRA_QUEUE_PUSH_BURST")
	if v == "" {
		return 20
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 20
	}
	return n
}
