// Command authcore-server runs the authentication service over HTTP, with
// PostgreSQL for user records and Redis for sessions, challenges, and the
// revocation set. Configuration comes from environment variables.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/inkpress/authcore"
	"github.com/inkpress/authcore/httpapi"
	"github.com/inkpress/authcore/rbac"
	"github.com/inkpress/authcore/store/pg"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	signingKey := os.Getenv("AUTHCORE_SIGNING_KEY")
	if signingKey == "" {
		return errors.New("AUTHCORE_SIGNING_KEY is required")
	}

	pool, err := pgxpool.New(ctx, envOr("AUTHCORE_DATABASE_URL", "postgres://localhost/authcore"))
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     envOr("AUTHCORE_REDIS_ADDR", "localhost:6379"),
		Password: os.Getenv("AUTHCORE_REDIS_PASSWORD"),
	})
	defer redisClient.Close()

	cfg := authcore.DefaultConfig()
	cfg.JWT.PrivateKey = []byte(signingKey)
	cfg.JWT.Issuer = envOr("AUTHCORE_ISSUER", "authcore")
	cfg.RBAC.Roles = defaultRoles()
	cfg.Audit.Enabled = true
	cfg.Metrics.Enabled = true

	engine, err := authcore.New().
		WithConfig(cfg).
		WithRedis(redisClient).
		WithUserProvider(pg.New(pool)).
		WithAuditSink(authcore.NewJSONWriterSink(os.Stdout)).
		Build()
	if err != nil {
		return err
	}
	defer engine.Close()

	api := httpapi.New(engine,
		httpapi.WithLogger(logger),
		httpapi.WithIPRateLimit(envFloat("AUTHCORE_IP_RPS", 20), 40),
	)

	srv := &http.Server{
		Addr:              envOr("AUTHCORE_LISTEN", ":8080"),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// defaultRoles is the blog platform hierarchy: reader < author < editor <
// admin, with ownership conditions on author-level mutations.
func defaultRoles() []rbac.Role {
	return []rbac.Role{
		{Name: "reader", Permissions: []rbac.Permission{
			{Name: "posts.read", Action: rbac.ActionRead, Resource: "posts"},
			{Name: "comments.create", Action: rbac.ActionCreate, Resource: "comments"},
		}},
		{Name: "author", Parent: "reader", Permissions: []rbac.Permission{
			{Name: "posts.create", Action: rbac.ActionCreate, Resource: "posts"},
			{
				Name:      "posts.update.own",
				Action:    rbac.ActionUpdate,
				Resource:  "posts",
				Condition: rbac.FieldEquals{Field: "owner_id", Other: "subject_id"},
			},
			{
				Name:      "posts.delete.own",
				Action:    rbac.ActionDelete,
				Resource:  "posts",
				Condition: rbac.FieldEquals{Field: "owner_id", Other: "subject_id"},
			},
		}},
		{Name: "editor", Parent: "author", Permissions: []rbac.Permission{
			{Name: "posts.update", Action: rbac.ActionUpdate, Resource: "posts"},
			{Name: "posts.delete", Action: rbac.ActionDelete, Resource: "posts"},
			{Name: "comments.moderate", Action: rbac.ActionDelete, Resource: "comments"},
		}},
		{Name: "admin", Parent: "editor", Permissions: []rbac.Permission{
			{Name: "users.manage", Action: rbac.ActionManage, Resource: "users"},
			{Name: "site.manage", Action: rbac.ActionManage, Resource: "site"},
		}},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
