package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/poyrazK/cardgate/internal/adapters/api"
	"github.com/poyrazK/cardgate/internal/adapters/cache"
	"github.com/poyrazK/cardgate/internal/adapters/repository"
	"github.com/poyrazK/cardgate/internal/core/services"
	"github.com/poyrazK/cardgate/internal/infrastructure/keywrap"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// runScale starts throwaway Postgres and Redis containers, serves the verify API
// against them in-process and drives two benchmark phases over the seeded cards.
func runScale(ctx context.Context, cards, count, concurrency int, zipfS, zipfV float64, out io.Writer) error {
	fmt.Fprintln(out, "Starting PostgreSQL container...")
	pg, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("cardgate"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp")),
	)
	if err != nil {
		return fmt.Errorf("failed to start postgres: %w", err)
	}
	defer func() { _ = pg.Terminate(context.Background()) }()

	dbURL, err := pg.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "Starting Redis container...")
	rc, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp"),
		},
		Started: true,
	})
	if err != nil {
		return fmt.Errorf("failed to start redis: %w", err)
	}
	defer func() { _ = rc.Terminate(context.Background()) }()

	redisHost, err := rc.Host(ctx)
	if err != nil {
		return err
	}
	redisPort, err := rc.MappedPort(ctx, "6379")
	if err != nil {
		return err
	}

	master := make([]byte, 32)
	if _, err := rand.Read(master); err != nil {
		return err
	}
	wrapper, err := keywrap.New(master)
	if err != nil {
		return err
	}
	db, err := sql.Open("pgx", dbURL)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	repo := repository.NewPostgresRepository(db, wrapper)
	if err := repo.Migrate(ctx); err != nil {
		return err
	}

	fixture := filepath.Join(os.TempDir(), "cardgate-scale-cards.json")
	defer func() { _ = os.Remove(fixture) }()
	if err := seedCards(ctx, repo, repo, cards, fixture, out); err != nil {
		return err
	}

	client := cache.NewClient(net.JoinHostPort(redisHost, redisPort.Port()), "", 0)
	defer func() { _ = client.Close() }()
	if err := cache.Ping(ctx, client); err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	recorder := services.NewAuditRecorder(repo, logger)
	verifier := services.NewVerificationService(repo, cache.NewLocker(client, cache.DefaultLockLease, logger), nil, recorder, nil, services.VerifierConfig{}, logger)
	handler := api.NewAPIHandler(api.Services{Verifier: verifier}, repo, nil, nil, logger)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: mux}
	go func() { _ = srv.Serve(ln) }()
	defer func() { _ = srv.Close() }()

	fx, err := loadFixture(fixture)
	if err != nil {
		return err
	}
	b, err := newBench("http://"+ln.Addr().String(), fx, zipfS, zipfV, "", "")
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "\n--- PHASE 1: COLD RUN (first counter per card) ---")
	runBenchmark(ctx, b, count, concurrency, out)

	fmt.Fprintln(out, "\n--- PHASE 2: WARM RUN (hot cards under lock contention) ---")
	runBenchmark(ctx, b, count, concurrency, out)

	fmt.Fprintln(out, "\nValidation Complete.")
	return nil
}
