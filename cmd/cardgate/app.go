package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/poyrazK/cardgate/internal/access/lock"
	"github.com/poyrazK/cardgate/internal/access/proof"
	"github.com/poyrazK/cardgate/internal/adapters/api"
	"github.com/poyrazK/cardgate/internal/adapters/cache"
	"github.com/poyrazK/cardgate/internal/adapters/memory"
	"github.com/poyrazK/cardgate/internal/adapters/messaging"
	"github.com/poyrazK/cardgate/internal/adapters/repository"
	"github.com/poyrazK/cardgate/internal/config"
	"github.com/poyrazK/cardgate/internal/core/domain"
	"github.com/poyrazK/cardgate/internal/core/ports"
	"github.com/poyrazK/cardgate/internal/core/services"
	"github.com/poyrazK/cardgate/internal/infrastructure/keywrap"
	"github.com/poyrazK/cardgate/internal/infrastructure/metrics"
)

// challengeGrace keeps retired challenges around long enough to answer replays with
// ChallengeNotFound rather than a store miss.
const challengeGrace = 10 * time.Minute

// limiterIdle is how long an idle client bucket survives the janitor.
const limiterIdle = 10 * time.Minute

// app is the wired process: the HTTP handler plus background housekeeping.
type app struct {
	handler http.Handler
	cards   *services.CardService
	keys    ports.APIKeyRepository
	limiter *api.RateLimiter
	monitor *services.HealthMonitor

	sweeps  []func(now time.Time)
	closers []func() error
	logger  *slog.Logger
}

// stores groups the storage adapters selected by configuration.
type stores struct {
	cards      ports.CardRepository
	readers    ports.ReaderRepository
	keys       ports.APIKeyRepository
	audit      ports.AuditSink
	auditRead  ports.AuditReader
	challenges ports.ChallengeStore
	tokens     ports.TokenStore
	locker     ports.CardLocker
	checks     map[string]api.HealthCheck
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{logger: logger}

	st, err := a.openStores(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	if len(cfg.KafkaBrokers) > 0 {
		sink, err := messaging.NewKafkaAuditSink(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, sink.Close)
		st.audit = services.MultiSink{st.audit, sink}
	}

	qrKey, err := keywrap.QRKey(cfg.MasterKey)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to derive qr key: %w", err)
	}
	qr := proof.NewQRSigner(qrKey)

	recorder := services.NewAuditRecorder(st.audit, logger)
	attestSvc := services.NewAttestationService(st.readers, st.challenges, st.tokens, recorder, services.AttestationConfig{
		ChallengeTTL: cfg.ChallengeTTL,
		TokenTTL:     cfg.AttestTokenTTL,
		MaxAttempts:  cfg.AttestMaxAttempts,
	}, logger)
	verifySvc := services.NewVerificationService(st.cards, st.locker, attestSvc, recorder, qr, services.VerifierConfig{
		RequestTimeout:     cfg.RequestTimeout,
		CommitTimeout:      cfg.CommitTimeout,
		StoreRetries:       cfg.StoreRetries,
		RequireAttestation: cfg.RequireAttestation,
	}, logger)
	a.cards = services.NewCardService(st.cards, recorder, qr, cfg.MinCardTTL, logger)
	a.keys = st.keys

	checks := make(map[string]services.DependencyCheck, len(st.checks))
	for name, check := range st.checks {
		checks[name] = services.DependencyCheck(check)
	}
	a.monitor = services.NewHealthMonitor(checks, logger)

	svc := api.Services{
		Verifier:    verifySvc,
		Attestation: attestSvc,
		Cards:       a.cards,
		Audit:       st.auditRead,
		Readiness:   a.monitor,
	}
	if cfg.EnableSimulator {
		logger.Warn("card simulator enabled; never run this in production")
		svc.Simulator = services.NewSimulatorService(st.cards)
	}

	a.limiter = api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	a.sweeps = append(a.sweeps, func(time.Time) {
		if n := a.limiter.Cleanup(limiterIdle); n > 0 {
			logger.Debug("rate limiter buckets evicted", "count", n)
		}
	})

	handler := api.NewAPIHandler(svc, st.keys, st.checks, a.limiter, logger)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	a.handler = api.Recover(logger)(api.Logging(logger)(mux))

	if err := a.bootstrapKey(ctx, cfg.BootstrapAPIKey); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) openStores(ctx context.Context, cfg config.Config) (*stores, error) {
	st := &stores{checks: map[string]api.HealthCheck{}}

	if cfg.InMemory() {
		a.logger.Warn("using in-memory storage; state is lost on restart")
		cards := memory.NewCardRepository()
		sink := memory.NewAuditSink()
		st.cards = cards
		st.readers = memory.NewReaderRepository()
		st.keys = memory.NewAPIKeyRepository()
		st.audit = sink
		st.auditRead = sink
	} else {
		wrapper, err := keywrap.New(cfg.MasterKey)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize secret wrapping: %w", err)
		}
		db, err := sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("unable to open database: %w", err)
		}
		a.closers = append(a.closers, db.Close)

		repo := repository.NewPostgresRepository(db, wrapper)
		if err := repo.Ping(ctx); err != nil {
			return nil, fmt.Errorf("unable to reach database: %w", err)
		}
		if err := repo.Migrate(ctx); err != nil {
			return nil, err
		}
		st.cards = repo
		st.readers = repo
		st.keys = repo
		st.audit = repo
		st.auditRead = repo
		st.checks["postgres"] = repo.Ping
		a.sweeps = append(a.sweeps, func(time.Time) {
			metrics.DBConnectionsActive.Set(float64(db.Stats().InUse))
		})
	}

	if cfg.RedisAddr != "" {
		client := cache.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		a.closers = append(a.closers, client.Close)
		if err := cache.Ping(ctx, client); err != nil {
			return nil, fmt.Errorf("unable to reach redis: %w", err)
		}
		st.challenges = cache.NewChallengeStore(client)
		st.tokens = cache.NewTokenStore(client)
		st.locker = cache.NewLocker(client, cache.DefaultLockLease, a.logger)
		st.checks["redis"] = func(ctx context.Context) error { return cache.Ping(ctx, client) }
		return st, nil
	}

	challenges := memory.NewChallengeStore()
	tokens := memory.NewTokenStore()
	st.challenges = challenges
	st.tokens = tokens
	st.locker = lock.NewKeyed()
	a.sweeps = append(a.sweeps, func(now time.Time) {
		c := challenges.Cleanup(now, challengeGrace)
		t := tokens.Cleanup(now)
		if c+t > 0 {
			a.logger.Debug("expired attestation state evicted", "challenges", c, "tokens", t)
		}
	})
	return st, nil
}

// bootstrapKey installs raw as an admin API key unless it is already present.
func (a *app) bootstrapKey(ctx context.Context, raw string) error {
	if raw == "" {
		return nil
	}
	hash := api.HashAPIKey(raw)
	existing, err := a.keys.GetAPIKeyByHash(ctx, hash)
	if err != nil {
		return fmt.Errorf("failed to look up bootstrap key: %w", err)
	}
	if existing != nil {
		return nil
	}
	prefix := raw
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	key := &domain.APIKey{
		ID:        uuid.New().String(),
		Name:      "bootstrap",
		KeyHash:   hash,
		KeyPrefix: prefix,
		Role:      domain.RoleAdmin,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.keys.CreateAPIKey(ctx, key); err != nil {
		return fmt.Errorf("failed to store bootstrap key: %w", err)
	}
	a.logger.Info("bootstrap admin API key installed", "prefix", prefix)
	return nil
}

// sweep runs one round of housekeeping.
func (a *app) sweep(now time.Time) {
	for _, fn := range a.sweeps {
		fn(now)
	}
}

// Close releases backend connections in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
