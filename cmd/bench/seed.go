package main

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/poyrazK/cardgate/internal/adapters/repository"
	"github.com/poyrazK/cardgate/internal/config"
	"github.com/poyrazK/cardgate/internal/core/domain"
	"github.com/poyrazK/cardgate/internal/core/ports"
	"github.com/poyrazK/cardgate/internal/core/services"
	"github.com/poyrazK/cardgate/internal/infrastructure/keywrap"
)

// fixtureCard is one seeded card. The fixture holds raw secrets and must be treated
// like the cards themselves.
type fixtureCard struct {
	CardID string `json:"cardId"`
	Secret string `json:"secret"`
}

func runSeed(ctx context.Context, total int, path string, out io.Writer) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	wrapper, err := keywrap.New(cfg.MasterKey)
	if err != nil {
		return err
	}
	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = db.Close() }()

	repo := repository.NewPostgresRepository(db, wrapper)
	if err := repo.Migrate(ctx); err != nil {
		return err
	}
	return seedCards(ctx, repo, repo, total, path, out)
}

func seedCards(ctx context.Context, cards ports.CardRepository, sink ports.AuditSink, total int, path string, out io.Writer) error {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := services.NewCardService(cards, services.NewAuditRecorder(sink, logger), nil, 0, logger)

	fmt.Fprintf(out, "Seeding %d cards...\n", total)
	fx := make([]fixtureCard, 0, total)
	for i := 0; i < total; i++ {
		issued, err := svc.Issue(ctx, domain.IssueRequest{Owner: fmt.Sprintf("bench-%d", i), Role: string(domain.CardRolePermanent)})
		if err != nil {
			return fmt.Errorf("card %d: %w", i, err)
		}
		fx = append(fx, fixtureCard{
			CardID: issued.Card.ID,
			Secret: base64.RawURLEncoding.EncodeToString(issued.Secret),
		})
		if i > 0 && i%1000 == 0 {
			fmt.Fprintf(out, "Progress: %d/%d (%.1f%%)\n", i, total, float64(i)/float64(total)*100)
		}
	}

	data, err := json.Marshal(fx)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write fixture: %w", err)
	}
	fmt.Fprintf(out, "%d cards seeded; fixture written to %s\n", total, path)
	return nil
}

func loadFixture(path string) ([]fixtureCard, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture (run -mode seed first): %w", err)
	}
	var fx []fixtureCard
	if err := json.Unmarshal(data, &fx); err != nil {
		return nil, fmt.Errorf("invalid fixture: %w", err)
	}
	return fx, nil
}
