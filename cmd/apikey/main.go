package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/poyrazK/cardgate/internal/adapters/api"
	"github.com/poyrazK/cardgate/internal/adapters/repository"
	"github.com/poyrazK/cardgate/internal/config"
	"github.com/poyrazK/cardgate/internal/core/domain"
	"github.com/poyrazK/cardgate/internal/core/ports"
)

var errUsage = errors.New("expected 'create', 'list' or 'revoke' subcommands")

func main() {
	dbURL := os.Getenv(config.EnvDatabaseURL)
	if dbURL == "" {
		dbURL = os.Getenv(config.EnvLegacyDatabaseURL)
	}
	if dbURL == "" {
		dbURL = config.DefaultDatabaseURL
	}

	db, err := sql.Open("pgx", dbURL)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("failed to close database: %v", err)
		}
	}()

	// API keys carry no card secrets, so no wrapper is needed here.
	repo := repository.NewPostgresRepository(db, nil)
	if err := repo.Migrate(context.Background()); err != nil {
		log.Fatal(err)
	}

	if err := run(os.Args, os.Stdout, repo); err != nil {
		log.Fatal(err)
	}
}

func run(args []string, out io.Writer, repo ports.APIKeyRepository) error {
	if len(args) < 2 {
		return errUsage
	}

	switch args[1] {
	case "create":
		fs := flag.NewFlagSet("create", flag.ContinueOnError)
		role := fs.String("role", string(domain.RoleAdmin), "Role (admin or auditor)")
		name := fs.String("name", "generic-key", "Description of the key")
		days := fs.Int("days", 365, "Validity in days")
		if err := fs.Parse(args[2:]); err != nil {
			return fmt.Errorf("failed to parse create commands: %w", err)
		}
		return generateKey(repo, *role, *name, *days, out)
	case "list":
		return listKeys(repo, out)
	case "revoke":
		fs := flag.NewFlagSet("revoke", flag.ContinueOnError)
		id := fs.String("id", "", "API Key UUID to revoke")
		if err := fs.Parse(args[2:]); err != nil {
			return fmt.Errorf("failed to parse revoke commands: %w", err)
		}
		return revokeKey(repo, *id, out)
	}
	return fmt.Errorf("unknown subcommand: %s", args[1])
}

func generateKey(repo ports.APIKeyRepository, role, name string, days int, out io.Writer) error {
	r := domain.Role(role)
	if r != domain.RoleAdmin && r != domain.RoleAuditor {
		return fmt.Errorf("invalid role %q: must be admin or auditor", role)
	}
	if days <= 0 {
		return fmt.Errorf("days must be positive")
	}

	rawKey := make([]byte, 16)
	if _, err := rand.Read(rawKey); err != nil {
		return err
	}
	keyString := "cg_" + hex.EncodeToString(rawKey)

	id := uuid.New().String()
	expiresAt := time.Now().AddDate(0, 0, days)

	apiKey := &domain.APIKey{
		ID:        id,
		Name:      name,
		KeyHash:   api.HashAPIKey(keyString),
		KeyPrefix: keyString[:8],
		Role:      r,
		Active:    true,
		CreatedAt: time.Now(),
		ExpiresAt: &expiresAt,
	}

	if err := repo.CreateAPIKey(context.Background(), apiKey); err != nil {
		return fmt.Errorf("failed to save API key: %w", err)
	}

	fmt.Fprintf(out, "API Key Created Successfully!\n")
	fmt.Fprintf(out, "---------------------------\n")
	fmt.Fprintf(out, "ID:         %s\n", id)
	fmt.Fprintf(out, "Name:       %s\n", name)
	fmt.Fprintf(out, "Role:       %s\n", role)
	fmt.Fprintf(out, "Expires:    %v\n", expiresAt.Format(time.RFC3339))
	fmt.Fprintf(out, "VALUE:      %s\n", keyString)
	fmt.Fprintf(out, "---------------------------\n")
	fmt.Fprintf(out, "CAUTION: This is the only time the key will be shown.\n")
	return nil
}

func listKeys(repo ports.APIKeyRepository, out io.Writer) error {
	keys, err := repo.ListAPIKeys(context.Background())
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%-36s %-15s %-10s %-8s %-6s\n", "ID", "Name", "Role", "Prefix", "Status")
	for _, k := range keys {
		status := "active"
		if !k.Active {
			status = "revoked"
		} else if k.ExpiresAt != nil && k.ExpiresAt.Before(time.Now()) {
			status = "expired"
		}
		fmt.Fprintf(out, "%-36s %-15s %-10s %-8s %-6s\n", k.ID, k.Name, k.Role, k.KeyPrefix, status)
	}
	return nil
}

func revokeKey(repo ports.APIKeyRepository, id string, out io.Writer) error {
	if id == "" {
		return fmt.Errorf("ID is required for revocation")
	}
	if err := repo.DeleteAPIKey(context.Background(), id); err != nil {
		return err
	}
	fmt.Fprintf(out, "API Key %s revoked (deleted)\n", id)
	return nil
}
