// Command cardctl administers cards and readers directly against the credential store.
package main

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/poyrazK/cardgate/internal/access/proof"
	"github.com/poyrazK/cardgate/internal/adapters/repository"
	"github.com/poyrazK/cardgate/internal/config"
	"github.com/poyrazK/cardgate/internal/core/domain"
	"github.com/poyrazK/cardgate/internal/core/ports"
	"github.com/poyrazK/cardgate/internal/core/services"
	"github.com/poyrazK/cardgate/internal/infrastructure/keywrap"
)

var errUsage = errors.New("expected 'issue', 'personalize', 'list', 'status', 'revoke', 'extend', 'add-reader' or 'readers' subcommands")

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) < 1 {
		return errUsage
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if cfg.InMemory() {
		return fmt.Errorf("cardctl needs a database; %s=%s is only meaningful for the server", config.EnvDatabaseURL, config.MemoryDatabase)
	}

	wrapper, err := keywrap.New(cfg.MasterKey)
	if err != nil {
		return err
	}
	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("failed to close database: %v", err)
		}
	}()

	repo := repository.NewPostgresRepository(db, wrapper)
	if err := repo.Migrate(ctx); err != nil {
		return err
	}
	c, err := newCLI(repo, repo, repo, cfg.MasterKey, cfg.MinCardTTL, out)
	if err != nil {
		return err
	}
	return c.dispatch(ctx, args)
}

type cli struct {
	cards  *services.CardService
	attest *services.AttestationService
	out    io.Writer
}

func newCLI(cards ports.CardRepository, readers ports.ReaderRepository, sink ports.AuditSink, master []byte, minTTL time.Duration, out io.Writer) (*cli, error) {
	qrKey, err := keywrap.QRKey(master)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	recorder := services.NewAuditRecorder(sink, logger)
	return &cli{
		cards:  services.NewCardService(cards, recorder, proof.NewQRSigner(qrKey), minTTL, logger),
		attest: services.NewAttestationService(readers, nil, nil, recorder, services.AttestationConfig{}, logger),
		out:    out,
	}, nil
}

func (c *cli) dispatch(ctx context.Context, args []string) error {
	ctx = domain.WithRequestMeta(ctx, domain.RequestMeta{UserAgent: "cardctl"})
	switch args[0] {
	case "issue", "personalize":
		return c.issue(ctx, args[0] == "personalize", args[1:])
	case "list":
		return c.list(ctx, args[1:])
	case "status":
		return c.status(ctx, args[1:])
	case "revoke":
		return c.revoke(ctx, args[1:])
	case "extend":
		return c.extend(ctx, args[1:])
	case "add-reader":
		return c.addReader(ctx, args[1:])
	case "readers":
		return c.readers(ctx)
	}
	return errUsage
}

// personalization is the record written onto a physical card.
type personalization struct {
	CardID    string    `json:"cardId"`
	Secret    string    `json:"secret"`
	Owner     string    `json:"owner"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (c *cli) issue(ctx context.Context, withSecret bool, args []string) error {
	fs := flag.NewFlagSet("issue", flag.ContinueOnError)
	owner := fs.String("owner", "", "Card holder")
	role := fs.String("role", "permanent", "Card role (admin, permanent, temporary or guest)")
	ttl := fs.Duration("ttl", 0, "Validity; the role default applies when zero")
	if err := fs.Parse(args); err != nil {
		return err
	}

	req := domain.IssueRequest{Owner: *owner, Role: *role}
	if *ttl != 0 {
		secs := int64(ttl.Seconds())
		req.TTLSeconds = &secs
	}
	issued, err := c.cards.Issue(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to issue card: %w", err)
	}

	if withSecret {
		enc := json.NewEncoder(c.out)
		enc.SetIndent("", "  ")
		return enc.Encode(personalization{
			CardID:    issued.Card.ID,
			Secret:    base64.RawURLEncoding.EncodeToString(issued.Secret),
			Owner:     issued.Card.Owner,
			Role:      string(issued.Card.Role),
			ExpiresAt: issued.Card.ExpiresAt,
		})
	}
	fmt.Fprintf(c.out, "Card Issued Successfully!\n")
	fmt.Fprintf(c.out, "---------------------------\n")
	fmt.Fprintf(c.out, "ID:         %s\n", issued.Card.ID)
	fmt.Fprintf(c.out, "Owner:      %s\n", issued.Card.Owner)
	fmt.Fprintf(c.out, "Role:       %s\n", issued.Card.Role)
	fmt.Fprintf(c.out, "Expires:    %s\n", issued.Card.ExpiresAt.Format(time.RFC3339))
	fmt.Fprintf(c.out, "---------------------------\n")
	fmt.Fprintf(c.out, "The card secret was not shown; use 'personalize' to provision a physical card.\n")
	return nil
}

func (c *cli) list(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	owner := fs.String("owner", "", "Filter by owner")
	role := fs.String("role", "", "Filter by role")
	activeOnly := fs.Bool("active", false, "Only active cards")
	limit := fs.Int("limit", 100, "Maximum number of cards")
	if err := fs.Parse(args); err != nil {
		return err
	}

	filter := domain.CardFilter{Owner: *owner, Limit: *limit}
	if *role != "" {
		r, err := domain.ParseCardRole(*role)
		if err != nil {
			return err
		}
		filter.Role = r
	}
	if *activeOnly {
		filter.Active = activeOnly
	}
	cards, err := c.cards.List(ctx, filter)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tOWNER\tROLE\tSTATUS\tCOUNTER\tEXPIRES")
	for _, card := range cards {
		counter := "-"
		if card.LastCounter != nil {
			counter = fmt.Sprint(*card.LastCounter)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", card.ID, card.Owner, card.Role, cardStatus(card), counter, card.ExpiresAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func cardStatus(card domain.CardSummary) string {
	switch {
	case !card.Active:
		return "revoked"
	case !time.Now().Before(card.ExpiresAt):
		return "expired"
	}
	return "active"
}

func cardIDArg(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	return fs, fs.String("id", "", "Card ID")
}

func (c *cli) status(ctx context.Context, args []string) error {
	fs, id := cardIDArg("status")
	if err := fs.Parse(args); err != nil {
		return err
	}
	card, err := c.cards.Get(ctx, *id)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(card)
}

func (c *cli) revoke(ctx context.Context, args []string) error {
	fs, id := cardIDArg("revoke")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("id is required for revocation")
	}
	if _, err := c.cards.Revoke(ctx, *id); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Card %s revoked\n", *id)
	return nil
}

func (c *cli) extend(ctx context.Context, args []string) error {
	fs, id := cardIDArg("extend")
	by := fs.Duration("by", 0, "Extra validity to add")
	if err := fs.Parse(args); err != nil {
		return err
	}
	card, err := c.cards.Extend(ctx, *id, int64(by.Seconds()))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Card %s now expires %s\n", card.ID, card.ExpiresAt.Format(time.RFC3339))
	return nil
}

func (c *cli) addReader(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("add-reader", flag.ContinueOnError)
	id := fs.String("id", "", "Reader ID")
	name := fs.String("name", "", "Display name")
	keyFile := fs.String("key", "", "Path to the reader's PEM or DER public key")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *keyFile == "" {
		return fmt.Errorf("key is required")
	}
	pub, err := os.ReadFile(*keyFile)
	if err != nil {
		return fmt.Errorf("failed to read public key: %w", err)
	}
	reader, err := c.attest.RegisterReader(ctx, strings.TrimSpace(*id), *name, pub)
	if err != nil {
		return fmt.Errorf("failed to register reader: %w", err)
	}
	fmt.Fprintf(c.out, "Reader %s (%s) registered\n", reader.ID, reader.Name)
	return nil
}

func (c *cli) readers(ctx context.Context) error {
	readers, err := c.attest.ListReaders(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tREGISTERED")
	for _, r := range readers {
		status := "active"
		if !r.Active {
			status = "inactive"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ID, r.Name, status, r.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}
