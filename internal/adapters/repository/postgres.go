package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/poyrazK/cardgate/internal/core/domain"
	"github.com/poyrazK/cardgate/internal/core/ports"
)

//go:embed schema.sql
var schema string

// Schema returns the DDL applied by Migrate.
func Schema() string { return schema }

const uniqueViolation = "23505"

// PostgresRepository implements the card, reader, API key and audit ports on PostgreSQL.
// Card secrets are wrapped before they reach the database.
type PostgresRepository struct {
	db      *sql.DB
	wrapper ports.SecretWrapper
}

// NewPostgresRepository creates and returns a new PostgresRepository instance.
func NewPostgresRepository(db *sql.DB, wrapper ports.SecretWrapper) *PostgresRepository {
	return &PostgresRepository{db: db, wrapper: wrapper}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *PostgresRepository) CreateCard(ctx context.Context, card *domain.Card) error {
	if r.wrapper == nil {
		return errors.New("secret wrapper is not configured")
	}
	wrapped, err := r.wrapper.Wrap(card.ID, card.Secret)
	if err != nil {
		return fmt.Errorf("failed to wrap card secret: %w", err)
	}
	query := `INSERT INTO cards (id, owner, role, secret_wrapped, last_counter, key_version, active, created_at, expires_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = r.db.ExecContext(ctx, query, card.ID, card.Owner, string(card.Role), wrapped,
		nullCounter(card.LastCounter), card.KeyVersion, card.Active, card.CreatedAt, card.ExpiresAt)
	if isUniqueViolation(err) {
		return domain.ErrCardExists
	}
	return err
}

const cardColumns = `id, owner, role, secret_wrapped, last_counter, key_version, active, created_at, expires_at`

func (r *PostgresRepository) GetCard(ctx context.Context, cardID string) (*domain.Card, error) {
	query := `SELECT ` + cardColumns + ` FROM cards WHERE id = $1`
	card, err := r.scanCard(r.db.QueryRowContext(ctx, query, cardID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return card, nil
}

// ListCards returns cards newest first. Listed cards never carry secrets.
func (r *PostgresRepository) ListCards(ctx context.Context, filter domain.CardFilter) ([]domain.Card, error) {
	var (
		where []string
		args  []any
	)
	if filter.Owner != "" {
		args = append(args, filter.Owner)
		where = append(where, fmt.Sprintf("owner = $%d", len(args)))
	}
	if filter.Role != "" {
		args = append(args, string(filter.Role))
		where = append(where, fmt.Sprintf("role = $%d", len(args)))
	}
	if filter.Active != nil {
		args = append(args, *filter.Active)
		where = append(where, fmt.Sprintf("active = $%d", len(args)))
	}
	query := `SELECT id, owner, role, last_counter, key_version, active, created_at, expires_at FROM cards`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, errQuery := r.db.QueryContext(ctx, query, args...)
	if errQuery != nil {
		return nil, errQuery
	}
	defer closeRows(rows)

	var cards []domain.Card
	for rows.Next() {
		var c domain.Card
		var role string
		var counter sql.NullInt64
		if errScan := rows.Scan(&c.ID, &c.Owner, &role, &counter, &c.KeyVersion, &c.Active, &c.CreatedAt, &c.ExpiresAt); errScan != nil {
			return nil, errScan
		}
		c.Role = domain.CardRole(role)
		c.LastCounter = counterFrom(counter)
		cards = append(cards, c)
	}
	return cards, rows.Err()
}

// AdvanceCounter is a compare-and-set on the high-water mark. The WHERE clause is
// the only place the monotonic rule is enforced in the database.
func (r *PostgresRepository) AdvanceCounter(ctx context.Context, cardID string, counter uint64) (bool, error) {
	if counter > math.MaxInt64 {
		return false, fmt.Errorf("counter %d exceeds storable range", counter)
	}
	query := `UPDATE cards SET last_counter = $2
			  WHERE id = $1 AND (last_counter IS NULL OR last_counter < $2)`
	return r.execAffected(ctx, query, cardID, int64(counter))
}

func (r *PostgresRepository) SetActive(ctx context.Context, cardID string, active bool) (bool, error) {
	return r.execAffected(ctx, `UPDATE cards SET active = $2 WHERE id = $1`, cardID, active)
}

func (r *PostgresRepository) ExtendExpiry(ctx context.Context, cardID string, now time.Time, extra time.Duration) (*time.Time, error) {
	query := `UPDATE cards SET expires_at = GREATEST(expires_at, $2) + $3::bigint * INTERVAL '1 second'
			  WHERE id = $1 RETURNING expires_at`
	var expiresAt time.Time
	err := r.db.QueryRowContext(ctx, query, cardID, now, int64(extra/time.Second)).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	expiresAt = expiresAt.UTC()
	return &expiresAt, nil
}

func (r *PostgresRepository) CreateReader(ctx context.Context, reader *domain.Reader) error {
	query := `INSERT INTO readers (id, name, public_key, active, created_at) VALUES ($1, $2, $3, $4, $5)`
	_, err := r.db.ExecContext(ctx, query, reader.ID, reader.Name, reader.PublicKey, reader.Active, reader.CreatedAt)
	if isUniqueViolation(err) {
		return domain.ErrReaderExists
	}
	return err
}

func (r *PostgresRepository) GetReader(ctx context.Context, readerID string) (*domain.Reader, error) {
	query := `SELECT id, name, public_key, active, created_at FROM readers WHERE id = $1`
	var rd domain.Reader
	errRow := r.db.QueryRowContext(ctx, query, readerID).Scan(&rd.ID, &rd.Name, &rd.PublicKey, &rd.Active, &rd.CreatedAt)
	if errors.Is(errRow, sql.ErrNoRows) {
		return nil, nil
	}
	if errRow != nil {
		return nil, errRow
	}
	return &rd, nil
}

func (r *PostgresRepository) ListReaders(ctx context.Context) ([]domain.Reader, error) {
	rows, errQuery := r.db.QueryContext(ctx, `SELECT id, name, public_key, active, created_at FROM readers ORDER BY id`)
	if errQuery != nil {
		return nil, errQuery
	}
	defer closeRows(rows)

	var readers []domain.Reader
	for rows.Next() {
		var rd domain.Reader
		if errScan := rows.Scan(&rd.ID, &rd.Name, &rd.PublicKey, &rd.Active, &rd.CreatedAt); errScan != nil {
			return nil, errScan
		}
		readers = append(readers, rd)
	}
	return readers, rows.Err()
}

func (r *PostgresRepository) CreateAPIKey(ctx context.Context, key *domain.APIKey) error {
	query := `INSERT INTO api_keys (id, name, key_hash, key_prefix, role, active, created_at, expires_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.db.ExecContext(ctx, query, key.ID, key.Name, key.KeyHash, key.KeyPrefix, string(key.Role), key.Active, key.CreatedAt, key.ExpiresAt)
	return err
}

const apiKeyColumns = `id, name, key_hash, key_prefix, role, active, created_at, expires_at`

func (r *PostgresRepository) GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE key_hash = $1`
	k, err := scanAPIKey(r.db.QueryRowContext(ctx, query, keyHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return k, nil
}

func (r *PostgresRepository) ListAPIKeys(ctx context.Context) ([]domain.APIKey, error) {
	rows, errQuery := r.db.QueryContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys ORDER BY created_at DESC`)
	if errQuery != nil {
		return nil, errQuery
	}
	defer closeRows(rows)

	var keys []domain.APIKey
	for rows.Next() {
		k, errScan := scanAPIKey(rows)
		if errScan != nil {
			return nil, errScan
		}
		keys = append(keys, *k)
	}
	return keys, rows.Err()
}

func (r *PostgresRepository) DeleteAPIKey(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	return err
}

// Record appends an audit event. Events are never updated or deleted.
func (r *PostgresRepository) Record(ctx context.Context, e *domain.AuditEvent) error {
	query := `INSERT INTO audit_events (id, event_type, category, access_type, card_id, reader_id, owner, role,
			  success, error_code, message, counter, response_ms, ip_address, user_agent, chain_id, chain_seq, prev_hash, hash, created_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`
	_, err := r.db.ExecContext(ctx, query, e.ID, string(e.Type), string(e.Category), string(e.AccessType),
		e.CardID, e.ReaderID, e.Owner, string(e.Role), e.Success, string(e.ErrorCode), e.Message,
		nullCounter(e.Counter), e.ResponseMS, e.IP, e.UserAgent, e.ChainID, int64(e.ChainSeq), e.PrevHash, e.Hash, e.CreatedAt)
	return err
}

// ListAuditEvents returns events newest first.
func (r *PostgresRepository) ListAuditEvents(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEvent, error) {
	var (
		where []string
		args  []any
	)
	if filter.CardID != "" {
		args = append(args, filter.CardID)
		where = append(where, fmt.Sprintf("card_id = $%d", len(args)))
	}
	if filter.ReaderID != "" {
		args = append(args, filter.ReaderID)
		where = append(where, fmt.Sprintf("reader_id = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		where = append(where, fmt.Sprintf("event_type = $%d", len(args)))
	}
	if filter.Success != nil {
		args = append(args, *filter.Success)
		where = append(where, fmt.Sprintf("success = $%d", len(args)))
	}
	query := `SELECT id, event_type, category, access_type, card_id, reader_id, owner, role, success, error_code,
			  message, counter, response_ms, ip_address, user_agent, chain_id, chain_seq, prev_hash, hash, created_at FROM audit_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, errQuery := r.db.QueryContext(ctx, query, args...)
	if errQuery != nil {
		return nil, errQuery
	}
	defer closeRows(rows)

	var events []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		var typ, cat, access, role, code string
		var counter sql.NullInt64
		var chainSeq int64
		if errScan := rows.Scan(&e.ID, &typ, &cat, &access, &e.CardID, &e.ReaderID, &e.Owner, &role, &e.Success,
			&code, &e.Message, &counter, &e.ResponseMS, &e.IP, &e.UserAgent, &e.ChainID, &chainSeq, &e.PrevHash, &e.Hash, &e.CreatedAt); errScan != nil {
			return nil, errScan
		}
		e.Type = domain.EventType(typ)
		e.Category = domain.EventCategory(cat)
		e.AccessType = domain.AccessType(access)
		e.Role = domain.CardRole(role)
		e.ErrorCode = domain.Reason(code)
		e.Counter = counterFrom(counter)
		e.ChainSeq = uint64(chainSeq)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r *PostgresRepository) scanCard(row *sql.Row) (*domain.Card, error) {
	var c domain.Card
	var role string
	var wrapped []byte
	var counter sql.NullInt64
	if err := row.Scan(&c.ID, &c.Owner, &role, &wrapped, &counter, &c.KeyVersion, &c.Active, &c.CreatedAt, &c.ExpiresAt); err != nil {
		return nil, err
	}
	if r.wrapper == nil {
		return nil, errors.New("secret wrapper is not configured")
	}
	secret, err := r.wrapper.Unwrap(c.ID, wrapped)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap secret for card %s: %w", c.ID, err)
	}
	c.Secret = secret
	c.Role = domain.CardRole(role)
	c.LastCounter = counterFrom(counter)
	return &c, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAPIKey(row rowScanner) (*domain.APIKey, error) {
	var k domain.APIKey
	var role string
	var expires sql.NullTime
	if err := row.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &role, &k.Active, &k.CreatedAt, &expires); err != nil {
		return nil, err
	}
	k.Role = domain.Role(role)
	if expires.Valid {
		t := expires.Time
		k.ExpiresAt = &t
	}
	return &k, nil
}

func (r *PostgresRepository) execAffected(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func nullCounter(c *uint64) sql.NullInt64 {
	if c == nil || *c > math.MaxInt64 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*c), Valid: true}
}

func counterFrom(n sql.NullInt64) *uint64 {
	if !n.Valid || n.Int64 < 0 {
		return nil
	}
	v := uint64(n.Int64)
	return &v
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func closeRows(rows *sql.Rows) {
	if errClose := rows.Close(); errClose != nil {
		slog.Warn("failed to close rows", "error", errClose)
	}
}

var (
	_ ports.CardRepository   = (*PostgresRepository)(nil)
	_ ports.ReaderRepository = (*PostgresRepository)(nil)
	_ ports.APIKeyRepository = (*PostgresRepository)(nil)
	_ ports.AuditSink        = (*PostgresRepository)(nil)
	_ ports.AuditReader      = (*PostgresRepository)(nil)
)
