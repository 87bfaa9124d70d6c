package repository

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/poyrazK/cardgate/internal/core/domain"
	"github.com/poyrazK/cardgate/internal/infrastructure/keywrap"
)

func newUnitRepo(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, *keywrap.Wrapper) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock: %s", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	w, err := keywrap.New([]byte(strings.Repeat("m", 32)))
	if err != nil {
		t.Fatalf("failed to init wrapper: %s", err)
	}
	return NewPostgresRepository(db, w), mock, w
}

func TestPostgresRepository_Unit(t *testing.T) {
	repo, mock, w := newUnitRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("CreateCardWrapsSecret", func(t *testing.T) {
		card := &domain.Card{ID: "card-1", Owner: "alice", Role: domain.CardRoleGuest, Secret: []byte("s3cret"),
			KeyVersion: 1, Active: true, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
		mock.ExpectExec(`INSERT INTO cards`).
			WithArgs("card-1", "alice", "guest", sqlmock.AnyArg(), sqlmock.AnyArg(), 1, true, now, now.Add(time.Hour)).
			WillReturnResult(sqlmock.NewResult(1, 1))
		if err := repo.CreateCard(ctx, card); err != nil {
			t.Errorf("CreateCard failed: %v", err)
		}
	})

	t.Run("CreateCardDuplicate", func(t *testing.T) {
		mock.ExpectExec(`INSERT INTO cards`).WillReturnError(&pgconn.PgError{Code: "23505"})
		err := repo.CreateCard(ctx, &domain.Card{ID: "card-1", Secret: []byte("x")})
		if !errors.Is(err, domain.ErrCardExists) {
			t.Errorf("expected ErrCardExists, got %v", err)
		}
	})

	t.Run("GetCardUnwrapsSecret", func(t *testing.T) {
		wrapped, err := w.Wrap("card-1", []byte("s3cret"))
		if err != nil {
			t.Fatalf("wrap: %v", err)
		}
		rows := sqlmock.NewRows([]string{"id", "owner", "role", "secret_wrapped", "last_counter", "key_version", "active", "created_at", "expires_at"}).
			AddRow("card-1", "alice", "guest", wrapped, int64(7), 1, true, now, now.Add(time.Hour))
		mock.ExpectQuery(`SELECT (.+) FROM cards WHERE id = \$1`).WithArgs("card-1").WillReturnRows(rows)

		card, err := repo.GetCard(ctx, "card-1")
		if err != nil {
			t.Fatalf("GetCard failed: %v", err)
		}
		if string(card.Secret) != "s3cret" || card.LastCounter == nil || *card.LastCounter != 7 {
			t.Errorf("unexpected card: %+v", card)
		}
	})

	t.Run("GetCardWrongRowBinding", func(t *testing.T) {
		wrapped, _ := w.Wrap("card-1", []byte("s3cret"))
		rows := sqlmock.NewRows([]string{"id", "owner", "role", "secret_wrapped", "last_counter", "key_version", "active", "created_at", "expires_at"}).
			AddRow("card-2", "mallory", "guest", wrapped, nil, 1, true, now, now.Add(time.Hour))
		mock.ExpectQuery(`SELECT (.+) FROM cards WHERE id = \$1`).WithArgs("card-2").WillReturnRows(rows)

		if _, err := repo.GetCard(ctx, "card-2"); err == nil {
			t.Errorf("expected unwrap failure for secret copied from another card")
		}
	})

	t.Run("GetCardMissing", func(t *testing.T) {
		mock.ExpectQuery(`SELECT (.+) FROM cards WHERE id = \$1`).WithArgs("ghost").
			WillReturnRows(sqlmock.NewRows([]string{"id"}))
		card, err := repo.GetCard(ctx, "ghost")
		if err != nil || card != nil {
			t.Errorf("expected nil, nil; got %+v, %v", card, err)
		}
	})

	t.Run("AdvanceCounterApplied", func(t *testing.T) {
		mock.ExpectExec(`UPDATE cards SET last_counter = \$2\s+WHERE id = \$1 AND \(last_counter IS NULL OR last_counter < \$2\)`).
			WithArgs("card-1", int64(8)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		ok, err := repo.AdvanceCounter(ctx, "card-1", 8)
		if err != nil || !ok {
			t.Errorf("expected applied, got %v, %v", ok, err)
		}
	})

	t.Run("AdvanceCounterLostRace", func(t *testing.T) {
		mock.ExpectExec(`UPDATE cards SET last_counter`).
			WithArgs("card-1", int64(8)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		ok, err := repo.AdvanceCounter(ctx, "card-1", 8)
		if err != nil || ok {
			t.Errorf("expected not applied, got %v, %v", ok, err)
		}
	})

	t.Run("AdvanceCounterOutOfRange", func(t *testing.T) {
		if _, err := repo.AdvanceCounter(ctx, "card-1", 1<<63); err == nil {
			t.Errorf("expected range error")
		}
	})

	t.Run("SetActive", func(t *testing.T) {
		mock.ExpectExec(`UPDATE cards SET active = \$2 WHERE id = \$1`).
			WithArgs("card-1", false).
			WillReturnResult(sqlmock.NewResult(0, 1))
		ok, err := repo.SetActive(ctx, "card-1", false)
		if err != nil || !ok {
			t.Errorf("SetActive failed: %v, %v", ok, err)
		}
	})

	t.Run("ExtendExpiryInStore", func(t *testing.T) {
		mock.ExpectQuery(`UPDATE cards SET expires_at = GREATEST\(expires_at, \$2\) \+ \$3::bigint \* INTERVAL '1 second'`).
			WithArgs("card-1", now, int64(600)).
			WillReturnRows(sqlmock.NewRows([]string{"expires_at"}).AddRow(now.Add(2 * time.Hour)))
		exp, err := repo.ExtendExpiry(ctx, "card-1", now, 10*time.Minute)
		if err != nil || exp == nil || !exp.Equal(now.Add(2*time.Hour)) {
			t.Errorf("ExtendExpiry failed: %v, %v", exp, err)
		}

		mock.ExpectQuery(`UPDATE cards SET expires_at`).
			WithArgs("missing", now, int64(600)).
			WillReturnRows(sqlmock.NewRows([]string{"expires_at"}))
		if exp, err := repo.ExtendExpiry(ctx, "missing", now, 10*time.Minute); err != nil || exp != nil {
			t.Errorf("expected nil for missing card, got %v, %v", exp, err)
		}
	})

	t.Run("ListCardsFilters", func(t *testing.T) {
		active := true
		rows := sqlmock.NewRows([]string{"id", "owner", "role", "last_counter", "key_version", "active", "created_at", "expires_at"}).
			AddRow("card-1", "alice", "guest", nil, 1, true, now, now.Add(time.Hour))
		mock.ExpectQuery(`SELECT (.+) FROM cards WHERE owner = \$1 AND active = \$2 ORDER BY created_at DESC, id LIMIT \$3`).
			WithArgs("alice", true, 10).
			WillReturnRows(rows)
		cards, err := repo.ListCards(ctx, domain.CardFilter{Owner: "alice", Active: &active, Limit: 10})
		if err != nil || len(cards) != 1 || cards[0].Secret != nil {
			t.Errorf("unexpected cards: %+v, %v", cards, err)
		}
	})

	t.Run("CreateReaderDuplicate", func(t *testing.T) {
		mock.ExpectExec(`INSERT INTO readers`).WillReturnError(&pgconn.PgError{Code: "23505"})
		err := repo.CreateReader(ctx, &domain.Reader{ID: "door-1"})
		if !errors.Is(err, domain.ErrReaderExists) {
			t.Errorf("expected ErrReaderExists, got %v", err)
		}
	})

	t.Run("GetAPIKeyByHash", func(t *testing.T) {
		rows := sqlmock.NewRows([]string{"id", "name", "key_hash", "key_prefix", "role", "active", "created_at", "expires_at"}).
			AddRow("k1", "desk", "hash", "cg_12345", "admin", true, now, nil)
		mock.ExpectQuery(`SELECT (.+) FROM api_keys WHERE key_hash = \$1`).WithArgs("hash").WillReturnRows(rows)
		key, err := repo.GetAPIKeyByHash(ctx, "hash")
		if err != nil || key == nil || key.Role != domain.RoleAdmin || key.ExpiresAt != nil {
			t.Errorf("unexpected key: %+v, %v", key, err)
		}
	})

	t.Run("RecordAudit", func(t *testing.T) {
		ctr := uint64(3)
		e := &domain.AuditEvent{ID: "e1", Type: domain.EventAccessGranted, Category: domain.CategoryAuthorization,
			CardID: "card-1", Success: true, Counter: &ctr, CreatedAt: now, Hash: "h"}
		mock.ExpectExec(`INSERT INTO audit_events`).WillReturnResult(sqlmock.NewResult(1, 1))
		if err := repo.Record(ctx, e); err != nil {
			t.Errorf("Record failed: %v", err)
		}
	})

	t.Run("ListAuditEvents", func(t *testing.T) {
		rows := sqlmock.NewRows([]string{"id", "event_type", "category", "access_type", "card_id", "reader_id", "owner", "role",
			"success", "error_code", "message", "counter", "response_ms", "ip_address", "user_agent", "chain_id", "chain_seq", "prev_hash", "hash", "created_at"}).
			AddRow("e1", "ACCESS_DENIED", "AUTHORIZATION", "CARD_VERIFICATION", "card-1", "door-1", "alice", "guest",
				false, "ReplayedCounter", "", int64(3), int64(4), "10.0.0.1", "ua", "chain-1", int64(7), "", "h", now)
		mock.ExpectQuery(`SELECT (.+) FROM audit_events WHERE card_id = \$1 AND event_type = \$2 ORDER BY seq DESC LIMIT \$3`).
			WithArgs("card-1", "ACCESS_DENIED", 5).
			WillReturnRows(rows)
		events, err := repo.ListAuditEvents(ctx, domain.AuditFilter{CardID: "card-1", Type: domain.EventAccessDenied, Limit: 5})
		if err != nil || len(events) != 1 {
			t.Fatalf("ListAuditEvents failed: %v", err)
		}
		if events[0].ErrorCode != domain.ReasonReplayedCounter || *events[0].Counter != 3 || events[0].IP != "10.0.0.1" || events[0].ChainSeq != 7 {
			t.Errorf("unexpected event: %+v", events[0])
		}
	})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestPostgresRepository_Errors(t *testing.T) {
	repo, mock, _ := newUnitRepo(t)
	ctx := context.Background()
	dbErr := errors.New("connection reset")

	mock.ExpectQuery(`SELECT (.+) FROM cards`).WillReturnError(dbErr)
	if _, err := repo.GetCard(ctx, "card-1"); !errors.Is(err, dbErr) {
		t.Errorf("expected db error, got %v", err)
	}

	mock.ExpectExec(`UPDATE cards SET last_counter`).WillReturnError(dbErr)
	if _, err := repo.AdvanceCounter(ctx, "card-1", 1); !errors.Is(err, dbErr) {
		t.Errorf("expected db error, got %v", err)
	}

	mock.ExpectQuery(`SELECT (.+) FROM readers`).WillReturnError(dbErr)
	if _, err := repo.ListReaders(ctx); !errors.Is(err, dbErr) {
		t.Errorf("expected db error, got %v", err)
	}

	mock.ExpectQuery(`SELECT (.+) FROM audit_events`).WillReturnError(dbErr)
	if _, err := repo.ListAuditEvents(ctx, domain.AuditFilter{}); !errors.Is(err, dbErr) {
		t.Errorf("expected db error, got %v", err)
	}

	if err := repo.Ping(ctx); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}
