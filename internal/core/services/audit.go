package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/poyrazK/cardgate/internal/core/domain"
	"github.com/poyrazK/cardgate/internal/core/ports"
	"github.com/poyrazK/cardgate/internal/infrastructure/metrics"
)

// DefaultAuditTimeout bounds a single sink write.
const DefaultAuditTimeout = 2 * time.Second

// AuditRecorder stamps, chains and persists audit events. A failed write is
// logged and counted but never returned: the outcome being audited stands.
type AuditRecorder struct {
	sink    ports.AuditSink
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time

	chainID  string
	mu       sync.Mutex
	seq      uint64
	prevHash string
}

func NewAuditRecorder(sink ports.AuditSink, logger *slog.Logger) *AuditRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditRecorder{
		sink:    sink,
		logger:  logger,
		timeout: DefaultAuditTimeout,
		now:     time.Now,
		chainID: uuid.New().String(),
	}
}

// Record persists event. The write uses a context detached from ctx's cancellation
// so that a client disconnect cannot drop the record, bounded by DefaultAuditTimeout.
func (r *AuditRecorder) Record(ctx context.Context, event *domain.AuditEvent) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = r.now().UTC()
	}
	// Stores keep microseconds; the hash must cover what can be read back.
	event.CreatedAt = event.CreatedAt.Truncate(time.Microsecond)
	if event.Category == "" {
		event.Category = event.Type.Category()
	}
	if event.RequestMeta == (domain.RequestMeta{}) {
		event.RequestMeta = domain.RequestMetaFrom(ctx)
	}

	// Sinks may receive events out of chain order; ChainSeq restores it. A failed
	// write leaves a gap that VerifyChain reports.
	r.mu.Lock()
	r.seq++
	event.ChainID = r.chainID
	event.ChainSeq = r.seq
	event.PrevHash = r.prevHash
	event.Hash = ChainHash(event)
	r.prevHash = event.Hash
	r.mu.Unlock()

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	if err := r.sink.Record(wctx, event); err != nil {
		metrics.AuditFailures.Inc()
		r.logger.Error("failed to record audit event",
			"error", err,
			"event_id", event.ID,
			"type", event.Type,
			"card_id", event.CardID,
			"reader_id", event.ReaderID)
	}
}

// ChainHash computes the SHA-256 link of event over its content and PrevHash.
func ChainHash(e *domain.AuditEvent) string {
	var counter string
	if e.Counter != nil {
		counter = strconv.FormatUint(*e.Counter, 10)
	}
	fields := []string{
		e.ID,
		string(e.Type),
		string(e.Category),
		string(e.AccessType),
		e.CardID,
		e.ReaderID,
		e.Owner,
		string(e.Role),
		strconv.FormatBool(e.Success),
		string(e.ErrorCode),
		e.Message,
		counter,
		strconv.FormatInt(e.ResponseMS, 10),
		e.IP,
		e.UserAgent,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
		e.ChainID,
		strconv.FormatUint(e.ChainSeq, 10),
		e.PrevHash,
	}
	sum := sha256.Sum256([]byte(strings.Join(fields, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// VerifyChain checks that events form unbroken hash chains. Events may arrive in any
// order and from several chains (one per recorder); each chain is checked by ChainSeq
// and must be contiguous from its lowest position.
func VerifyChain(events []domain.AuditEvent) error {
	chains := make(map[string][]*domain.AuditEvent)
	var ids []string
	for i := range events {
		e := &events[i]
		if _, ok := chains[e.ChainID]; !ok {
			ids = append(ids, e.ChainID)
		}
		chains[e.ChainID] = append(chains[e.ChainID], e)
	}
	for _, id := range ids {
		chain := chains[id]
		sort.SliceStable(chain, func(a, b int) bool { return chain[a].ChainSeq < chain[b].ChainSeq })
		for i, e := range chain {
			if ChainHash(e) != e.Hash {
				return fmt.Errorf("event %s: content does not match hash", e.ID)
			}
			if i == 0 {
				if e.ChainSeq <= 1 && e.PrevHash != "" {
					return fmt.Errorf("event %s: chain %s does not start at its first event", e.ID, id)
				}
				continue
			}
			prev := chain[i-1]
			if e.ChainSeq != prev.ChainSeq+1 {
				return fmt.Errorf("event %s: chain %s has a gap after position %d", e.ID, id, prev.ChainSeq)
			}
			if e.PrevHash != prev.Hash {
				return fmt.Errorf("event %s: chain %s broken at position %d", e.ID, id, e.ChainSeq)
			}
		}
	}
	return nil
}

// MultiSink fans one event out to several sinks. Every sink is attempted.
type MultiSink []ports.AuditSink

func (m MultiSink) Record(ctx context.Context, event *domain.AuditEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
