package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/poyrazK/cardgate/internal/access/proof"
)

type benchCard struct {
	id     string
	secret []byte
	next   atomic.Uint64
}

type bench struct {
	client      *http.Client
	verifyURL   string
	cards       []*benchCard
	zipfS       float64
	zipfV       float64
	readerID    string
	readerToken string
}

func newBench(target string, fx []fixtureCard, s, v float64, readerID, readerToken string) (*bench, error) {
	if len(fx) == 0 {
		return nil, fmt.Errorf("fixture has no cards")
	}
	if s <= 1 || v < 1 {
		return nil, fmt.Errorf("zipf parameters must satisfy s > 1 and v >= 1")
	}
	// Counters start at the current time so that repeated runs against the same
	// cards keep moving forward.
	base := uint64(time.Now().UnixMicro())
	cards := make([]*benchCard, 0, len(fx))
	for _, f := range fx {
		secret, err := base64.RawURLEncoding.DecodeString(f.Secret)
		if err != nil {
			return nil, fmt.Errorf("card %s: invalid secret: %w", f.CardID, err)
		}
		c := &benchCard{id: f.CardID, secret: secret}
		c.next.Store(base)
		cards = append(cards, c)
	}
	return &bench{
		client:      newHTTPClient(),
		verifyURL:   strings.TrimRight(target, "/") + "/api/cards/verify",
		cards:       cards,
		zipfS:       s,
		zipfV:       v,
		readerID:    readerID,
		readerToken: readerToken,
	}, nil
}

func (b *bench) runWorker(ctx context.Context, count, workerID int, stats *Stats) {
	r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
	zipf := rand.NewZipf(r, b.zipfS, b.zipfV, uint64(len(b.cards)-1))

	for i := 0; i < count; i++ {
		card := b.cards[zipf.Uint64()]
		counter := card.next.Add(1)
		ctr, tag, err := proof.Sign(card.secret, card.id, counter)
		if err != nil {
			atomic.AddUint64(&stats.Errors, 1)
			atomic.AddUint64(&stats.Total, 1)
			continue
		}

		start := time.Now()
		status, err := b.verify(ctx, card.id, ctr, tag)
		switch {
		case err != nil:
			atomic.AddUint64(&stats.Errors, 1)
		case status == "OK":
			atomic.AddUint64(&stats.Granted, 1)
			stats.Latencies <- time.Since(start)
		default:
			atomic.AddUint64(&stats.Denied, 1)
			stats.Latencies <- time.Since(start)
		}
		atomic.AddUint64(&stats.Total, 1)
	}
}

func (b *bench) verify(ctx context.Context, cardID, ctr, tag string) (string, error) {
	body, err := json.Marshal(map[string]string{"cardId": cardID, "ctr": ctr, "tag": tag})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.verifyURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.readerID != "" {
		req.Header.Set("X-Reader-Id", b.readerID)
	}
	if b.readerToken != "" {
		req.Header.Set("X-Reader-Token", b.readerToken)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var decision struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decision); err != nil {
		return "", err
	}
	return decision.Status, nil
}
