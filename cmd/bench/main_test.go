package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/poyrazK/cardgate/internal/access/lock"
	"github.com/poyrazK/cardgate/internal/adapters/api"
	"github.com/poyrazK/cardgate/internal/adapters/memory"
	"github.com/poyrazK/cardgate/internal/core/domain"
	"github.com/poyrazK/cardgate/internal/core/services"
)

func TestPrintEnhancedReport(t *testing.T) {
	stats := &Stats{
		Total:     10,
		Granted:   7,
		Denied:    1,
		Errors:    2,
		Latencies: make(chan time.Duration, 10),
	}
	stats.Latencies <- 10 * time.Millisecond
	stats.Latencies <- 20 * time.Millisecond
	close(stats.Latencies)

	out := &bytes.Buffer{}
	printEnhancedReport(out, 1*time.Second, stats, 1)
	for _, want := range []string{"Throughput:       8.00", "Granted:          7", "Reliability:      80.00%", "P50 (Median):     20ms"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("report missing %q:\n%s", want, out.String())
		}
	}
}

func TestSeedAndLoadFixture(t *testing.T) {
	cards := memory.NewCardRepository()
	sink := memory.NewAuditSink()
	path := filepath.Join(t.TempDir(), "cards.json")

	if err := seedCards(context.Background(), cards, sink, 5, path, &bytes.Buffer{}); err != nil {
		t.Fatalf("seedCards failed: %v", err)
	}
	fx, err := loadFixture(path)
	if err != nil {
		t.Fatalf("loadFixture failed: %v", err)
	}
	if len(fx) != 5 {
		t.Fatalf("expected 5 cards, got %d", len(fx))
	}
	stored, _ := cards.ListCards(context.Background(), domain.CardFilter{})
	if len(stored) != 5 {
		t.Errorf("expected 5 stored cards, got %d", len(stored))
	}
	if sink.Count() != 5 {
		t.Errorf("expected one audit event per card, got %d", sink.Count())
	}

	if _, err := loadFixture(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Errorf("expected error for missing fixture")
	}
}

func TestNewBench_Validation(t *testing.T) {
	if _, err := newBench("http://x", nil, 1.1, 100, "", ""); err == nil {
		t.Errorf("expected error for empty fixture")
	}
	fx := []fixtureCard{{CardID: "AAAAAAAAAAAAAAAAAAAAAA", Secret: "!!"}}
	if _, err := newBench("http://x", fx, 1.1, 100, "", ""); err == nil {
		t.Errorf("expected error for bad secret")
	}
	fx[0].Secret = "AAAA"
	if _, err := newBench("http://x", fx, 1.0, 100, "", ""); err == nil {
		t.Errorf("expected error for zipf s <= 1")
	}
}

func TestRunBenchmark(t *testing.T) {
	ctx := context.Background()
	cards := memory.NewCardRepository()
	sink := memory.NewAuditSink()
	path := filepath.Join(t.TempDir(), "cards.json")
	if err := seedCards(ctx, cards, sink, 3, path, &bytes.Buffer{}); err != nil {
		t.Fatalf("seedCards failed: %v", err)
	}

	recorder := services.NewAuditRecorder(sink, nil)
	verifier := services.NewVerificationService(cards, lock.NewKeyed(), nil, recorder, nil, services.VerifierConfig{}, nil)
	handler := api.NewAPIHandler(api.Services{Verifier: verifier}, memory.NewAPIKeyRepository(), nil, nil, nil)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	fx, err := loadFixture(path)
	if err != nil {
		t.Fatalf("loadFixture failed: %v", err)
	}
	b, err := newBench(srv.URL, fx, 1.1, 1, "", "")
	if err != nil {
		t.Fatalf("newBench failed: %v", err)
	}

	stats := runBenchmark(ctx, b, 40, 4, &bytes.Buffer{})
	if stats.Total != 40 {
		t.Errorf("expected 40 attempts, got %d", stats.Total)
	}
	if stats.Errors != 0 {
		t.Errorf("expected no transport errors, got %d", stats.Errors)
	}
	if stats.Granted == 0 {
		t.Errorf("expected some grants")
	}
	if stats.Granted+stats.Denied != stats.Total {
		t.Errorf("decisions do not add up: %+v", stats)
	}
}

func TestRunWorker_ConnError(t *testing.T) {
	fx := []fixtureCard{{CardID: "AAAAAAAAAAAAAAAAAAAAAA", Secret: "AAAA"}}
	b, err := newBench("http://127.0.0.1:1", fx, 1.1, 1, "", "")
	if err != nil {
		t.Fatalf("newBench failed: %v", err)
	}
	stats := &Stats{Latencies: make(chan time.Duration, 2)}
	b.runWorker(context.Background(), 2, 0, stats)
	if stats.Errors != 2 || stats.Total != 2 {
		t.Errorf("expected 2 errors, got %+v", stats)
	}
}
