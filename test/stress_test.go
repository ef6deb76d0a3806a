package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"loanflow/esign"
	"loanflow/loan"
	"loanflow/phoneverify"
	"loanflow/test/actors"
	"loanflow/test/chaos"
	"loanflow/test/infra"
	"loanflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 10*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 4, "senders per envelope")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flChaos       = flag.Bool("chaos", true, "terminate random backends while running")
)

func TestWebhookConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test skipped in short mode")
	}
	seed := *flSeed

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+2*time.Minute)
	defer cancel()

	h, err := infra.NewHarness(ctx, *flDSN)
	if errors.Is(err, infra.ErrUnavailable) {
		t.Skipf("no postgres available; set -dsn or %s, or start Docker", infra.DSNEnv)
	}
	if err != nil {
		t.Fatalf("start harness: %v", err)
	}
	defer h.Close(context.Background())
	pool := h.Pool()

	envelopes := mustSeed(t, ctx, h)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := loan.NewRepository(pool)
	webhooks := esign.NewService(repo, logger)
	verify := phoneverify.NewService(repo, actors.ApprovingProvider{},
		phoneverify.Settings{AccountSID: "ACstress", AuthToken: "token", ServiceSID: "VAstress"}, logger)

	var stats actors.Stats
	var kills atomic.Int64

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for i, env := range envelopes {
		env := env
		for j := 0; j < *flConcurrency; j++ {
			actorSeed := seed + int64(i*1000+j)
			g.Go(func() error {
				return actors.WebhookSender(ctx2, webhooks, env, actorSeed, &stats, stop)
			})
		}
		actorSeed := seed + int64(i)
		g.Go(func() error {
			return actors.PhoneChecker(ctx2, verify, env.LoanID, actorSeed, &stats, stop)
		})
	}
	g.Go(func() error { return actors.OutboxWorker(ctx2, pool, &stats, stop) })
	if *flChaos {
		go chaos.TerminateRandomBackend(ctx2, pool, 2*time.Second, 5, seed, &kills, stop)
	}

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx2.Done():
			break loop
		case <-ticker.C:
			if checkOracles(t, ctx2, pool, seed) {
				failed = true
				break loop
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v (seed=%d)", err, seed)
		}
	}
	if failed {
		return
	}

	// Final pass once every in-flight transaction has settled.
	checkOracles(t, ctx, pool, seed)

	t.Logf("delivered=%d failed=%d verified=%d published=%d kills=%d seed=%d",
		stats.Delivered.Load(), stats.Failed.Load(), stats.Verified.Load(), stats.Published.Load(), kills.Load(), seed)
	if stats.Delivered.Load() == 0 {
		t.Fatalf("no webhook was delivered (seed=%d)", seed)
	}
}

// checkOracles reports whether an oracle failed. It marks t failed when so.
func checkOracles(t *testing.T, ctx context.Context, pool *pgxpool.Pool, seed int64) bool {
	t.Helper()
	name, row, err := oracles.Run(ctx, pool)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		// A chaos kill can land on the oracle's own connection.
		t.Logf("oracle error: %v", err)
		return false
	}
	if name == "" {
		return false
	}
	dumpRecent(t, ctx, pool)
	t.Errorf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
	return true
}

// mustSeed starts from empty tables so the oracles only see this run's rows,
// even on a reused -dsn database.
func mustSeed(t *testing.T, ctx context.Context, h *infra.Harness) []actors.Envelope {
	t.Helper()
	if err := h.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}

	specs := []struct {
		status   string
		statuses []string
	}{
		{"review", []string{"sent", "delivered", "completed"}},
		{"review", []string{"sent", "completed", "completed"}},
		{"signed", []string{"completed", "declined", "voided", "delivered"}},
		{"draft", []string{"sent", "delivered", "declined"}},
	}

	out := make([]actors.Envelope, 0, len(specs))
	for i, s := range specs {
		envelopeID := fmt.Sprintf("env-%d-%d", i, time.Now().UnixNano())
		id, err := h.SeedLoan(ctx, s.status, envelopeID)
		if err != nil {
			t.Fatalf("seed loan %d: %v", i, err)
		}
		out = append(out, actors.Envelope{ID: envelopeID, LoanID: id, Statuses: s.statuses})
	}
	return out
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"loans", `SELECT id, status, docusign_status, docusign_status_updated_at, phone_verification_status FROM loans`},
		{"loan_events", `SELECT id, loan_id, type, payload, created_at FROM loan_events ORDER BY id DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", cols[i].Name, vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
