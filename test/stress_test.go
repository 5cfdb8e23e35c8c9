package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"homeflow/test/actors"
	"homeflow/test/chaos"
	"homeflow/test/infra"
	"homeflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func seedRNG(seed int64) { rand.Seed(seed) }

func TestLifecycleConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	seedData := mustSeed(t, ctx, pool)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	// buyers bidding, the seller accepting, the buyer withdrawing: all
	// fighting over the same property
	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.Bidder(ctx2, pool, seedData.propertyID, seedData.buyerID, stop) })
		g.Go(func() error { return actors.Accepter(ctx2, pool, seedData.propertyID, seedData.sellerID, stop) })
	}
	g.Go(func() error { return actors.Withdrawer(ctx2, pool, seedData.propertyID, stop) })

	// lifecycle driver walking live transactions through their states
	g.Go(func() error { return actors.Driver(ctx2, pool, seedData.propertyID, stop) })

	// review flow once settlements appear
	g.Go(func() error { return actors.Reviewer(ctx2, pool, seedData.buyerID, seedData.sellerID, stop) })
	g.Go(func() error { return actors.Publisher(ctx2, pool, stop) })
	g.Go(func() error { return actors.Disputer(ctx2, pool, seedData.sellerID, seedData.adminID, stop) })

	// background jobs
	g.Go(func() error { return actors.Sweeper(ctx2, pool, stop) })
	g.Go(func() error { return actors.OutboxWorker(ctx2, pool, stop) })

	// chaos: kill random backend
	go chaos.TerminateRandomBackend(ctx2, pool, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type seedIDs struct {
	buyerID    string
	sellerID   string
	adminID    string
	propertyID string
}

func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool) seedIDs {
	t.Helper()
	var s seedIDs
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, password_hash, role) VALUES ($1, 'Stress Buyer', 'x', 'buyer') RETURNING id`,
		fmt.Sprintf("buyer%d@example.com", rand.Int63())).Scan(&s.buyerID); err != nil {
		t.Fatalf("seed buyer: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, password_hash, role) VALUES ($1, 'Stress Seller', 'x', 'seller') RETURNING id`,
		fmt.Sprintf("seller%d@example.com", rand.Int63())).Scan(&s.sellerID); err != nil {
		t.Fatalf("seed seller: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, password_hash, role) VALUES ($1, 'Stress Admin', 'x', 'admin') RETURNING id`,
		fmt.Sprintf("admin%d@example.com", rand.Int63())).Scan(&s.adminID); err != nil {
		t.Fatalf("seed admin: %v", err)
	}
	if _, err := pool.Exec(ctx, `INSERT INTO buyer_entities (owner_id, legal_name) VALUES ($1, 'Stress Holdings Pty Ltd')`, s.buyerID); err != nil {
		t.Fatalf("seed buyer entity: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO properties (seller_id, address, suburb, jurisdiction, price_guide)
                                   VALUES ($1, '1 Stress St', 'Raceville', 'nsw', 80000000) RETURNING id`, s.sellerID).Scan(&s.propertyID); err != nil {
		t.Fatalf("seed property: %v", err)
	}
	// one open offer so accepters have work immediately
	if _, err := pool.Exec(ctx, `INSERT INTO offers (property_id, buyer_id, amount, settlement_days, status, submitted_at)
                                  VALUES ($1, $2, 82000000, 30, 'submitted', NOW())`, s.propertyID, s.buyerID); err != nil {
		t.Fatalf("seed offer: %v", err)
	}
	return s
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"transactions", `SELECT id, property_id, status, cooling_off_ends_at, updated_at FROM transactions ORDER BY updated_at DESC LIMIT 50`},
		{"offers", `SELECT id, property_id, status, submitted_at FROM offers ORDER BY created_at DESC LIMIT 50`},
		{"transaction_events", `SELECT id, transaction_id, seq, type, created_at FROM transaction_events ORDER BY id DESC LIMIT 50`},
		{"reviews", `SELECT id, status, hold_until, disputed FROM reviews ORDER BY created_at DESC LIMIT 50`},
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
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
