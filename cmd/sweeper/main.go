package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"homeflow/config"
	"homeflow/db"
	"homeflow/offer"
	"homeflow/outbox"
	"homeflow/review"
)

// The sweeper owns every time-driven transition: offer expiry, review hold
// publication, and outbox delivery. The domain services expose idempotent
// "attempt if due" entry points; this binary only schedules them.
func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	offerService := offer.NewService(pool, nil, nil, nil, nil,
		time.Duration(cfg.OfferExpiryDays)*24*time.Hour)
	reviewService := review.NewService(pool, nil, review.NewEligibility(pool))
	outboxWorker := outbox.NewWorker(pool, func(ctx context.Context, msg outbox.Message) error {
		log.Printf("outbox %s: %s", msg.Topic, msg.Payload)
		return nil
	})

	c := cron.New()

	if _, err := c.AddFunc(cfg.SweepCron, func() {
		n, err := offerService.ExpireDue(ctx)
		if err != nil {
			log.Printf("offer expiry sweep: %v", err)
			return
		}
		if n > 0 {
			log.Printf("expired %d offers", n)
		}
	}); err != nil {
		log.Fatalf("schedule offer sweep: %v", err)
	}

	if _, err := c.AddFunc(cfg.SweepCron, func() {
		n, err := reviewService.PublishDue(ctx)
		if err != nil {
			log.Printf("review publish sweep: %v", err)
			return
		}
		if n > 0 {
			log.Printf("published %d held reviews", n)
		}
	}); err != nil {
		log.Fatalf("schedule review sweep: %v", err)
	}

	if _, err := c.AddFunc("@every 30s", func() {
		if _, err := outboxWorker.Drain(ctx); err != nil {
			log.Printf("outbox drain: %v", err)
		}
	}); err != nil {
		log.Fatalf("schedule outbox drain: %v", err)
	}

	c.Start()
	log.Printf("sweeper running (cron %q)", cfg.SweepCron)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Print("sweeper stopping")
	<-c.Stop().Done()
}
