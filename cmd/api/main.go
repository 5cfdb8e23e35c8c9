package main

import (
	"context"
	"log"
	"time"

	"homeflow/auth"
	"homeflow/config"
	"homeflow/db"
	"homeflow/offer"
	"homeflow/property"
	"homeflow/review"
	"homeflow/transaction"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	rules, err := config.LoadRules(cfg.RulesPath)
	if err != nil {
		log.Fatalf("load jurisdiction rules: %v", err)
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	authRepo := auth.NewRepository(pool)
	authService := auth.NewService(authRepo, cfg.JWTSecret)

	properties := property.NewRepository(pool)
	transactionService := transaction.NewService(pool, nil, properties, rules)
	offerService := offer.NewService(pool, nil, authRepo, properties, transaction.NewRepository(),
		time.Duration(cfg.OfferExpiryDays)*24*time.Hour)
	reviewService := review.NewService(pool, nil, review.NewEligibility(pool))

	log.Printf("services ready: auth=%v offers=%v transactions=%v reviews=%v",
		authService != nil, offerService != nil, transactionService != nil, reviewService != nil)
}
