package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Bidder keeps a supply of open offers on the property so accepters and
// withdrawers always have something to race over.
func Bidder(ctx context.Context, pool *pgxpool.Pool, propertyID, buyerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		amount := int64(50000000 + rand.Intn(10000000))
		_, err := pool.Exec(ctx, `INSERT INTO offers (property_id, buyer_id, amount, settlement_days, status, submitted_at)
                                   VALUES ($1, $2, $3, 30, 'submitted', NOW())`, propertyID, buyerID, amount)
		if err != nil && !benign(err) {
			return fmt.Errorf("bidder insert: %w", err)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Accepter plays the seller: lock the property, accept an open offer with a
// guarded update, and project it into a transaction in the same database
// transaction. The partial unique index makes every accept past the first
// fail with 23505 and roll back both writes.
func Accepter(ctx context.Context, pool *pgxpool.Pool, propertyID, sellerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := acceptOne(ctx, pool, propertyID, sellerID); err != nil && !benign(err) {
			return fmt.Errorf("accepter: %w", err)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

func acceptOne(ctx context.Context, pool *pgxpool.Pool, propertyID, sellerID string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT 1 FROM properties WHERE id=$1 FOR UPDATE`, propertyID); err != nil {
		return err
	}

	var offerID, buyerID string
	var amount int64
	err = tx.QueryRow(ctx, `SELECT id, buyer_id, amount FROM offers
                             WHERE property_id=$1 AND status IN ('submitted','viewed')
                             ORDER BY created_at LIMIT 1 FOR UPDATE`, propertyID).Scan(&offerID, &buyerID, &amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `UPDATE offers SET status='accepted', responded_at=NOW(), updated_at=NOW()
                               WHERE id=$1 AND status IN ('submitted','viewed')`, offerID)
	if err != nil || tag.RowsAffected() == 0 {
		return err
	}

	var txnID string
	err = tx.QueryRow(ctx, `INSERT INTO transactions (offer_id, property_id, buyer_id, seller_id, sale_price, settlement_date, status)
                             VALUES ($1, $2, $3, $4, $5, NOW() + interval '30 days', 'pending')
                             RETURNING id`, offerID, propertyID, buyerID, sellerID, amount).Scan(&txnID)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO transaction_events (transaction_id, seq, type, payload)
                                SELECT $1, COALESCE(MAX(seq),0)+1, 'TRANSACTION_CREATED', '{}'::jsonb
                                FROM transaction_events WHERE transaction_id=$1`, txnID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ('transaction.created', jsonb_build_object('transaction_id', $1))`, txnID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Withdrawer plays the buyer racing the seller on the same open offers.
func Withdrawer(ctx context.Context, pool *pgxpool.Pool, propertyID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `UPDATE offers SET status='withdrawn', updated_at=NOW()
                                   WHERE id = (SELECT id FROM offers WHERE property_id=$1 AND status IN ('submitted','viewed','countered')
                                               ORDER BY random() LIMIT 1)
                                     AND status IN ('submitted','viewed','countered')`, propertyID)
		if err != nil && !benign(err) {
			return fmt.Errorf("withdrawer: %w", err)
		}
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}

// Driver advances the property's live transaction one legal step per tick
// using guarded updates. Cooling-off windows are shortened so a 90 second run
// covers the whole lifecycle, and most runs rescind or cancel so the property
// returns to market and the accept race starts again.
func Driver(ctx context.Context, pool *pgxpool.Pool, propertyID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := driveOne(ctx, pool, propertyID); err != nil && !benign(err) {
			return fmt.Errorf("driver: %w", err)
		}
		time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
	}
}

func driveOne(ctx context.Context, pool *pgxpool.Pool, propertyID string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var id, status string
	err = tx.QueryRow(ctx, `SELECT id, status::text FROM transactions
                             WHERE property_id=$1 AND status NOT IN ('settled','fallen_through')
                             LIMIT 1 FOR UPDATE`, propertyID).Scan(&id, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}

	step := func(event, sql string, args ...any) error {
		tag, err := tx.Exec(ctx, sql, args...)
		if err != nil || tag.RowsAffected() == 0 {
			return err
		}
		if _, err := tx.Exec(ctx, `INSERT INTO transaction_events (transaction_id, seq, type, payload)
                                    SELECT $1, COALESCE(MAX(seq),0)+1, $2, '{}'::jsonb
                                    FROM transaction_events WHERE transaction_id=$1`, id, event); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}

	switch status {
	case "pending":
		if rand.Intn(10) == 0 {
			return step("CANCELLED", `UPDATE transactions SET status='fallen_through', updated_at=NOW() WHERE id=$1 AND status='pending'`, id)
		}
		return step("EXCHANGED", `UPDATE transactions SET status='exchanged', updated_at=NOW() WHERE id=$1 AND status='pending'`, id)
	case "exchanged":
		return step("COOLING_OFF_STARTED", `UPDATE transactions SET status='in_cooling_off',
                     cooling_off_ends_at = NOW() + interval '300 milliseconds', updated_at=NOW()
                     WHERE id=$1 AND status='exchanged'`, id)
	case "in_cooling_off":
		if rand.Intn(3) == 0 {
			// rescind is legal only inside the window; release the property
			tag, err := tx.Exec(ctx, `UPDATE transactions SET status='fallen_through', updated_at=NOW()
                                       WHERE id=$1 AND status='in_cooling_off' AND NOW() < cooling_off_ends_at`, id)
			if err != nil || tag.RowsAffected() == 0 {
				return err
			}
			if _, err := tx.Exec(ctx, `UPDATE properties SET status='active', updated_at=NOW() WHERE id=$1 AND status <> 'sold'`, propertyID); err != nil {
				return err
			}
			return tx.Commit(ctx)
		}
		return step("WENT_UNCONDITIONAL", `UPDATE transactions SET status='unconditional', updated_at=NOW()
                     WHERE id=$1 AND status='in_cooling_off' AND NOW() >= cooling_off_ends_at`, id)
	case "unconditional":
		return step("SETTLEMENT_STARTED", `UPDATE transactions SET status='settling', updated_at=NOW()
                     WHERE id=$1 AND status='unconditional'
                       AND (NOT subject_to_finance OR finance_approved)
                       AND (NOT subject_to_building_inspection OR building_inspection_passed)
                       AND (NOT subject_to_pest_inspection OR pest_inspection_passed)`, id)
	case "settling":
		if rand.Intn(4) != 0 {
			// mostly cancel so the market churns; settle occasionally
			tag, err := tx.Exec(ctx, `UPDATE transactions SET status='fallen_through', updated_at=NOW() WHERE id=$1 AND status='settling'`, id)
			if err != nil || tag.RowsAffected() == 0 {
				return err
			}
			if _, err := tx.Exec(ctx, `UPDATE properties SET status='active', updated_at=NOW() WHERE id=$1 AND status <> 'sold'`, propertyID); err != nil {
				return err
			}
			return tx.Commit(ctx)
		}
		tag, err := tx.Exec(ctx, `UPDATE transactions SET status='settled', updated_at=NOW() WHERE id=$1 AND status='settling'`, id)
		if err != nil || tag.RowsAffected() == 0 {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE properties SET status='sold', updated_at=NOW() WHERE id=$1`, propertyID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `INSERT INTO transaction_events (transaction_id, seq, type, payload)
                                    SELECT $1, COALESCE(MAX(seq),0)+1, 'SETTLED', '{}'::jsonb
                                    FROM transaction_events WHERE transaction_id=$1`, id); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}
	return nil
}

// Reviewer submits reviews between the settled pair with short hold windows so
// the publish sweep fires within the run.
func Reviewer(ctx context.Context, pool *pgxpool.Pool, buyerID, sellerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var eligible bool
		if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM transactions WHERE status='settled'
                                       AND buyer_id=$1 AND seller_id=$2)`, buyerID, sellerID).Scan(&eligible); err != nil && !benign(err) {
			return fmt.Errorf("reviewer eligibility: %w", err)
		}
		if eligible {
			rating := 1 + rand.Intn(5)
			status := "published"
			hold := "NULL"
			if rating <= 2 {
				status = "held"
				hold = "NOW() + interval '500 milliseconds'"
			}
			sql := fmt.Sprintf(`INSERT INTO reviews (reviewer_id, reviewee_id, reviewee_role, overall_rating, status, hold_until)
                                 VALUES ($1, $2, 'seller', $3, '%s', %s)`, status, hold)
			if _, err := pool.Exec(ctx, sql, buyerID, sellerID, rating); err != nil && !benign(err) {
				return fmt.Errorf("reviewer insert: %w", err)
			}
		}
		time.Sleep(time.Duration(100+rand.Intn(100)) * time.Millisecond)
	}
}

// Publisher is the review hold sweep: only reviews whose deadline elapsed move.
func Publisher(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `UPDATE reviews SET status='published', updated_at=NOW()
                                   WHERE status='held' AND hold_until IS NOT NULL AND hold_until <= NOW()`)
		if err != nil && !benign(err) {
			return fmt.Errorf("publisher: %w", err)
		}
		time.Sleep(time.Duration(100+rand.Intn(100)) * time.Millisecond)
	}
}

// Disputer raises disputes on published reviews and resolves them; upholding
// must remove the review in the same transaction.
func Disputer(ctx context.Context, pool *pgxpool.Pool, sellerID, adminID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var reviewID string
		err := pool.QueryRow(ctx, `SELECT id FROM reviews WHERE status='published' AND reviewee_id=$1 AND NOT disputed
                                    ORDER BY random() LIMIT 1`, sellerID).Scan(&reviewID)
		if err == nil {
			_ = disputeOne(ctx, pool, reviewID, sellerID, adminID)
		}
		time.Sleep(time.Duration(150+rand.Intn(100)) * time.Millisecond)
	}
}

func disputeOne(ctx context.Context, pool *pgxpool.Pool, reviewID, sellerID, adminID string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var disputeID string
	err = tx.QueryRow(ctx, `INSERT INTO review_disputes (review_id, raised_by, status) VALUES ($1, $2, 'pending') RETURNING id`, reviewID, sellerID).Scan(&disputeID)
	if err != nil {
		// 23505 means another dispute is active, which is the invariant working
		return nil
	}
	if _, err := tx.Exec(ctx, `UPDATE reviews SET disputed=TRUE WHERE id=$1`, reviewID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE review_disputes SET status='under_review', reviewed_by=$2, reviewed_at=NOW() WHERE id=$1 AND status='pending'`, disputeID, adminID); err != nil {
		return err
	}
	if rand.Intn(2) == 0 {
		if _, err := tx.Exec(ctx, `UPDATE review_disputes SET status='upheld', reviewed_at=NOW() WHERE id=$1 AND status='under_review'`, disputeID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE reviews SET status='removed', disputed=FALSE WHERE id=$1`, reviewID); err != nil {
			return err
		}
	} else {
		if _, err := tx.Exec(ctx, `UPDATE review_disputes SET status='rejected', reviewed_at=NOW() WHERE id=$1 AND status='under_review'`, disputeID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE reviews SET disputed=FALSE WHERE id=$1`, reviewID); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// Sweeper expires stale open offers, mimicking the scheduled expiry job.
func Sweeper(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `UPDATE offers SET status='expired', updated_at=NOW()
                                   WHERE status IN ('submitted','viewed','countered')
                                     AND submitted_at <= NOW() - interval '5 seconds'`)
		if err != nil && !benign(err) {
			return fmt.Errorf("sweeper: %w", err)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED and marks
// processed, with simulated random failures bumping attempts.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1, last_attempt=NOW() WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed', last_attempt=NOW() WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}

// benign filters the errors expected under contention and chaos: unique
// violations, serialization failures, and killed connections.
func benign(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "40001", "40P01", "57P01", "08006":
			return true
		}
	}
	return false
}
