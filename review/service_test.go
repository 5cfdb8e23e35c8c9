package review

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var testNow = time.Date(2024, 8, 1, 12, 0, 0, 0, time.UTC)

func TestInitialStatus(t *testing.T) {
	cases := []struct {
		rating   int
		want     Status
		wantHold bool
	}{
		{1, StatusHeld, true},
		{2, StatusHeld, true},
		{3, StatusPublished, false},
		{4, StatusPublished, false},
		{5, StatusPublished, false},
	}

	for _, c := range cases {
		status, holdUntil := InitialStatus(c.rating, testNow)
		if status != c.want {
			t.Errorf("rating %d: expected %s, got %s", c.rating, c.want, status)
		}
		if c.wantHold {
			if holdUntil == nil || !holdUntil.Equal(testNow.Add(HoldWindow)) {
				t.Errorf("rating %d: expected hold_until %v, got %v", c.rating, testNow.Add(HoldWindow), holdUntil)
			}
		} else if holdUntil != nil {
			t.Errorf("rating %d: expected no hold, got %v", c.rating, holdUntil)
		}
	}
}

type testEnv struct {
	svc      *Service
	pool     *fakePool
	repo     *fakeRepo
	eligible *fakeEligibility
}

func newTestEnv() *testEnv {
	env := &testEnv{
		pool:     &fakePool{},
		repo:     newFakeRepo(),
		eligible: &fakeEligibility{settled: true},
	}
	env.svc = NewService(env.pool, env.repo, env.eligible)
	env.svc.WithClock(func() time.Time { return testNow })
	return env
}

func TestService_CreateNegativeReviewHeld(t *testing.T) {
	env := newTestEnv()

	rev, err := env.svc.Create(context.Background(), CreateInput{
		ReviewerID: "buyer-1", RevieweeID: "seller-1", RevieweeRole: RoleSeller,
		OverallRating: 2, Title: "slow to respond", Body: "weeks of silence",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rev.Status != StatusHeld {
		t.Fatalf("expected held, got %s", rev.Status)
	}
	if rev.HoldUntil == nil || !rev.HoldUntil.Equal(testNow.Add(48*time.Hour)) {
		t.Fatalf("expected 48h hold, got %v", rev.HoldUntil)
	}
}

func TestService_CreatePositiveReviewPublishes(t *testing.T) {
	env := newTestEnv()

	rev, err := env.svc.Create(context.Background(), CreateInput{
		ReviewerID: "seller-1", RevieweeID: "buyer-1", RevieweeRole: RoleBuyer,
		OverallRating: 5, Title: "smooth settlement",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rev.Status != StatusPublished || rev.HoldUntil != nil {
		t.Fatalf("expected immediate publish, got %+v", rev)
	}
}

func TestService_CreateRequiresSettledTransaction(t *testing.T) {
	env := newTestEnv()
	env.eligible.settled = false

	_, err := env.svc.Create(context.Background(), CreateInput{
		ReviewerID: "buyer-1", RevieweeID: "seller-1", OverallRating: 4,
	})
	if !errors.Is(err, ErrNotEligible) {
		t.Fatalf("expected ErrNotEligible, got %v", err)
	}
}

func TestService_CreateRejectsBadRating(t *testing.T) {
	env := newTestEnv()
	for _, rating := range []int{0, 6, -1} {
		_, err := env.svc.Create(context.Background(), CreateInput{
			ReviewerID: "buyer-1", RevieweeID: "seller-1", OverallRating: rating,
		})
		if !errors.Is(err, ErrInvalidRating) {
			t.Fatalf("rating %d: expected ErrInvalidRating, got %v", rating, err)
		}
	}
}

func TestService_PublishBeforeHoldExpiryIsBenignNoOp(t *testing.T) {
	env := newTestEnv()
	hold := testNow.Add(time.Hour)
	id := env.repo.seed(Review{Status: StatusHeld, HoldUntil: &hold})

	published, err := env.svc.Publish(context.Background(), id, false)
	if err != nil {
		t.Fatalf("publish before expiry must not error: %v", err)
	}
	if published {
		t.Fatal("publish before expiry must report false")
	}
	if env.repo.reviews[id].Status != StatusHeld {
		t.Fatal("review must stay held")
	}
}

func TestService_PublishAfterHoldExpiry(t *testing.T) {
	env := newTestEnv()
	hold := testNow.Add(-time.Minute)
	id := env.repo.seed(Review{Status: StatusHeld, HoldUntil: &hold})

	published, err := env.svc.Publish(context.Background(), id, false)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !published {
		t.Fatal("expected publish to report true")
	}
	if env.repo.reviews[id].Status != StatusPublished {
		t.Fatalf("expected published, got %s", env.repo.reviews[id].Status)
	}
}

func TestService_PublishForceOverridesHold(t *testing.T) {
	env := newTestEnv()
	hold := testNow.Add(24 * time.Hour)
	id := env.repo.seed(Review{Status: StatusHeld, HoldUntil: &hold})

	published, err := env.svc.Publish(context.Background(), id, true)
	if err != nil || !published {
		t.Fatalf("forced publish: published=%v err=%v", published, err)
	}
}

func TestService_PublishRemovedReviewFails(t *testing.T) {
	env := newTestEnv()
	id := env.repo.seed(Review{Status: StatusRemoved})

	_, err := env.svc.Publish(context.Background(), id, true)
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}

func TestService_PublishAlreadyPublishedReportsFalse(t *testing.T) {
	env := newTestEnv()
	id := env.repo.seed(Review{Status: StatusPublished})

	published, err := env.svc.Publish(context.Background(), id, false)
	if err != nil || published {
		t.Fatalf("expected benign false, got published=%v err=%v", published, err)
	}
}

func TestService_HoldPullsPublishedReviewBack(t *testing.T) {
	env := newTestEnv()
	id := env.repo.seed(Review{Status: StatusPublished})

	rev, err := env.svc.Hold(context.Background(), id, "admin-1", "flagged wording")
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	if rev.Status != StatusHeld {
		t.Fatalf("expected held, got %s", rev.Status)
	}
	if rev.AdminNotes == nil {
		t.Fatal("expected admin note recorded")
	}
}

func TestService_RemoveIsIdempotent(t *testing.T) {
	env := newTestEnv()
	id := env.repo.seed(Review{Status: StatusPublished})

	if _, err := env.svc.Remove(context.Background(), id, "admin-1", "abuse"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	rev, err := env.svc.Remove(context.Background(), id, "admin-1", "abuse again")
	if err != nil {
		t.Fatalf("re-remove must be a no-op: %v", err)
	}
	if rev.Status != StatusRemoved {
		t.Fatalf("expected removed, got %s", rev.Status)
	}
}

func TestService_PublishDueSweep(t *testing.T) {
	env := newTestEnv()
	overdue := testNow.Add(-time.Hour)
	pending := testNow.Add(time.Hour)
	env.repo.seed(Review{Status: StatusHeld, HoldUntil: &overdue})
	env.repo.seed(Review{Status: StatusHeld, HoldUntil: &pending})
	env.repo.seed(Review{Status: StatusPublished})

	n, err := env.svc.PublishDue(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 published, got %d", n)
	}
}

func TestService_OpenDisputeGuards(t *testing.T) {
	env := newTestEnv()
	held := env.repo.seed(Review{Status: StatusHeld, RevieweeID: "seller-1"})
	published := env.repo.seed(Review{Status: StatusPublished, RevieweeID: "seller-1"})

	if _, err := env.svc.OpenDispute(context.Background(), held, "seller-1", "unfair"); err == nil {
		t.Fatal("disputes must target published reviews only")
	}
	if _, err := env.svc.OpenDispute(context.Background(), published, "someone-else", "unfair"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for non-reviewee, got %v", err)
	}

	d, err := env.svc.OpenDispute(context.Background(), published, "seller-1", "factually wrong")
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	if d.Status != DisputePending {
		t.Fatalf("expected pending, got %s", d.Status)
	}
	if !env.repo.reviews[published].Disputed {
		t.Fatal("review must carry the disputed overlay flag")
	}

	if _, err := env.svc.OpenDispute(context.Background(), published, "seller-1", "again"); !errors.Is(err, ErrActiveDispute) {
		t.Fatalf("expected ErrActiveDispute, got %v", err)
	}
}

func TestService_UpholdDisputeRemovesReview(t *testing.T) {
	env := newTestEnv()
	reviewID := env.repo.seed(Review{Status: StatusPublished, RevieweeID: "seller-1"})
	d, err := env.svc.OpenDispute(context.Background(), reviewID, "seller-1", "defamatory")
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}

	// Resolution requires the under_review step first.
	if _, err := env.svc.UpholdDispute(context.Background(), d.ID, "admin-1", "agreed"); err == nil {
		t.Fatal("expected uphold from pending to be rejected")
	}

	if _, err := env.svc.StartDisputeReview(context.Background(), d.ID, "admin-1"); err != nil {
		t.Fatalf("start review: %v", err)
	}

	resolved, err := env.svc.UpholdDispute(context.Background(), d.ID, "admin-1", "agreed")
	if err != nil {
		t.Fatalf("uphold: %v", err)
	}
	if resolved.Status != DisputeUpheld {
		t.Fatalf("expected upheld, got %s", resolved.Status)
	}
	rev := env.repo.reviews[reviewID]
	if rev.Status != StatusRemoved {
		t.Fatalf("upheld dispute must remove the review, got %s", rev.Status)
	}
	if rev.Disputed {
		t.Error("resolution must clear the disputed flag")
	}
}

func TestService_RejectDisputeLeavesReviewPublished(t *testing.T) {
	env := newTestEnv()
	reviewID := env.repo.seed(Review{Status: StatusPublished, RevieweeID: "seller-1"})
	d, err := env.svc.OpenDispute(context.Background(), reviewID, "seller-1", "too harsh")
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	if _, err := env.svc.StartDisputeReview(context.Background(), d.ID, "admin-1"); err != nil {
		t.Fatalf("start review: %v", err)
	}

	resolved, err := env.svc.RejectDispute(context.Background(), d.ID, "admin-1", "review stands")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if resolved.Status != DisputeRejected {
		t.Fatalf("expected rejected, got %s", resolved.Status)
	}
	rev := env.repo.reviews[reviewID]
	if rev.Status != StatusPublished {
		t.Fatalf("rejected dispute must leave the review published, got %s", rev.Status)
	}
	if rev.Disputed {
		t.Error("resolution must clear the disputed flag")
	}

	// With the first dispute resolved a new one may be raised.
	if _, err := env.svc.OpenDispute(context.Background(), reviewID, "seller-1", "still unfair"); err != nil {
		t.Fatalf("second dispute after resolution: %v", err)
	}
}

type fakeRepo struct {
	reviews  map[string]Review
	disputes map[string]Dispute
	nextID   int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{reviews: make(map[string]Review), disputes: make(map[string]Dispute)}
}

func (f *fakeRepo) seed(rev Review) string {
	f.nextID++
	rev.ID = fmt.Sprintf("r%d", f.nextID)
	f.reviews[rev.ID] = rev
	return rev.ID
}

func (f *fakeRepo) Create(ctx context.Context, tx pgx.Tx, params CreateParams) (Review, error) {
	return f.reviews[f.seed(Review{
		ReviewerID:    params.ReviewerID,
		RevieweeID:    params.RevieweeID,
		RevieweeRole:  params.RevieweeRole,
		OverallRating: params.OverallRating,
		Title:         params.Title,
		Body:          params.Body,
		Status:        params.Status,
		HoldUntil:     params.HoldUntil,
	})], nil
}

func (f *fakeRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Review, error) {
	rev, ok := f.reviews[id]
	if !ok {
		return Review{}, ErrNotFound
	}
	return rev, nil
}

func (f *fakeRepo) UpdateStatus(ctx context.Context, tx pgx.Tx, params UpdateStatusParams) (Review, error) {
	rev, ok := f.reviews[params.ID]
	if !ok {
		return Review{}, ErrNotFound
	}
	if rev.Status != params.From {
		return Review{}, ErrConflict
	}
	rev.Status = params.To
	if params.AdminNotes != nil {
		rev.AdminNotes = params.AdminNotes
	}
	f.reviews[params.ID] = rev
	return rev, nil
}

func (f *fakeRepo) SetDisputed(ctx context.Context, tx pgx.Tx, id string, disputed bool) error {
	rev, ok := f.reviews[id]
	if !ok {
		return ErrNotFound
	}
	rev.Disputed = disputed
	f.reviews[id] = rev
	return nil
}

func (f *fakeRepo) PublishDue(ctx context.Context, tx pgx.Tx, now time.Time) ([]string, error) {
	var ids []string
	for id, rev := range f.reviews {
		if rev.Status != StatusHeld || rev.HoldUntil == nil || rev.HoldUntil.After(now) {
			continue
		}
		rev.Status = StatusPublished
		f.reviews[id] = rev
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeRepo) CreateDispute(ctx context.Context, tx pgx.Tx, reviewID, raisedBy, reason string) (Dispute, error) {
	for _, d := range f.disputes {
		if d.ReviewID == reviewID && d.Status.Active() {
			return Dispute{}, ErrActiveDispute
		}
	}
	f.nextID++
	d := Dispute{
		ID:       fmt.Sprintf("d%d", f.nextID),
		ReviewID: reviewID,
		RaisedBy: raisedBy,
		Reason:   reason,
		Status:   DisputePending,
	}
	f.disputes[d.ID] = d
	return d, nil
}

func (f *fakeRepo) GetDisputeForUpdate(ctx context.Context, tx pgx.Tx, id string) (Dispute, error) {
	d, ok := f.disputes[id]
	if !ok {
		return Dispute{}, ErrDisputeNotFound
	}
	return d, nil
}

func (f *fakeRepo) UpdateDispute(ctx context.Context, tx pgx.Tx, params UpdateDisputeParams) (Dispute, error) {
	d, ok := f.disputes[params.ID]
	if !ok {
		return Dispute{}, ErrDisputeNotFound
	}
	if d.Status != params.From {
		return Dispute{}, ErrConflict
	}
	d.Status = params.To
	if params.ResolutionNotes != nil {
		d.ResolutionNotes = params.ResolutionNotes
	}
	if params.ReviewedBy != nil {
		d.ReviewedBy = params.ReviewedBy
	}
	if params.ReviewedAt != nil {
		d.ReviewedAt = params.ReviewedAt
	}
	f.disputes[params.ID] = d
	return d, nil
}

type fakeEligibility struct {
	settled bool
}

func (f *fakeEligibility) HasSettledTransaction(ctx context.Context, reviewerID, revieweeID string) (bool, error) {
	return f.settled, nil
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
