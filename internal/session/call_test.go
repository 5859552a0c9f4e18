package session

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/docavailable/session-engine/internal/clock"
	"github.com/docavailable/session-engine/internal/model"
	"github.com/docavailable/session-engine/internal/repository"
)

func newCallFixture(t *testing.T) (*CallService, repository.CallSessionRepository, *fakeNotifier, *clock.Manual) {
	t.Helper()
	db := testDB(t)
	repo := repository.NewGormCallSessionRepository(db)
	notifier := &fakeNotifier{}
	clk := clock.NewManual(testBaseTime)
	svc := NewCallService(repo, notifier, testRecorder(t), clk, testLogger(), 5*time.Second, 90*time.Second)
	return svc, repo, notifier, clk
}

func seedCall(t *testing.T, repo repository.CallSessionRepository, c *model.CallSession) *model.CallSession {
	t.Helper()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.PatientID == uuid.Nil {
		c.PatientID = uuid.New()
	}
	if c.ProviderID == uuid.Nil {
		c.ProviderID = uuid.New()
	}
	if c.CallType == "" {
		c.CallType = model.CallTypeAudio
	}
	if err := repo.Create(context.Background(), c); err != nil {
		t.Fatalf("seed call: %v", err)
	}
	return c
}

func TestCallService_Promote_RaceCorrection(t *testing.T) {
	svc, repo, _, _ := newCallFixture(t)
	ctx := context.Background()

	// Answered and ended, but the connected event never arrived.
	answered := testBaseTime.Add(30 * time.Second)
	ended := answered.Add(5 * time.Minute)
	c := seedCall(t, repo, &model.CallSession{
		Status:     model.CallSessionStatusEnded,
		StartedAt:  testBaseTime,
		AnsweredAt: &answered,
		EndedAt:    &ended,
	})

	if err := svc.Promote(ctx, c.ID); err != nil {
		t.Fatalf("promote: %v", err)
	}

	cur, err := repo.GetByID(ctx, c.ID)
	if err != nil {
		t.Fatalf("load call: %v", err)
	}
	if cur.ConnectedAt == nil {
		t.Fatalf("connected_at still nil")
	}
	if !cur.ConnectedAt.Equal(answered) {
		t.Fatalf("connected_at = %v, want answered_at %v", cur.ConnectedAt, answered)
	}
	if !cur.IsConnected {
		t.Fatalf("is_connected not set")
	}
	// Billed duration recomputed from answered_at, not from started_at.
	if cur.CallDuration != 300 {
		t.Fatalf("call_duration = %d, want 300", cur.CallDuration)
	}
	if cur.Status != model.CallSessionStatusEnded {
		t.Fatalf("status = %s, want ended", cur.Status)
	}
}

func TestCallService_Promote_AfterGrace(t *testing.T) {
	svc, repo, _, clk := newCallFixture(t)
	ctx := context.Background()

	answered := testBaseTime
	c := seedCall(t, repo, &model.CallSession{
		Status:     model.CallSessionStatusAnswered,
		StartedAt:  testBaseTime.Add(-10 * time.Second),
		AnsweredAt: &answered,
	})

	// Inside the grace period: nothing happens.
	clk.Set(answered.Add(3 * time.Second))
	if err := svc.Promote(ctx, c.ID); err != nil {
		t.Fatalf("early promote: %v", err)
	}
	cur, err := repo.GetByID(ctx, c.ID)
	if err != nil {
		t.Fatalf("load call: %v", err)
	}
	if cur.ConnectedAt != nil {
		t.Fatalf("promoted inside grace period")
	}

	// Past the grace period: answered -> connected.
	clk.Set(answered.Add(6 * time.Second))
	if err := svc.Promote(ctx, c.ID); err != nil {
		t.Fatalf("promote: %v", err)
	}
	cur, err = repo.GetByID(ctx, c.ID)
	if err != nil {
		t.Fatalf("reload call: %v", err)
	}
	if cur.Status != model.CallSessionStatusConnected {
		t.Fatalf("status = %s, want connected", cur.Status)
	}
	if cur.ConnectedAt == nil || !cur.IsConnected {
		t.Fatalf("connected markers not set: at=%v is=%v", cur.ConnectedAt, cur.IsConnected)
	}

	// Promote is idempotent once connected_at is set.
	firstConnectedAt := *cur.ConnectedAt
	clk.Advance(time.Minute)
	if err := svc.Promote(ctx, c.ID); err != nil {
		t.Fatalf("repeat promote: %v", err)
	}
	cur, err = repo.GetByID(ctx, c.ID)
	if err != nil {
		t.Fatalf("reload call: %v", err)
	}
	if !cur.ConnectedAt.Equal(firstConnectedAt) {
		t.Fatalf("connected_at moved from %v to %v", firstConnectedAt, cur.ConnectedAt)
	}
}

func TestCallService_SweepPromotions(t *testing.T) {
	svc, repo, _, clk := newCallFixture(t)
	ctx := context.Background()

	answered := testBaseTime.Add(-time.Minute)
	ended := testBaseTime.Add(-10 * time.Second)
	lost := seedCall(t, repo, &model.CallSession{
		Status:     model.CallSessionStatusEnded,
		StartedAt:  answered.Add(-5 * time.Second),
		AnsweredAt: &answered,
		EndedAt:    &ended,
	})
	stale := seedCall(t, repo, &model.CallSession{
		Status:     model.CallSessionStatusAnswered,
		StartedAt:  answered,
		AnsweredAt: &answered,
	})

	clk.Set(testBaseTime)
	stats, err := svc.SweepPromotions(ctx, 10)
	if err != nil {
		t.Fatalf("sweep promotions: %v", err)
	}
	if stats.Succeeded != 2 {
		t.Fatalf("succeeded = %d, want 2", stats.Succeeded)
	}

	l, err := repo.GetByID(ctx, lost.ID)
	if err != nil {
		t.Fatalf("load lost: %v", err)
	}
	if l.ConnectedAt == nil || !l.ConnectedAt.Equal(answered) {
		t.Fatalf("lost call not race-corrected: %v", l.ConnectedAt)
	}
	st, err := repo.GetByID(ctx, stale.ID)
	if err != nil {
		t.Fatalf("load stale: %v", err)
	}
	if st.Status != model.CallSessionStatusConnected {
		t.Fatalf("stale status = %s, want connected", st.Status)
	}
}

func TestCallService_SweepMissed(t *testing.T) {
	svc, repo, notifier, clk := newCallFixture(t)
	ctx := context.Background()

	stuck := seedCall(t, repo, &model.CallSession{
		Status:    model.CallSessionStatusPending,
		StartedAt: testBaseTime.Add(-91 * time.Second),
	})
	fresh := seedCall(t, repo, &model.CallSession{
		Status:    model.CallSessionStatusPending,
		StartedAt: testBaseTime.Add(-30 * time.Second),
	})

	clk.Set(testBaseTime)
	stats, err := svc.SweepMissed(ctx, 10)
	if err != nil {
		t.Fatalf("sweep missed: %v", err)
	}
	if stats.Succeeded != 1 {
		t.Fatalf("succeeded = %d, want 1", stats.Succeeded)
	}

	m, err := repo.GetByID(ctx, stuck.ID)
	if err != nil {
		t.Fatalf("load stuck: %v", err)
	}
	if m.Status != model.CallSessionStatusMissed {
		t.Fatalf("status = %s, want missed", m.Status)
	}
	if m.SessionsUsed != 0 {
		t.Fatalf("missed call charged %d units, want 0", m.SessionsUsed)
	}
	if m.FailureReason == "" {
		t.Fatalf("failure_reason empty")
	}
	if m.EndedAt == nil {
		t.Fatalf("ended_at not set")
	}
	if !notifier.has("call_missed") {
		t.Fatalf("missed-call notification missing")
	}

	f, err := repo.GetByID(ctx, fresh.ID)
	if err != nil {
		t.Fatalf("load fresh: %v", err)
	}
	if f.Status != model.CallSessionStatusPending {
		t.Fatalf("fresh call status = %s, want pending", f.Status)
	}
}
