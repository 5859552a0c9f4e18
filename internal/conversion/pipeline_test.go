package conversion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/docavailable/session-engine/internal/billing"
	"github.com/docavailable/session-engine/internal/clock"
	"github.com/docavailable/session-engine/internal/metrics"
	"github.com/docavailable/session-engine/internal/model"
	"github.com/docavailable/session-engine/internal/repository"
	"github.com/docavailable/session-engine/internal/session"
)

var testBaseTime = time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	// Minimal schema for the conversion logic (sqlite-friendly).
	schema := []string{
		`CREATE TABLE appointments (
			id TEXT PRIMARY KEY,
			patient_id TEXT NOT NULL,
			provider_id TEXT NOT NULL,
			status TEXT NOT NULL,
			appointment_type TEXT NOT NULL,
			appointment_datetime_utc DATETIME NOT NULL,
			session_id TEXT,
			call_unlocked_at DATETIME,
			reason TEXT,
			created_at DATETIME,
			updated_at DATETIME
		);`,
		`CREATE TABLE text_sessions (
			id TEXT PRIMARY KEY,
			patient_id TEXT NOT NULL,
			provider_id TEXT NOT NULL,
			appointment_id TEXT,
			status TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			activated_at DATETIME,
			ended_at DATETIME,
			last_activity_at DATETIME,
			provider_response_deadline DATETIME,
			sessions_used INTEGER NOT NULL DEFAULT 0,
			auto_deductions_processed INTEGER NOT NULL DEFAULT 0,
			sessions_remaining_before_start INTEGER NOT NULL DEFAULT 0,
			reason TEXT,
			chat_id TEXT,
			created_at DATETIME,
			updated_at DATETIME
		);`,
	}
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

type fakeLedger struct {
	mu       sync.Mutex
	balances map[uuid.UUID]int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{balances: make(map[uuid.UUID]int)}
}

func (l *fakeLedger) DeductPatientCredits(_ context.Context, patientID uuid.UUID, units int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[patientID] < units {
		return billing.ErrInsufficientCredits
	}
	l.balances[patientID] -= units
	return nil
}

func (l *fakeLedger) CreditProviderEarnings(_ context.Context, _ uuid.UUID, _ int, _ int64) error {
	return nil
}

func (l *fakeLedger) PatientCreditBalance(_ context.Context, patientID uuid.UUID) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[patientID], nil
}

type fakeChat struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (c *fakeChat) CreateRoom(_ context.Context, sessionID, _, _ uuid.UUID) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.fail {
		return "", errors.New("chat service unavailable")
	}
	return "room-" + sessionID.String(), nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *fakeNotifier) Notify(_ context.Context, _ uuid.UUID, event string, _ map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

type fixture struct {
	db       *gorm.DB
	pipeline *Pipeline
	appts    repository.AppointmentRepository
	sessions repository.TextSessionRepository
	ledger   *fakeLedger
	chat     *fakeChat
	notifier *fakeNotifier
	clk      *clock.Manual
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testDB(t)
	ledger := newFakeLedger()
	chat := &fakeChat{}
	notifier := &fakeNotifier{}
	clk := clock.NewManual(testBaseTime)
	rec, err := metrics.NewRecorder(otel.Meter("conversion-test"), nil, nil)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	creator := session.NewCreator(ledger, clk, zerolog.Nop())
	return &fixture{
		db:       db,
		pipeline: NewPipeline(db, creator, chat, notifier, rec, clk, zerolog.Nop()),
		appts:    repository.NewGormAppointmentRepository(db),
		sessions: repository.NewGormTextSessionRepository(db),
		ledger:   ledger,
		chat:     chat,
		notifier: notifier,
		clk:      clk,
	}
}

func (f *fixture) seedAppointment(t *testing.T, typ model.AppointmentType, scheduled time.Time) *model.Appointment {
	t.Helper()
	a := &model.Appointment{
		ID:                     uuid.New(),
		PatientID:              uuid.New(),
		ProviderID:             uuid.New(),
		Status:                 model.AppointmentStatusConfirmed,
		AppointmentType:        typ,
		AppointmentDatetimeUTC: scheduled,
		Reason:                 "scheduled consultation",
	}
	if err := f.appts.Create(context.Background(), a); err != nil {
		t.Fatalf("seed appointment: %v", err)
	}
	f.ledger.balances[a.PatientID] = 3
	return a
}

func TestPipeline_ConvertDue_TextAppointment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.seedAppointment(t, model.AppointmentTypeText, testBaseTime.Add(-5*time.Minute))

	sum, err := f.pipeline.ConvertDue(ctx, 24*time.Hour, 50)
	if err != nil {
		t.Fatalf("convert due: %v", err)
	}
	if sum.Created != 1 || sum.Failed != 0 {
		t.Fatalf("summary = %+v, want 1 created", sum)
	}

	cur, err := f.appts.GetByID(ctx, a.ID)
	if err != nil {
		t.Fatalf("load appointment: %v", err)
	}
	if cur.SessionID == nil {
		t.Fatalf("session_id not bound")
	}

	sess, err := f.sessions.GetByID(ctx, *cur.SessionID)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if sess.Status != model.TextSessionStatusWaitingForProvider {
		t.Fatalf("session status = %s, want waiting_for_provider", sess.Status)
	}
	if sess.SessionsRemainingBeforeStart != 3 {
		t.Fatalf("credit snapshot = %d, want 3", sess.SessionsRemainingBeforeStart)
	}
	if sess.AppointmentID == nil || *sess.AppointmentID != a.ID {
		t.Fatalf("session not linked to appointment")
	}
	if sess.ChatID == nil {
		t.Fatalf("chat_id not set after provisioning")
	}

	// A second run sees nothing due and creates nothing new.
	sum, err = f.pipeline.ConvertDue(ctx, 24*time.Hour, 50)
	if err != nil {
		t.Fatalf("second convert: %v", err)
	}
	if sum.Due != 0 || sum.Created != 0 {
		t.Fatalf("second run summary = %+v, want empty", sum)
	}
	var count int64
	if err := f.db.Model(&model.TextSession{}).Count(&count).Error; err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	if count != 1 {
		t.Fatalf("sessions = %d, want 1", count)
	}
}

func TestPipeline_ConvertDue_CallAppointmentOnlyUnlocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.seedAppointment(t, model.AppointmentTypeAudio, testBaseTime.Add(-time.Minute))

	sum, err := f.pipeline.ConvertDue(ctx, 24*time.Hour, 50)
	if err != nil {
		t.Fatalf("convert due: %v", err)
	}
	if sum.Unlocked != 1 || sum.Created != 0 {
		t.Fatalf("summary = %+v, want 1 unlocked", sum)
	}

	cur, err := f.appts.GetByID(ctx, a.ID)
	if err != nil {
		t.Fatalf("load appointment: %v", err)
	}
	if cur.CallUnlockedAt == nil {
		t.Fatalf("call_unlocked_at not set")
	}
	if cur.SessionID != nil {
		t.Fatalf("call appointment must not get a session from the background path")
	}
	var count int64
	if err := f.db.Model(&model.TextSession{}).Count(&count).Error; err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	if count != 0 {
		t.Fatalf("sessions = %d, want 0", count)
	}

	// Unlocked appointments drop out of the due list.
	sum, err = f.pipeline.ConvertDue(ctx, 24*time.Hour, 50)
	if err != nil {
		t.Fatalf("second convert: %v", err)
	}
	if sum.Due != 0 {
		t.Fatalf("second run due = %d, want 0", sum.Due)
	}
}

func TestPipeline_Recover_DryRunByDefault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	text := f.seedAppointment(t, model.AppointmentTypeText, testBaseTime.Add(-2*time.Hour))
	call := f.seedAppointment(t, model.AppointmentTypeVideo, testBaseTime.Add(-3*time.Hour))

	sum, err := f.pipeline.Recover(ctx, "24h", 50, false)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if !sum.DryRun {
		t.Fatalf("dry_run flag not set")
	}
	if sum.Created != 1 || sum.Unlocked != 1 {
		t.Fatalf("summary = %+v, want 1 created / 1 unlocked", sum)
	}

	// Nothing may be written in a dry run.
	for _, id := range []uuid.UUID{text.ID, call.ID} {
		cur, err := f.appts.GetByID(ctx, id)
		if err != nil {
			t.Fatalf("load appointment: %v", err)
		}
		if cur.SessionID != nil || cur.CallUnlockedAt != nil {
			t.Fatalf("dry run mutated appointment %s", id)
		}
	}
	var count int64
	if err := f.db.Model(&model.TextSession{}).Count(&count).Error; err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	if count != 0 {
		t.Fatalf("dry run created %d sessions", count)
	}
	if f.chat.calls != 0 {
		t.Fatalf("dry run provisioned chat rooms")
	}

	// Same call with execute applies both conversions.
	sum, err = f.pipeline.Recover(ctx, "24h", 50, true)
	if err != nil {
		t.Fatalf("recover execute: %v", err)
	}
	if sum.DryRun || sum.Created != 1 || sum.Unlocked != 1 {
		t.Fatalf("execute summary = %+v", sum)
	}
}

func TestPipeline_Recover_RespectsLookback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedAppointment(t, model.AppointmentTypeText, testBaseTime.Add(-48*time.Hour))

	sum, err := f.pipeline.Recover(ctx, "24h", 50, false)
	if err != nil {
		t.Fatalf("recover 24h: %v", err)
	}
	if sum.Due != 0 {
		t.Fatalf("24h lookback picked up a 48h-old appointment")
	}

	sum, err = f.pipeline.Recover(ctx, "all", 50, false)
	if err != nil {
		t.Fatalf("recover all: %v", err)
	}
	if sum.Due != 1 {
		t.Fatalf("unbounded lookback due = %d, want 1", sum.Due)
	}

	if _, err := f.pipeline.Recover(ctx, "yesterday", 50, false); err == nil {
		t.Fatalf("invalid lookback accepted")
	}
}

func TestPipeline_FailureDoesNotBlockBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	broke := f.seedAppointment(t, model.AppointmentTypeText, testBaseTime.Add(-10*time.Minute))
	f.ledger.balances[broke.PatientID] = 0
	good := f.seedAppointment(t, model.AppointmentTypeText, testBaseTime.Add(-5*time.Minute))

	sum, err := f.pipeline.ConvertDue(ctx, 24*time.Hour, 50)
	if err != nil {
		t.Fatalf("convert due: %v", err)
	}
	if sum.Created != 1 || sum.Failed != 1 {
		t.Fatalf("summary = %+v, want 1 created / 1 failed", sum)
	}

	var failedReason string
	for _, act := range sum.Actions {
		if act.Result == ResultFailed {
			failedReason = act.Reason
		}
	}
	if failedReason != FailureValidation {
		t.Fatalf("failure reason = %q, want %q", failedReason, FailureValidation)
	}

	cur, err := f.appts.GetByID(ctx, good.ID)
	if err != nil {
		t.Fatalf("load good appointment: %v", err)
	}
	if cur.SessionID == nil {
		t.Fatalf("healthy appointment not converted")
	}

	// The failed appointment stays untouched for the next run.
	b, err := f.appts.GetByID(ctx, broke.ID)
	if err != nil {
		t.Fatalf("load broke appointment: %v", err)
	}
	if b.SessionID != nil {
		t.Fatalf("failed appointment got a session")
	}
}

func TestPipeline_ChatRoomFailureIsNonFatal(t *testing.T) {
	f := newFixture(t)
	f.chat.fail = true
	ctx := context.Background()
	a := f.seedAppointment(t, model.AppointmentTypeText, testBaseTime.Add(-time.Minute))

	sum, err := f.pipeline.ConvertDue(ctx, 24*time.Hour, 50)
	if err != nil {
		t.Fatalf("convert due: %v", err)
	}
	if sum.Created != 1 {
		t.Fatalf("summary = %+v, want 1 created", sum)
	}
	if f.chat.calls != 3 {
		t.Fatalf("chat attempts = %d, want 3", f.chat.calls)
	}

	cur, err := f.appts.GetByID(ctx, a.ID)
	if err != nil {
		t.Fatalf("load appointment: %v", err)
	}
	if cur.SessionID == nil {
		t.Fatalf("session_id not bound")
	}
	sess, err := f.sessions.GetByID(ctx, *cur.SessionID)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if sess.ChatID != nil {
		t.Fatalf("chat_id set despite provisioning failure")
	}
}

func TestClassifyFailure(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{session.ErrMissingParticipant, FailureMissingParticipant},
		{fmt.Errorf("create: %w", session.ErrConflictingSession), FailureConflictingSession},
		{session.ErrNoCredits, FailureValidation},
		{gorm.ErrRecordNotFound, FailurePersistence},
		{errors.New("boom"), FailureUnknown},
	}
	for _, tc := range cases {
		if got := ClassifyFailure(tc.err); got != tc.want {
			t.Fatalf("ClassifyFailure(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
