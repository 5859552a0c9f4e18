package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/docavailable/session-engine/internal/billing"
	"github.com/docavailable/session-engine/internal/metrics"
)

// Shared test fixtures for the session package.

func testDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	// Minimal schema for the state-machine logic (sqlite-friendly).
	schema := []string{
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
		`CREATE TABLE call_sessions (
			id TEXT PRIMARY KEY,
			patient_id TEXT NOT NULL,
			provider_id TEXT NOT NULL,
			appointment_id TEXT,
			call_type TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			answered_at DATETIME,
			connected_at DATETIME,
			ended_at DATETIME,
			is_connected BOOLEAN NOT NULL DEFAULT 0,
			call_duration INTEGER NOT NULL DEFAULT 0,
			sessions_used INTEGER NOT NULL DEFAULT 0,
			failure_reason TEXT,
			metadata TEXT,
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

func testRecorder(t *testing.T) *metrics.Recorder {
	t.Helper()
	rec, err := metrics.NewRecorder(otel.Meter("session-test"), nil, nil)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	return rec
}

// fakeLedger keeps balances in memory and records every movement.
type fakeLedger struct {
	mu        sync.Mutex
	balances  map[uuid.UUID]int
	earned    map[uuid.UUID]int
	deducted  int
	deductErr error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		balances: make(map[uuid.UUID]int),
		earned:   make(map[uuid.UUID]int),
	}
}

func (l *fakeLedger) DeductPatientCredits(_ context.Context, patientID uuid.UUID, units int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.deductErr != nil {
		return l.deductErr
	}
	if l.balances[patientID] < units {
		return billing.ErrInsufficientCredits
	}
	l.balances[patientID] -= units
	l.deducted += units
	return nil
}

func (l *fakeLedger) CreditProviderEarnings(_ context.Context, providerID uuid.UUID, units int, _ int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.earned[providerID] += units
	return nil
}

func (l *fakeLedger) PatientCreditBalance(_ context.Context, patientID uuid.UUID) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[patientID], nil
}

// fakeNotifier records delivered events.
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

func (n *fakeNotifier) has(event string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, e := range n.events {
		if e == event {
			return true
		}
	}
	return false
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

var testBaseTime = time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
