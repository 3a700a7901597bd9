package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/bridgectl/internal/notify"
)

func TestSQLiteSink_Integration(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")

	sink, err := New("sqlite://" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	events := []notify.Event{
		{ID: "1", Type: notify.TypeStateTransition, ConfigID: "cfg1", From: "running", To: "stopping", Reason: "stop requested", Timestamp: time.Now()},
		{ID: "2", Type: notify.TypeStateTransition, ConfigID: "cfg1", From: "stopping", To: "verifying", Timestamp: time.Now()},
		{ID: "3", Type: notify.TypeVerificationFailed, ConfigID: "cfg1", Error: "still running", Attempt: 3},
		{ID: "4", Type: notify.TypeAutoDiscovered, ConfigID: "cfg2"},
	}
	for _, e := range events {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("Failed to send %s: %v", e.Type, err)
		}
	}

	if n, err := sink.Count(ctx, "cfg1"); err != nil || n != 3 {
		t.Fatalf("Expected 3 events for cfg1, got %d (%v)", n, err)
	}
	if n, err := sink.Count(ctx, ""); err != nil || n != 4 {
		t.Fatalf("Expected 4 events, got %d (%v)", n, err)
	}

	var attempt int
	var reason string
	row := sink.db.QueryRowContext(ctx, `SELECT attempt, error FROM bridge_history WHERE event_id = '3'`)
	if err := row.Scan(&attempt, &reason); err != nil {
		t.Fatalf("Failed to read row: %v", err)
	}
	if attempt != 3 || reason != "still running" {
		t.Fatalf("Unexpected row: attempt=%d error=%q", attempt, reason)
	}
}

func TestSQLiteSink_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		sink, err := New(dbPath)
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		if err := sink.Send(ctx, notify.Event{ID: "x", Type: notify.TypeDriftDetected, ConfigID: "cfg1"}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		_ = sink.Close()
	}
	sink, err := New(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = sink.Close() }()
	if n, _ := sink.Count(ctx, "cfg1"); n != 2 {
		t.Fatalf("Expected rows to survive reopen, got %d", n)
	}
}

func TestSQLiteSink_Errors(t *testing.T) {
	if _, err := New("   "); err == nil {
		t.Fatal("Expected error for empty DSN")
	}
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("memory sink: %v", err)
	}
	_ = sink.Close()
	if err := sink.Send(context.Background(), notify.Event{ConfigID: "cfg1"}); err == nil {
		t.Fatal("Expected error sending on closed sink")
	}
}
