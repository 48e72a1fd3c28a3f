package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCircuitOpensAtThreshold(t *testing.T) {
	s := New([]string{"b1"}, Config{FailureThreshold: 3, Cooldown: 30 * time.Second}, nil)
	base := time.Unix(1000, 0)
	s.now = func() time.Time { return base }

	s.RecordFailure("b1", "status 503")
	s.RecordFailure("b1", "status 503")
	if s.CircuitOpen("b1") {
		t.Fatal("circuit open before threshold")
	}
	s.RecordFailure("b1", "status 503")
	if !s.CircuitOpen("b1") {
		t.Fatal("circuit closed at threshold")
	}

	// Cooldown elapses — the circuit admits traffic again.
	s.now = func() time.Time { return base.Add(31 * time.Second) }
	if s.CircuitOpen("b1") {
		t.Fatal("circuit still open after cooldown")
	}
}

func TestSuccessResetsFailures(t *testing.T) {
	s := New([]string{"b1"}, Config{}, nil)

	s.RecordFailure("b1", "network")
	s.RecordFailure("b1", "network")
	s.RecordSuccess("b1")

	snap := s.Snapshot()["b1"]
	if snap.ConsecutiveFailures != 0 {
		t.Fatalf("consecutive_failures = %d after success, want 0", snap.ConsecutiveFailures)
	}

	// The counter starts over, so two more failures stay under threshold 3.
	s.RecordFailure("b1", "network")
	s.RecordFailure("b1", "network")
	if s.CircuitOpen("b1") {
		t.Fatal("circuit opened despite reset")
	}
}

func TestProbeVerdictFiltersBackend(t *testing.T) {
	s := New([]string{"b1", "b2"}, Config{}, nil)

	probe := func(_ context.Context, baseURL string) error {
		if baseURL == "http://bad" {
			return errors.New("connection refused")
		}
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.startProberWith(ctx, map[string]string{
		"b1": "http://good",
		"b2": "http://bad",
	}, ProbeConfig{Enabled: true, Interval: time.Hour, Timeout: time.Second}, probe)
	defer s.Close()

	if !s.Available("b1") {
		t.Fatal("healthy backend filtered")
	}
	if s.Available("b2") {
		t.Fatal("unhealthy backend not filtered")
	}

	snap := s.Snapshot()["b2"]
	if snap.ProbeHealthy == nil || *snap.ProbeHealthy {
		t.Fatalf("probe verdict = %+v, want unhealthy", snap.ProbeHealthy)
	}
	if snap.LastError == "" {
		t.Fatal("last_error not recorded")
	}
}

func TestResetClearsEverything(t *testing.T) {
	s := New([]string{"b1"}, Config{FailureThreshold: 1}, nil)
	s.RecordFailure("b1", "status 500")
	if !s.CircuitOpen("b1") {
		t.Fatal("circuit should be open")
	}

	s.Reset("b1")
	if s.CircuitOpen("b1") {
		t.Fatal("circuit open after reset")
	}
	snap := s.Snapshot()["b1"]
	if snap.ConsecutiveFailures != 0 || snap.LastError != "" || snap.ProbeHealthy != nil {
		t.Fatalf("snapshot after reset = %+v", snap)
	}
}

func TestUnknownBackendTracked(t *testing.T) {
	s := New(nil, Config{}, nil)
	if !s.Available("later") {
		t.Fatal("unknown backend should start available")
	}
	s.RecordFailure("later", "network")
	snap := s.Snapshot()["later"]
	if snap.ConsecutiveFailures != 1 {
		t.Fatalf("late-registered backend not tracked: %+v", snap)
	}
}
