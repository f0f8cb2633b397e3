package diag

import (
	"context"
	"testing"
	"time"
)

func TestPublishFansOutExactAndWildcard(t *testing.T) {
	bus := NewBus()
	var exact, wild []Envelope
	bus.Subscribe("step.submit", func(e Envelope) { exact = append(exact, e) })
	bus.Subscribe(Wildcard, func(e Envelope) { wild = append(wild, e) })

	bus.Publish("step.submit", "wizard", "submit_step", map[string]any{"session_id": "abc"})
	bus.Publish("plan.compute", "wizard", "compute_plan", nil)

	if len(exact) != 1 {
		t.Fatalf("exact got %d events, want 1", len(exact))
	}
	if len(wild) != 2 {
		t.Fatalf("wildcard got %d events, want 2", len(wild))
	}
	if exact[0].Data["session_id"] != "abc" {
		t.Fatalf("session_id not carried: %v", exact[0].Data)
	}
}

func TestPublishSurvivesPanickingSubscriber(t *testing.T) {
	bus := NewBus()
	bus.Subscribe(Wildcard, func(Envelope) { panic("subscriber bug") })
	var got int
	bus.Subscribe("x", func(Envelope) { got++ })

	bus.Publish("x", "test", "", nil)
	if got != 1 {
		t.Fatalf("healthy subscriber not reached: %d", got)
	}
}

func TestEnvelopeTimestampSecondsUTC(t *testing.T) {
	bus := NewBus()
	bus.now = func() time.Time {
		return time.Date(2024, 3, 9, 12, 30, 45, 999_000_000, time.FixedZone("X", 3600))
	}
	var env Envelope
	bus.Subscribe("t", func(e Envelope) { env = e })
	bus.Publish("t", "test", "", nil)
	if env.Timestamp != "2024-03-09T11:30:45Z" {
		t.Fatalf("timestamp %q", env.Timestamp)
	}
}

func TestRequiredContextLifting(t *testing.T) {
	bus := NewBus()
	var env Envelope
	bus.Subscribe("t", func(e Envelope) { env = e })
	bus.Publish("t", "test", "", map[string]any{
		"context": map[string]any{"job_id": "j1", "session_id": "s1"},
		"other":   true,
	})
	if env.Data["job_id"] != "j1" || env.Data["session_id"] != "s1" {
		t.Fatalf("context ids not lifted: %v", env.Data)
	}
}

func TestStreamSnapshotAndWait(t *testing.T) {
	s := NewStream()
	defer s.Close()
	bus := NewBus()
	s.Attach(bus)

	bus.Publish("a", "test", "", nil)
	bus.Publish("b", "test", "", nil)

	events, seq := s.Snapshot()
	if len(events) != 2 || events[0].Event != "a" || events[1].Event != "b" {
		t.Fatalf("snapshot %v", events)
	}

	done := make(chan []Envelope, 1)
	go func() {
		got, _ := s.WaitAfter(context.Background(), seq)
		done <- got
	}()
	time.Sleep(10 * time.Millisecond)
	bus.Publish("c", "test", "", nil)

	select {
	case got := <-done:
		if len(got) != 1 || got[0].Event != "c" {
			t.Fatalf("WaitAfter got %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitAfter did not wake")
	}
}

func TestStreamWaitHonorsContext(t *testing.T) {
	s := NewStream()
	defer s.Close()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.WaitAfter(ctx, 0)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("WaitAfter did not observe cancellation")
	}
}

func TestStreamRingEviction(t *testing.T) {
	s := NewStream()
	defer s.Close()
	for i := 0; i < ringSize+10; i++ {
		s.Append(Envelope{Event: "e"})
	}
	events, _ := s.Snapshot()
	if len(events) != ringSize {
		t.Fatalf("retained %d, want %d", len(events), ringSize)
	}
}
