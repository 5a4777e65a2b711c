package game

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

type linkReport struct {
	participantID string
	state         LinkState
}

func startTracker(t *testing.T, timeout time.Duration) (*Tracker, *clockwork.FakeClock, chan linkReport) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	reports := make(chan linkReport, 16)
	tr := newTracker(clock, timeout, func(id string, state LinkState) {
		reports <- linkReport{id, state}
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go tr.Run(ctx)
	return tr, clock, reports
}

func expectReport(t *testing.T, reports chan linkReport, id string, state LinkState) {
	t.Helper()
	select {
	case r := <-reports:
		if r.participantID != id || r.state != state {
			t.Fatalf("expected %s -> %s, got %s -> %s", id, state, r.participantID, r.state)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s -> %s", id, state)
	}
}

func TestTrackerLifecycle(t *testing.T) {
	tr, _, reports := startTracker(t, 30*time.Second)

	tr.Track("p1")
	expectReport(t, reports, "p1", LinkSignaling)

	tr.Established("p1")
	expectReport(t, reports, "p1", LinkLive)

	tr.Dropped("p1")
	expectReport(t, reports, "p1", LinkSignaling)

	tr.Established("p1")
	expectReport(t, reports, "p1", LinkLive)
}

func TestTrackerSweepMarksLost(t *testing.T) {
	tr, clock, reports := startTracker(t, 30*time.Second)

	tr.Track("p1")
	expectReport(t, reports, "p1", LinkSignaling)

	clock.Advance(31 * time.Second)
	expectReport(t, reports, "p1", LinkLost)

	// Signaling progress brings a lost link back.
	tr.Progress("p1")
	expectReport(t, reports, "p1", LinkSignaling)

	tr.Established("p1")
	expectReport(t, reports, "p1", LinkLive)
}

func TestTrackerProgressDefersTimeout(t *testing.T) {
	tr, clock, reports := startTracker(t, 30*time.Second)

	tr.Track("p1")
	expectReport(t, reports, "p1", LinkSignaling)

	// Keep making progress across two would-be timeouts.
	for i := 0; i < 4; i++ {
		clock.Advance(15 * time.Second)
		tr.Progress("p1")
		// Give the dispatcher time to process the tick and the event.
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case r := <-reports:
		t.Fatalf("unexpected transition %s -> %s", r.participantID, r.state)
	default:
	}
}

func TestTrackerIgnoresUnknownAndStaleEvents(t *testing.T) {
	tr, _, reports := startTracker(t, 30*time.Second)

	tr.Progress("ghost")
	tr.Established("ghost")
	tr.Dropped("ghost")

	tr.Track("p1")
	expectReport(t, reports, "p1", LinkSignaling)

	// Dropped only applies to live links.
	tr.Dropped("p1")
	// Tracking twice is idempotent.
	tr.Track("p1")

	tr.Established("p1")
	expectReport(t, reports, "p1", LinkLive)

	select {
	case r := <-reports:
		t.Fatalf("unexpected transition %s -> %s", r.participantID, r.state)
	default:
	}
}
