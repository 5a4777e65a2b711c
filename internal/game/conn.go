package game

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

type linkEventKind int

const (
	linkTrack linkEventKind = iota
	linkProgress
	linkEstablished
	linkDropped
)

type linkEvent struct {
	participantID string
	kind          linkEventKind
}

type linkInfo struct {
	state        LinkState
	lastProgress time.Time
}

// Tracker is the per-session connection state machine: Signaling -> Live ->
// Lost, with Lost -> Signaling on a reconnect attempt. It holds no game
// semantics; transitions are reported through the report callback, which the
// owning session uses to update its roster and broadcast.
//
// All state lives behind a bounded event queue consumed by a single
// dispatcher goroutine, so transitions are applied in arrival order without
// further locking.
type Tracker struct {
	clock   clockwork.Clock
	timeout time.Duration
	events  chan linkEvent
	report  func(participantID string, state LinkState)

	links map[string]*linkInfo
}

func newTracker(clock clockwork.Clock, timeout time.Duration, report func(string, LinkState)) *Tracker {
	return &Tracker{
		clock:   clock,
		timeout: timeout,
		events:  make(chan linkEvent, 256),
		report:  report,
		links:   make(map[string]*linkInfo),
	}
}

// Track starts following a participant's link in the Signaling state.
func (t *Tracker) Track(participantID string) { t.send(linkEvent{participantID, linkTrack}) }

// Progress records opaque link-establishment progress (e.g. a signaling
// message relayed). A Lost link re-enters Signaling.
func (t *Tracker) Progress(participantID string) { t.send(linkEvent{participantID, linkProgress}) }

// Established moves a link to Live.
func (t *Tracker) Established(participantID string) { t.send(linkEvent{participantID, linkEstablished}) }

// Dropped marks a live link as re-establishing. The link only becomes Lost
// once the reconnect window elapses with no progress.
func (t *Tracker) Dropped(participantID string) { t.send(linkEvent{participantID, linkDropped}) }

func (t *Tracker) send(ev linkEvent) {
	select {
	case t.events <- ev:
	default:
		// Queue full; drop rather than block a transport goroutine. The
		// periodic sweep corrects any missed timeout transitions.
		log.Warn().Str("participantId", ev.participantID).Msg("link event queue full, dropping event")
	}
}

// Run consumes link events until ctx is cancelled. It must be the only
// goroutine touching t.links.
func (t *Tracker) Run(ctx context.Context) {
	ticker := t.clock.NewTicker(t.timeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-t.events:
			t.handle(ev)
		case <-ticker.Chan():
			t.sweep()
		}
	}
}

func (t *Tracker) handle(ev linkEvent) {
	now := t.clock.Now()
	li := t.links[ev.participantID]

	switch ev.kind {
	case linkTrack:
		if li != nil {
			return
		}
		t.links[ev.participantID] = &linkInfo{state: LinkSignaling, lastProgress: now}
		t.report(ev.participantID, LinkSignaling)

	case linkProgress:
		if li == nil {
			return
		}
		li.lastProgress = now
		if li.state == LinkLost {
			li.state = LinkSignaling
			t.report(ev.participantID, LinkSignaling)
		}

	case linkEstablished:
		if li == nil {
			return
		}
		li.lastProgress = now
		if li.state != LinkLive {
			li.state = LinkLive
			t.report(ev.participantID, LinkLive)
		}

	case linkDropped:
		if li == nil || li.state != LinkLive {
			return
		}
		li.state = LinkSignaling
		li.lastProgress = now
		t.report(ev.participantID, LinkSignaling)
	}
}

// sweep marks links stuck in Signaling past the timeout as Lost. Lost links
// are kept; the participant and their score history survive (reconnects
// re-present the same id).
func (t *Tracker) sweep() {
	cutoff := t.clock.Now().Add(-t.timeout)
	for id, li := range t.links {
		if li.state == LinkSignaling && li.lastProgress.Before(cutoff) {
			li.state = LinkLost
			t.report(id, LinkLost)
		}
	}
}
