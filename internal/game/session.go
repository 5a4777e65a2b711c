package game

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/quizwire/quizwire/internal/pack"
)

// Session is the single authority for one running game. Every mutation runs
// under one mutex, so player-originated requests are accepted or rejected
// atomically relative to the current phase: the phase check and the ledger's
// accept-once check are always evaluated as one step.
type Session struct {
	Code      string
	HostToken string
	CreatedAt time.Time
	Config    SessionConfig

	mu    sync.Mutex
	clock clockwork.Clock

	phase      Phase
	roundIx    int // -1 until the first round opens
	rounds     []*Round
	roster     *Roster
	ledger     *Ledger
	tracker    *Tracker
	packTitle  string
	revision   uint64
	phaseSeq   int // transition guard: a pending timer only fires if unchanged
	deadline   time.Time
	lastActive time.Time

	onChange func(Snapshot)
	cancel   context.CancelFunc
}

func newSession(code, hostToken string, cfg SessionConfig, pk *pack.Pack, clock clockwork.Clock, reconnectTimeout time.Duration) *Session {
	now := clock.Now().UTC()
	s := &Session{
		Code:       code,
		HostToken:  hostToken,
		CreatedAt:  now,
		Config:     cfg,
		clock:      clock,
		phase:      PhaseLobby,
		roundIx:    -1,
		roster:     newRoster(),
		ledger:     newLedger(),
		packTitle:  pk.Title,
		lastActive: now,
	}
	s.rounds = seedRounds(pk, cfg)
	s.tracker = newTracker(clock, reconnectTimeout, s.reportLink)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.tracker.Run(ctx)

	return s
}

func seedRounds(pk *pack.Pack, cfg SessionConfig) []*Round {
	questions := make([]pack.Question, len(pk.Questions))
	copy(questions, pk.Questions)
	if cfg.ShuffleRounds {
		rand.Shuffle(len(questions), func(i, j int) { questions[i], questions[j] = questions[j], questions[i] })
	}

	rounds := make([]*Round, len(questions))
	for i, q := range questions {
		choices := make([]string, len(q.Choices))
		copy(choices, q.Choices)
		correct := q.CorrectIx
		if cfg.ShuffleChoices && q.Type != pack.TypeBoolean {
			perm := rand.Perm(len(choices))
			shuffled := make([]string, len(choices))
			for from, to := range perm {
				shuffled[to] = choices[from]
				if from == q.CorrectIx {
					correct = to
				}
			}
			choices = shuffled
		}
		rounds[i] = &Round{Index: i, Prompt: q.Prompt, Choices: choices, CorrectIx: correct}
	}
	return rounds
}

// OnChange registers the broadcast hook. Set once, before the session is
// handed to any transport.
func (s *Session) OnChange(fn func(Snapshot)) {
	s.onChange = fn
}

// Close stops the session's background dispatcher.
func (s *Session) Close() {
	s.cancel()
}

func (s *Session) notify(snap Snapshot) {
	if s.onChange != nil {
		s.onChange(snap)
	}
}

// bumpLocked stamps a state mutation: every broadcastable change gets a new
// revision so receivers can discard stale snapshots.
func (s *Session) bumpLocked() {
	s.revision++
	s.lastActive = s.clock.Now()
}

// Join admits a participant. Allowed in the lobby and mid-game; a mid-round
// joiner is admitted as a non-scoring spectator until the next round
// boundary. Rejected once the session is over. Reclaiming an existing id
// requires its token.
func (s *Session) Join(nickname, requestedID, token string) (participantID, newToken string, err error) {
	s.mu.Lock()
	if s.phase == PhaseGameOver {
		s.mu.Unlock()
		return "", "", ErrSessionClosed
	}
	p, tok := s.roster.Admit(nickname, requestedID, token, s.clock.Now().UTC(), s.roundIx+1)
	s.bumpLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.tracker.Track(p.ID)
	s.notify(snap)
	return p.ID, tok, nil
}

// ParticipantIDByToken resolves a player token, or returns "".
func (s *Session) ParticipantIDByToken(token string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.roster.ByToken(token)
	if p == nil {
		return ""
	}
	return p.ID
}

// SetReady toggles lobby readiness. Readiness is advisory for the host UI;
// outside the lobby it is a phase error.
func (s *Session) SetReady(token string, ready bool) error {
	s.mu.Lock()
	p := s.roster.ByToken(token)
	if p == nil {
		s.mu.Unlock()
		return ErrUnknownParticipant
	}
	if s.phase != PhaseLobby {
		s.mu.Unlock()
		return ErrWrongPhase
	}
	if err := s.roster.SetReady(p.ID, ready); err != nil {
		s.mu.Unlock()
		return err
	}
	s.bumpLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
	return nil
}

// ReadyFraction reports lobby readiness for the host's start gate display.
func (s *Session) ReadyFraction() (ready, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roster.ReadyFraction()
}

// Start begins the game: lobby only, and only with at least one connected
// participant. Readiness is not required; demanding unanimity would deadlock
// against stragglers.
func (s *Session) Start(hostToken string) error {
	s.mu.Lock()
	if hostToken != s.HostToken {
		s.mu.Unlock()
		return ErrNotHost
	}
	if s.phase != PhaseLobby {
		s.mu.Unlock()
		return ErrWrongPhase
	}
	if s.roster.ConnectedCount() < 1 {
		s.mu.Unlock()
		return ErrStartNotPermitted
	}

	s.phase = PhaseCountdown
	s.phaseSeq++
	s.bumpLocked()
	s.scheduleLocked(countdownDuration(s.Config), s.phaseSeq, s.autoOpenFirst)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	log.Info().Str("code", s.Code).Msg("session started")
	s.notify(snap)
	return nil
}

func countdownDuration(cfg SessionConfig) time.Duration {
	secs := cfg.CountdownTime
	if secs <= 0 {
		secs = 3
	}
	return time.Duration(secs) * time.Second
}

func questionDuration(cfg SessionConfig) time.Duration {
	secs := cfg.QuestionTime
	if secs <= 0 {
		secs = 20
	}
	return time.Duration(secs) * time.Second
}

// scheduleLocked arms a one-shot timer that fires fn(seq). fn only acts if
// the session's phaseSeq still equals seq, so a transition that happened
// first always wins the race against its timer.
func (s *Session) scheduleLocked(d time.Duration, seq int, fn func(seq int)) {
	t := s.clock.NewTimer(d)
	go func() {
		<-t.Chan()
		fn(seq)
	}()
}

func (s *Session) autoOpenFirst(seq int) {
	s.mu.Lock()
	if s.phaseSeq != seq || s.phase != PhaseCountdown {
		s.mu.Unlock()
		return
	}
	s.openRoundLocked(0)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
}

// openRoundLocked opens the submission window for round ix and arms the
// deadline timer.
func (s *Session) openRoundLocked(ix int) {
	s.roundIx = ix
	s.phase = PhaseQuestionOpen
	s.phaseSeq++
	round := s.rounds[ix]
	round.OpenedAt = s.clock.Now().UTC()
	s.ledger.Open(ix, len(round.Choices))
	s.deadline = s.clock.Now().Add(questionDuration(s.Config))
	s.bumpLocked()
	s.scheduleLocked(questionDuration(s.Config), s.phaseSeq, s.autoLock)

	log.Info().Str("code", s.Code).Int("round", ix).Msg("question open")
}

// autoLock is the deadline side of the timer-vs-host race into
// QuestionLocked. Whichever fires first performs the transition; the loser
// finds phaseSeq changed and does nothing.
func (s *Session) autoLock(seq int) {
	s.mu.Lock()
	if s.phaseSeq != seq || s.phase != PhaseQuestionOpen {
		s.mu.Unlock()
		return
	}
	s.lockRoundLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	log.Info().Str("code", s.Code).Int("round", snap.RoundIndex).Msg("question locked by deadline")
	s.notify(snap)
}

func (s *Session) lockRoundLocked() {
	s.phase = PhaseQuestionLocked
	s.phaseSeq++
	now := s.clock.Now().UTC()
	s.rounds[s.roundIx].LockedAt = &now
	s.bumpLocked()
}

// Lock is the host side of the race. A lock arriving after the deadline has
// already fired is a no-op, not an error.
func (s *Session) Lock(hostToken string) error {
	s.mu.Lock()
	if hostToken != s.HostToken {
		s.mu.Unlock()
		return ErrNotHost
	}
	if s.phase == PhaseQuestionLocked {
		s.mu.Unlock()
		return nil
	}
	if s.phase != PhaseQuestionOpen {
		s.mu.Unlock()
		return ErrWrongPhase
	}
	s.lockRoundLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
	return nil
}

// Reveal finalizes the locked round's scoring and moves to Reveal. This is
// the single point where score deltas become visible. The ledger's scored
// flag makes a repeated reveal of the same round a no-op.
func (s *Session) Reveal(hostToken string) error {
	s.mu.Lock()
	if hostToken != s.HostToken {
		s.mu.Unlock()
		return ErrNotHost
	}
	if s.phase == PhaseReveal {
		s.mu.Unlock()
		return nil
	}
	if s.phase != PhaseQuestionLocked {
		s.mu.Unlock()
		return ErrWrongPhase
	}

	round := s.rounds[s.roundIx]
	deltas := s.ledger.Finalize(s.roundIx, round.CorrectIx, s.baseAwardLocked())
	for id, delta := range deltas {
		s.roster.ApplyScoreDelta(id, delta)
	}
	s.phase = PhaseReveal
	s.phaseSeq++
	s.bumpLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	log.Info().Str("code", s.Code).Int("round", snap.RoundIndex).Int("scored", len(deltas)).Msg("round revealed")
	s.notify(snap)
	return nil
}

func (s *Session) baseAwardLocked() int {
	if s.Config.BaseAward > 0 {
		return s.Config.BaseAward
	}
	return 100
}

// Advance moves past a revealed round: the next question if any remain,
// otherwise the final Results. A further advance from Results ends the game.
func (s *Session) Advance(hostToken string) error {
	s.mu.Lock()
	if hostToken != s.HostToken {
		s.mu.Unlock()
		return ErrNotHost
	}
	switch s.phase {
	case PhaseReveal:
		if s.roundIx+1 < len(s.rounds) {
			s.openRoundLocked(s.roundIx + 1)
		} else {
			s.phase = PhaseResults
			s.phaseSeq++
			s.bumpLocked()
		}
	case PhaseResults:
		s.phase = PhaseGameOver
		s.phaseSeq++
		s.bumpLocked()
	default:
		s.mu.Unlock()
		return ErrWrongPhase
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
	return nil
}

// End finishes early: standings as they are become the final Results. From
// Results it seals the session. A game-over session accepts nothing further.
func (s *Session) End(hostToken string) error {
	s.mu.Lock()
	if hostToken != s.HostToken {
		s.mu.Unlock()
		return ErrNotHost
	}
	switch s.phase {
	case PhaseGameOver:
		s.mu.Unlock()
		return ErrSessionClosed
	case PhaseResults:
		s.phase = PhaseGameOver
	default:
		s.phase = PhaseResults
	}
	s.phaseSeq++
	s.bumpLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	log.Info().Str("code", s.Code).Str("phase", string(snap.Phase)).Msg("session ended by host")
	s.notify(snap)
	return nil
}

// Submit records a participant's answer for the given round. All checks run
// atomically: phase, round match, eligibility, choice bounds, accept-once.
func (s *Session) Submit(token string, roundIx, choiceIx int) (*Submission, error) {
	s.mu.Lock()
	p := s.roster.ByToken(token)
	if p == nil {
		s.mu.Unlock()
		return nil, ErrUnknownParticipant
	}
	if s.phase != PhaseQuestionOpen || roundIx != s.roundIx {
		s.mu.Unlock()
		return nil, ErrWrongPhase
	}
	if p.eligibleFrom > roundIx {
		// joined after this round opened; spectating until the next one
		s.mu.Unlock()
		return nil, ErrWrongPhase
	}
	sub, err := s.ledger.Submit(roundIx, p.ID, choiceIx, s.clock.Now().UTC())
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.bumpLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
	return sub, nil
}

// Link state plumbing: the transport reports link events, the tracker's
// dispatcher calls reportLink with the resulting transitions.

func (s *Session) LinkEstablished(participantID string) { s.tracker.Established(participantID) }
func (s *Session) LinkDropped(participantID string)     { s.tracker.Dropped(participantID) }
func (s *Session) LinkProgress(participantID string)    { s.tracker.Progress(participantID) }

func (s *Session) reportLink(participantID string, state LinkState) {
	s.mu.Lock()
	p := s.roster.ByID(participantID)
	if p == nil || p.Link == state {
		s.mu.Unlock()
		return
	}
	p.Link = state
	s.bumpLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	log.Debug().Str("code", s.Code).Str("participantId", participantID).Str("link", string(state)).Msg("link transition")
	s.notify(snap)
}

func (s *Session) GetPhase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Leaderboard projects the current ranking. Always derived fresh.
func (s *Session) Leaderboard() []LeaderboardEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Project(s.roster.Participants())
}

// Snapshot returns the current broadcastable state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	ready, _ := s.roster.ReadyFraction()
	snap := Snapshot{
		SessionCode:  s.Code,
		Phase:        s.phase,
		RoundIndex:   s.roundIx,
		Revision:     s.revision,
		Participants: s.roster.Views(),
		ReadyCount:   ready,
		PackTitle:    s.packTitle,
	}

	if s.roundIx >= 0 && s.phase != PhaseResults && s.phase != PhaseGameOver {
		round := s.rounds[s.roundIx]
		view := &RoundView{
			Index:   round.Index,
			Total:   len(s.rounds),
			Prompt:  round.Prompt,
			Choices: round.Choices,
		}
		if s.phase == PhaseQuestionOpen {
			view.Deadline = s.deadline.UnixMilli()
		}
		if s.phase == PhaseReveal {
			ix := round.CorrectIx
			view.CorrectIx = &ix
		}
		snap.Round = view
		snap.Tally = s.ledger.Tally(s.roundIx)
	}

	final := s.phase == PhaseResults || s.phase == PhaseGameOver
	if final || (s.phase == PhaseReveal && !s.Config.HideLeaderboard) {
		snap.Leaderboard = Project(s.roster.Participants())
	}
	return snap
}
