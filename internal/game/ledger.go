package game

import (
	"time"
)

// Ledger records submissions per round. Like the roster it is guarded by the
// owning session's mutex; the phase check and the accept-once check are
// evaluated together under that lock, so no two submissions for the same
// (participant, round) can both succeed.
type Ledger struct {
	rounds map[int]*roundLedger
}

type roundLedger struct {
	submissions map[string]*Submission // participantID -> submission
	tally       []int                  // per-choice running count
	scored      bool
}

func newLedger() *Ledger {
	return &Ledger{rounds: make(map[int]*roundLedger)}
}

// Open prepares the ledger for a round's submission window.
func (l *Ledger) Open(roundIx, choiceCount int) {
	if l.rounds[roundIx] != nil {
		return
	}
	l.rounds[roundIx] = &roundLedger{
		submissions: make(map[string]*Submission),
		tally:       make([]int, choiceCount),
	}
}

// Submit records an accept-once submission. A second attempt for the same
// (participant, round) fails with ErrAlreadySubmitted and leaves the first
// record untouched.
func (l *Ledger) Submit(roundIx int, participantID string, choiceIx int, now time.Time) (*Submission, error) {
	rl := l.rounds[roundIx]
	if rl == nil {
		return nil, ErrWrongPhase
	}
	if choiceIx < 0 || choiceIx >= len(rl.tally) {
		return nil, ErrInvalidChoice
	}
	if _, exists := rl.submissions[participantID]; exists {
		return nil, ErrAlreadySubmitted
	}
	sub := &Submission{
		ParticipantID: participantID,
		RoundIndex:    roundIx,
		ChoiceIx:      choiceIx,
		SubmittedAt:   now,
	}
	rl.submissions[participantID] = sub
	rl.tally[choiceIx]++
	return sub, nil
}

// Tally returns the live per-choice counts for a round. Observers see
// running vote counts, never who chose what.
func (l *Ledger) Tally(roundIx int) []int {
	rl := l.rounds[roundIx]
	if rl == nil {
		return nil
	}
	out := make([]int, len(rl.tally))
	copy(out, rl.tally)
	return out
}

func (l *Ledger) SubmissionCount(roundIx int) int {
	rl := l.rounds[roundIx]
	if rl == nil {
		return 0
	}
	return len(rl.submissions)
}

// Submission returns the recorded submission for (participant, round), or nil.
func (l *Ledger) Submission(roundIx int, participantID string) *Submission {
	rl := l.rounds[roundIx]
	if rl == nil {
		return nil
	}
	return rl.submissions[participantID]
}

// Finalize computes the score deltas for a round: a fixed base award per
// correct submission, nothing deducted for wrong or missing answers. The
// scored flag makes re-entering reveal idempotent; the second call returns
// no deltas.
func (l *Ledger) Finalize(roundIx, correctIx, baseAward int) map[string]int {
	rl := l.rounds[roundIx]
	if rl == nil || rl.scored {
		return nil
	}
	rl.scored = true

	deltas := make(map[string]int, len(rl.submissions))
	for id, sub := range rl.submissions {
		if sub.ChoiceIx == correctIx {
			deltas[id] = baseAward
		}
	}
	return deltas
}

// Scored reports whether a round's deltas have already been applied.
func (l *Ledger) Scored(roundIx int) bool {
	rl := l.rounds[roundIx]
	return rl != nil && rl.scored
}
