package game

import (
	"time"
)

type Phase string

const (
	PhaseLobby          Phase = "Lobby"
	PhaseCountdown      Phase = "Countdown"
	PhaseQuestionOpen   Phase = "QuestionOpen"
	PhaseQuestionLocked Phase = "QuestionLocked"
	PhaseReveal         Phase = "Reveal"
	PhaseResults        Phase = "Results"
	PhaseGameOver       Phase = "GameOver"
)

// LinkState is the per-participant connection state, independent of game
// semantics. Lost never removes a participant or their score history.
type LinkState string

const (
	LinkSignaling LinkState = "Signaling"
	LinkLive      LinkState = "Live"
	LinkLost      LinkState = "Lost"
)

type SessionConfig struct {
	PackID          string `json:"packId"`
	CountdownTime   int    `json:"countdownTime"` // seconds
	QuestionTime    int    `json:"questionTime"`  // seconds
	BaseAward       int    `json:"baseAward"`     // points per correct answer
	ShuffleRounds   bool   `json:"shuffleRounds"`
	ShuffleChoices  bool   `json:"shuffleChoices"`
	HideLeaderboard bool   `json:"hideLeaderboard"` // suppress standings until the final results
}

type Participant struct {
	ID       string    `json:"id"`
	Nickname string    `json:"nickname"`
	Link     LinkState `json:"link"`
	Ready    bool      `json:"ready"`
	Score    int       `json:"score"`
	JoinedAt time.Time `json:"joinedAt"`

	// joinSeq breaks leaderboard ties deterministically even when two
	// participants share a JoinedAt timestamp.
	joinSeq int

	// eligibleFrom is the first round index this participant may answer.
	// Late joiners spectate the in-progress round.
	eligibleFrom int

	token        string
	lastProgress time.Time
}

type Round struct {
	Index     int        `json:"index"`
	Prompt    string     `json:"prompt"`
	Choices   []string   `json:"choices"`
	CorrectIx int        `json:"-"`
	OpenedAt  time.Time  `json:"openedAt,omitempty"`
	LockedAt  *time.Time `json:"lockedAt,omitempty"`
}

type Submission struct {
	ParticipantID string    `json:"participantId"`
	RoundIndex    int       `json:"roundIndex"`
	ChoiceIx      int       `json:"choiceIndex"`
	SubmittedAt   time.Time `json:"submittedAt"`
}

// LeaderboardEntry is derived, never stored.
type LeaderboardEntry struct {
	ParticipantID string `json:"participantId"`
	Nickname      string `json:"nickname"`
	Score         int    `json:"score"`
	Rank          int    `json:"rank"`
}

// RoundView is the broadcastable shape of a round. The correct choice index
// is only filled in once the round has been revealed.
type RoundView struct {
	Index     int      `json:"index"`
	Total     int      `json:"total"`
	Prompt    string   `json:"prompt"`
	Choices   []string `json:"choices"`
	CorrectIx *int     `json:"correctIndex,omitempty"`
	Deadline  int64    `json:"deadline,omitempty"` // unix ms question deadline
}

type ParticipantView struct {
	ID       string    `json:"id"`
	Nickname string    `json:"nickname"`
	Link     LinkState `json:"link"`
	Ready    bool      `json:"ready"`
	Score    int       `json:"score"`
}

// Snapshot is the monotonic state broadcast. Receivers compare
// (Phase, RoundIndex, Revision) and discard anything stale.
type Snapshot struct {
	SessionCode  string             `json:"sessionCode"`
	Phase        Phase              `json:"phase"`
	RoundIndex   int                `json:"roundIndex"`
	Revision     uint64             `json:"revision"`
	Participants []ParticipantView  `json:"participants"`
	Round        *RoundView         `json:"round,omitempty"`
	Tally        []int              `json:"tally,omitempty"`
	Leaderboard  []LeaderboardEntry `json:"leaderboard,omitempty"`
	ReadyCount   int                `json:"readyCount"`
	PackTitle    string             `json:"packTitle,omitempty"`
}
