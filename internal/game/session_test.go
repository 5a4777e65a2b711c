package game

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

// waitFor polls until cond holds. Link transitions and timer firings flow
// through background goroutines, so tests observe their effects rather than
// assuming synchronous application.
func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func linkOf(sess *Session, participantID string) LinkState {
	for _, p := range sess.Snapshot().Participants {
		if p.ID == participantID {
			return p.Link
		}
	}
	return ""
}

func joinLive(t *testing.T, sess *Session, nickname string) (id, token string) {
	t.Helper()
	id, token, err := sess.Join(nickname, "", "")
	if err != nil {
		t.Fatalf("%s should be able to join: %v", nickname, err)
	}
	sess.LinkEstablished(id)
	waitFor(t, nickname+" to be live", func() bool { return linkOf(sess, id) == LinkLive })
	return id, token
}

func newLobbySession(t *testing.T, questions int) (*Session, *clockwork.FakeClock) {
	t.Helper()
	rm, clock := newTestManager(t, testPack(questions))
	sess, err := rm.CreateSession(context.Background(), SessionConfig{PackID: "test"})
	if err != nil {
		t.Fatalf("should be able to create session: %v", err)
	}
	t.Cleanup(sess.Close)
	return sess, clock
}

// startGame moves a lobby session with live players through the countdown
// into the first open question.
func startGame(t *testing.T, sess *Session, clock *clockwork.FakeClock) {
	t.Helper()
	if err := sess.Start(sess.HostToken); err != nil {
		t.Fatalf("host should be able to start: %v", err)
	}
	if sess.GetPhase() != PhaseCountdown {
		t.Fatalf("expected phase %s, got %s", PhaseCountdown, sess.GetPhase())
	}
	clock.Advance(countdownDuration(sess.Config))
	waitFor(t, "first question to open", func() bool { return sess.GetPhase() == PhaseQuestionOpen })
}

func TestStartGate(t *testing.T) {
	sess, _ := newLobbySession(t, 1)

	if err := sess.Start("not-the-host"); err != ErrNotHost {
		t.Fatalf("expected ErrNotHost, got %v", err)
	}
	if err := sess.Start(sess.HostToken); err != ErrStartNotPermitted {
		t.Fatalf("expected ErrStartNotPermitted with no connected players, got %v", err)
	}

	id, _, err := sess.Join("alice", "", "")
	if err != nil {
		t.Fatalf("should be able to join: %v", err)
	}
	// Joined but not yet live; the gate counts live links only.
	waitFor(t, "alice to be tracked", func() bool { return linkOf(sess, id) == LinkSignaling })
	if err := sess.Start(sess.HostToken); err != ErrStartNotPermitted {
		t.Fatalf("expected ErrStartNotPermitted with no live links, got %v", err)
	}

	sess.LinkEstablished(id)
	waitFor(t, "alice to be live", func() bool { return linkOf(sess, id) == LinkLive })
	if err := sess.Start(sess.HostToken); err != nil {
		t.Fatalf("start should succeed with a live player: %v", err)
	}
	if err := sess.Start(sess.HostToken); err != ErrWrongPhase {
		t.Fatalf("expected ErrWrongPhase starting twice, got %v", err)
	}
}

func TestCountdownOpensFirstQuestion(t *testing.T) {
	sess, clock := newLobbySession(t, 2)
	joinLive(t, sess, "alice")
	startGame(t, sess, clock)

	snap := sess.Snapshot()
	if snap.RoundIndex != 0 {
		t.Fatalf("expected round index 0, got %d", snap.RoundIndex)
	}
	if snap.Round == nil {
		t.Fatal("open question should carry a round view")
	}
	if snap.Round.Total != 2 {
		t.Fatalf("expected 2 total rounds, got %d", snap.Round.Total)
	}
	if snap.Round.Deadline == 0 {
		t.Fatal("open question should carry a deadline")
	}
	if snap.Round.CorrectIx != nil {
		t.Fatal("correct answer must not leak before reveal")
	}
}

func TestSetReadyLobbyOnly(t *testing.T) {
	sess, clock := newLobbySession(t, 1)
	_, tok := joinLive(t, sess, "alice")
	joinLive(t, sess, "bob")

	if err := sess.SetReady("bogus-token", true); err != ErrUnknownParticipant {
		t.Fatalf("expected ErrUnknownParticipant, got %v", err)
	}
	if err := sess.SetReady(tok, true); err != nil {
		t.Fatalf("should be able to set ready: %v", err)
	}
	ready, total := sess.ReadyFraction()
	if ready != 1 || total != 2 {
		t.Fatalf("expected 1/2 ready, got %d/%d", ready, total)
	}

	startGame(t, sess, clock)
	if err := sess.SetReady(tok, false); err != ErrWrongPhase {
		t.Fatalf("expected ErrWrongPhase outside lobby, got %v", err)
	}
}

func TestSubmitChecks(t *testing.T) {
	sess, clock := newLobbySession(t, 2)
	_, tok1 := joinLive(t, sess, "alice")
	_, tok2 := joinLive(t, sess, "bob")
	startGame(t, sess, clock)

	if _, err := sess.Submit("bogus-token", 0, 1); err != ErrUnknownParticipant {
		t.Fatalf("expected ErrUnknownParticipant, got %v", err)
	}
	if _, err := sess.Submit(tok1, 1, 1); err != ErrWrongPhase {
		t.Fatalf("expected ErrWrongPhase for mismatched round, got %v", err)
	}
	if _, err := sess.Submit(tok1, 0, 9); err != ErrInvalidChoice {
		t.Fatalf("expected ErrInvalidChoice, got %v", err)
	}

	sub, err := sess.Submit(tok1, 0, 1)
	if err != nil {
		t.Fatalf("submit should succeed: %v", err)
	}
	if sub.ChoiceIx != 1 || sub.RoundIndex != 0 {
		t.Fatalf("unexpected submission record: %+v", sub)
	}
	if _, err := sess.Submit(tok1, 0, 2); err != ErrAlreadySubmitted {
		t.Fatalf("expected ErrAlreadySubmitted, got %v", err)
	}

	if err := sess.Lock(sess.HostToken); err != nil {
		t.Fatalf("should be able to lock: %v", err)
	}
	if _, err := sess.Submit(tok2, 0, 0); err != ErrWrongPhase {
		t.Fatalf("expected ErrWrongPhase after lock, got %v", err)
	}
}

func TestLiveTally(t *testing.T) {
	sess, clock := newLobbySession(t, 1)
	_, tok1 := joinLive(t, sess, "alice")
	_, tok2 := joinLive(t, sess, "bob")
	startGame(t, sess, clock)

	if _, err := sess.Submit(tok1, 0, 1); err != nil {
		t.Fatalf("submit should succeed: %v", err)
	}
	if _, err := sess.Submit(tok2, 0, 3); err != nil {
		t.Fatalf("submit should succeed: %v", err)
	}

	tally := sess.Snapshot().Tally
	want := []int{0, 1, 0, 1}
	if len(tally) != len(want) {
		t.Fatalf("expected tally %v, got %v", want, tally)
	}
	for i := range want {
		if tally[i] != want[i] {
			t.Fatalf("expected tally %v, got %v", want, tally)
		}
	}
}

func TestHostLockBeatsDeadline(t *testing.T) {
	sess, clock := newLobbySession(t, 1)
	joinLive(t, sess, "alice")
	startGame(t, sess, clock)

	if err := sess.Lock(sess.HostToken); err != nil {
		t.Fatalf("host lock should succeed: %v", err)
	}
	if sess.GetPhase() != PhaseQuestionLocked {
		t.Fatalf("expected phase %s, got %s", PhaseQuestionLocked, sess.GetPhase())
	}

	rev := sess.Snapshot().Revision
	clock.Advance(questionDuration(sess.Config))
	time.Sleep(20 * time.Millisecond)
	if sess.GetPhase() != PhaseQuestionLocked {
		t.Fatalf("stale deadline timer changed phase to %s", sess.GetPhase())
	}
	if got := sess.Snapshot().Revision; got != rev {
		t.Fatalf("stale deadline timer bumped revision from %d to %d", rev, got)
	}
}

func TestDeadlineBeatsHostLock(t *testing.T) {
	sess, clock := newLobbySession(t, 1)
	joinLive(t, sess, "alice")
	startGame(t, sess, clock)

	clock.Advance(questionDuration(sess.Config))
	waitFor(t, "deadline to lock the round", func() bool { return sess.GetPhase() == PhaseQuestionLocked })

	rev := sess.Snapshot().Revision
	if err := sess.Lock(sess.HostToken); err != nil {
		t.Fatalf("late host lock should be a no-op, got %v", err)
	}
	if got := sess.Snapshot().Revision; got != rev {
		t.Fatalf("no-op lock bumped revision from %d to %d", rev, got)
	}
}

func TestScoringScenario(t *testing.T) {
	sess, clock := newLobbySession(t, 1)
	id1, tok1 := joinLive(t, sess, "alice")
	id2, tok2 := joinLive(t, sess, "bob")
	id3, _ := joinLive(t, sess, "carol")
	startGame(t, sess, clock)

	if _, err := sess.Submit(tok1, 0, 1); err != nil {
		t.Fatalf("submit should succeed: %v", err)
	}
	if _, err := sess.Submit(tok2, 0, 0); err != nil {
		t.Fatalf("submit should succeed: %v", err)
	}
	// carol never answers

	if err := sess.Lock(sess.HostToken); err != nil {
		t.Fatalf("should be able to lock: %v", err)
	}
	if err := sess.Reveal("not-the-host"); err != ErrNotHost {
		t.Fatalf("expected ErrNotHost, got %v", err)
	}
	if err := sess.Reveal(sess.HostToken); err != nil {
		t.Fatalf("should be able to reveal: %v", err)
	}

	snap := sess.Snapshot()
	if snap.Round == nil || snap.Round.CorrectIx == nil || *snap.Round.CorrectIx != 1 {
		t.Fatal("reveal should expose the correct choice")
	}
	scores := map[string]int{}
	for _, p := range snap.Participants {
		scores[p.ID] = p.Score
	}
	if scores[id1] != 100 || scores[id2] != 0 || scores[id3] != 0 {
		t.Fatalf("unexpected scores: %v", scores)
	}

	// Re-entering reveal must not double award.
	if err := sess.Reveal(sess.HostToken); err != nil {
		t.Fatalf("repeated reveal should be a no-op, got %v", err)
	}
	total := 0
	for _, p := range sess.Snapshot().Participants {
		total += p.Score
	}
	if total != 100 {
		t.Fatalf("expected total score 100 after repeated reveal, got %d", total)
	}
}

func TestAdvanceThroughGame(t *testing.T) {
	sess, clock := newLobbySession(t, 2)
	_, tok := joinLive(t, sess, "alice")
	startGame(t, sess, clock)

	playRound := func(roundIx int) {
		t.Helper()
		if _, err := sess.Submit(tok, roundIx, 1); err != nil {
			t.Fatalf("submit in round %d should succeed: %v", roundIx, err)
		}
		if err := sess.Lock(sess.HostToken); err != nil {
			t.Fatalf("should be able to lock round %d: %v", roundIx, err)
		}
		if err := sess.Reveal(sess.HostToken); err != nil {
			t.Fatalf("should be able to reveal round %d: %v", roundIx, err)
		}
	}

	playRound(0)
	if err := sess.Advance(sess.HostToken); err != nil {
		t.Fatalf("should be able to advance: %v", err)
	}
	snap := sess.Snapshot()
	if snap.Phase != PhaseQuestionOpen || snap.RoundIndex != 1 {
		t.Fatalf("expected round 1 open, got %s round %d", snap.Phase, snap.RoundIndex)
	}

	playRound(1)
	if err := sess.Advance(sess.HostToken); err != nil {
		t.Fatalf("should be able to advance past the last round: %v", err)
	}
	snap = sess.Snapshot()
	if snap.Phase != PhaseResults {
		t.Fatalf("expected phase %s, got %s", PhaseResults, snap.Phase)
	}
	if len(snap.Leaderboard) != 1 || snap.Leaderboard[0].Score != 200 {
		t.Fatalf("unexpected final leaderboard: %+v", snap.Leaderboard)
	}

	if err := sess.Advance(sess.HostToken); err != nil {
		t.Fatalf("should be able to advance from results: %v", err)
	}
	if sess.GetPhase() != PhaseGameOver {
		t.Fatalf("expected phase %s, got %s", PhaseGameOver, sess.GetPhase())
	}
	if err := sess.Advance(sess.HostToken); err != ErrWrongPhase {
		t.Fatalf("expected ErrWrongPhase after game over, got %v", err)
	}
	if _, _, err := sess.Join("dave", "", ""); err != ErrSessionClosed {
		t.Fatalf("expected ErrSessionClosed joining a finished game, got %v", err)
	}
}

func TestEndEarly(t *testing.T) {
	sess, clock := newLobbySession(t, 3)
	joinLive(t, sess, "alice")
	startGame(t, sess, clock)

	if err := sess.End(sess.HostToken); err != nil {
		t.Fatalf("host should be able to end early: %v", err)
	}
	if sess.GetPhase() != PhaseResults {
		t.Fatalf("expected phase %s, got %s", PhaseResults, sess.GetPhase())
	}
	if err := sess.End(sess.HostToken); err != nil {
		t.Fatalf("ending from results should seal the session: %v", err)
	}
	if sess.GetPhase() != PhaseGameOver {
		t.Fatalf("expected phase %s, got %s", PhaseGameOver, sess.GetPhase())
	}
	if err := sess.End(sess.HostToken); err != ErrSessionClosed {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestLateJoinerSpectatesCurrentRound(t *testing.T) {
	sess, clock := newLobbySession(t, 2)
	joinLive(t, sess, "alice")
	startGame(t, sess, clock)

	_, tok2, err := sess.Join("bob", "", "")
	if err != nil {
		t.Fatalf("mid-game join should be allowed: %v", err)
	}
	if _, err := sess.Submit(tok2, 0, 1); err != ErrWrongPhase {
		t.Fatalf("late joiner must spectate the in-flight round, got %v", err)
	}

	if err := sess.Lock(sess.HostToken); err != nil {
		t.Fatalf("should be able to lock: %v", err)
	}
	if err := sess.Reveal(sess.HostToken); err != nil {
		t.Fatalf("should be able to reveal: %v", err)
	}
	if err := sess.Advance(sess.HostToken); err != nil {
		t.Fatalf("should be able to advance: %v", err)
	}

	if _, err := sess.Submit(tok2, 1, 1); err != nil {
		t.Fatalf("late joiner should play from the next round: %v", err)
	}
}

func TestReconnectKeepsIdentityAndScore(t *testing.T) {
	sess, clock := newLobbySession(t, 2)
	id, tok := joinLive(t, sess, "alice")
	startGame(t, sess, clock)

	if _, err := sess.Submit(tok, 0, 1); err != nil {
		t.Fatalf("submit should succeed: %v", err)
	}
	if err := sess.Lock(sess.HostToken); err != nil {
		t.Fatalf("should be able to lock: %v", err)
	}
	if err := sess.Reveal(sess.HostToken); err != nil {
		t.Fatalf("should be able to reveal: %v", err)
	}

	sess.LinkDropped(id)
	waitFor(t, "alice to re-enter signaling", func() bool { return linkOf(sess, id) == LinkSignaling })

	clock.Advance(31 * time.Second)
	waitFor(t, "alice to be marked lost", func() bool { return linkOf(sess, id) == LinkLost })

	id2, tok2, err := sess.Join("alice", id, tok)
	if err != nil {
		t.Fatalf("rejoin should succeed: %v", err)
	}
	if id2 != id || tok2 != tok {
		t.Fatal("rejoin with a known id must reclaim the same identity")
	}
	sess.LinkEstablished(id)
	waitFor(t, "alice to be live again", func() bool { return linkOf(sess, id) == LinkLive })

	for _, p := range sess.Snapshot().Participants {
		if p.ID == id && p.Score != 100 {
			t.Fatalf("score should survive a reconnect, got %d", p.Score)
		}
	}
}

func TestJoinReclaimRequiresToken(t *testing.T) {
	sess, _ := newLobbySession(t, 1)
	id, tok := joinLive(t, sess, "alice")

	// Participant ids are broadcast to the whole room, so a bare id claim
	// must not hand over the identity.
	otherID, otherTok, err := sess.Join("mallory", id, "not-alices-token")
	if err != nil {
		t.Fatalf("unproven claim should fall back to a fresh join: %v", err)
	}
	if otherID == id || otherTok == tok {
		t.Fatal("unproven claim on a taken id must get a fresh identity")
	}
	if got := sess.ParticipantIDByToken(tok); got != id {
		t.Fatal("original participant must keep their identity")
	}

	sameID, sameTok, err := sess.Join("alice", id, tok)
	if err != nil {
		t.Fatalf("reclaim with the token should succeed: %v", err)
	}
	if sameID != id || sameTok != tok {
		t.Fatal("reclaim with the token must return the same identity")
	}
}

func TestRevealLeaderboardDefault(t *testing.T) {
	sess, clock := newLobbySession(t, 2)
	_, tok := joinLive(t, sess, "alice")
	startGame(t, sess, clock)

	if _, err := sess.Submit(tok, 0, 1); err != nil {
		t.Fatalf("submit should succeed: %v", err)
	}
	if err := sess.Lock(sess.HostToken); err != nil {
		t.Fatalf("should be able to lock: %v", err)
	}
	if err := sess.Reveal(sess.HostToken); err != nil {
		t.Fatalf("should be able to reveal: %v", err)
	}

	snap := sess.Snapshot()
	if len(snap.Leaderboard) != 1 || snap.Leaderboard[0].Score != 100 {
		t.Fatalf("reveal should broadcast fresh standings by default, got %+v", snap.Leaderboard)
	}
}

func TestRevealLeaderboardHidden(t *testing.T) {
	rm, clock := newTestManager(t, testPack(1))
	sess, err := rm.CreateSession(context.Background(), SessionConfig{PackID: "test", HideLeaderboard: true})
	if err != nil {
		t.Fatalf("should be able to create session: %v", err)
	}
	t.Cleanup(sess.Close)
	_, tok := joinLive(t, sess, "alice")
	startGame(t, sess, clock)

	if _, err := sess.Submit(tok, 0, 1); err != nil {
		t.Fatalf("submit should succeed: %v", err)
	}
	if err := sess.Lock(sess.HostToken); err != nil {
		t.Fatalf("should be able to lock: %v", err)
	}
	if err := sess.Reveal(sess.HostToken); err != nil {
		t.Fatalf("should be able to reveal: %v", err)
	}

	if lb := sess.Snapshot().Leaderboard; lb != nil {
		t.Fatalf("hidden standings should stay out of reveal snapshots, got %+v", lb)
	}

	if err := sess.End(sess.HostToken); err != nil {
		t.Fatalf("should be able to end: %v", err)
	}
	if lb := sess.Snapshot().Leaderboard; len(lb) != 1 {
		t.Fatalf("final results must always carry the leaderboard, got %+v", lb)
	}
}

func TestRevisionIncreasesWithMutations(t *testing.T) {
	sess, clock := newLobbySession(t, 1)
	last := sess.Snapshot().Revision

	_, tok := joinLive(t, sess, "alice")
	step := func(desc string) {
		t.Helper()
		got := sess.Snapshot().Revision
		if got <= last {
			t.Fatalf("revision did not increase after %s: %d -> %d", desc, last, got)
		}
		last = got
	}
	step("join")

	startGame(t, sess, clock)
	step("start")

	if _, err := sess.Submit(tok, 0, 1); err != nil {
		t.Fatalf("submit should succeed: %v", err)
	}
	step("submit")

	if err := sess.Lock(sess.HostToken); err != nil {
		t.Fatalf("should be able to lock: %v", err)
	}
	step("lock")
}

func TestSeedRoundsKeepsCorrectAnswer(t *testing.T) {
	pk := testPack(6)
	rounds := seedRounds(pk, SessionConfig{ShuffleRounds: true, ShuffleChoices: true})

	if len(rounds) != 6 {
		t.Fatalf("expected 6 rounds, got %d", len(rounds))
	}
	for _, r := range rounds {
		if r.Choices[r.CorrectIx] != "B" {
			t.Fatalf("shuffle lost the correct answer: choices %v, correct %d", r.Choices, r.CorrectIx)
		}
	}
}
