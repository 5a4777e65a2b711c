package ws

import (
	"fmt"
	"testing"

	"github.com/quizwire/quizwire/internal/game"
	"github.com/quizwire/quizwire/internal/pack"
)

func TestWireCode(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{game.ErrSessionNotFound, "session_not_found"},
		{game.ErrSessionClosed, "session_closed"},
		{game.ErrNotHost, "not_host"},
		{game.ErrStartNotPermitted, "start_not_permitted"},
		{game.ErrWrongPhase, "wrong_phase"},
		{game.ErrAlreadySubmitted, "already_submitted"},
		{game.ErrInvalidChoice, "invalid_choice"},
		{game.ErrUnknownParticipant, "unauthorized"},
		{pack.ErrUnavailable, "pack_unavailable"},
		{fmt.Errorf("pack fetch: %w", pack.ErrUnavailable), "pack_unavailable"},
		{fmt.Errorf("something else"), "bad_request"},
	}
	for _, tc := range cases {
		if got := wireCode(tc.err); got != tc.want {
			t.Fatalf("wireCode(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestAckStatus(t *testing.T) {
	if got := ackStatus(game.ErrWrongPhase); got != "late" {
		t.Fatalf("a closed window should ack late, got %q", got)
	}
	if got := ackStatus(game.ErrAlreadySubmitted); got != "invalid" {
		t.Fatalf("a duplicate should ack invalid, got %q", got)
	}
	if got := ackStatus(game.ErrInvalidChoice); got != "invalid" {
		t.Fatalf("a bad choice should ack invalid, got %q", got)
	}
}
