package game

import (
	"time"

	"github.com/google/uuid"
)

// Roster is the authoritative participant registry of a session. It has no
// lock of its own; every call happens under the owning session's mutex.
type Roster struct {
	byID    map[string]*Participant
	byToken map[string]*Participant
	order   []string // ids in join order
	nextSeq int
}

func newRoster() *Roster {
	return &Roster{
		byID:    make(map[string]*Participant),
		byToken: make(map[string]*Participant),
	}
}

// Admit registers a participant. A non-empty requestedID reclaims a stable
// identity across reloads, but only with that participant's token: ids are
// visible to the whole room, so an unproven claim on a taken id gets a fresh
// identity instead. An unknown requestedID creates the participant under
// that id so the caller keeps its chosen identity.
func (r *Roster) Admit(nickname, requestedID, token string, now time.Time, eligibleFrom int) (*Participant, string) {
	if requestedID != "" {
		if p, ok := r.byID[requestedID]; ok {
			if token != "" && token == p.token {
				p.lastProgress = now
				return p, p.token
			}
			requestedID = ""
		}
	}

	id := requestedID
	if id == "" {
		id = uuid.NewString()
	}
	tok := uuid.NewString()
	p := &Participant{
		ID:           id,
		Nickname:     nickname,
		Link:         LinkSignaling,
		JoinedAt:     now,
		joinSeq:      r.nextSeq,
		eligibleFrom: eligibleFrom,
		token:        tok,
		lastProgress: now,
	}
	r.nextSeq++
	r.byID[id] = p
	r.byToken[tok] = p
	r.order = append(r.order, id)
	return p, tok
}

func (r *Roster) ByID(id string) *Participant {
	return r.byID[id]
}

func (r *Roster) ByToken(token string) *Participant {
	return r.byToken[token]
}

func (r *Roster) SetReady(id string, ready bool) error {
	p := r.byID[id]
	if p == nil {
		return ErrUnknownParticipant
	}
	p.Ready = ready
	return nil
}

func (r *Roster) ReadyFraction() (ready, total int) {
	for _, id := range r.order {
		total++
		if r.byID[id].Ready {
			ready++
		}
	}
	return ready, total
}

func (r *Roster) ConnectedCount() int {
	n := 0
	for _, id := range r.order {
		if r.byID[id].Link == LinkLive {
			n++
		}
	}
	return n
}

// ApplyScoreDelta is additive only and is called exclusively by the ledger
// finalization at round close.
func (r *Roster) ApplyScoreDelta(id string, delta int) {
	if p := r.byID[id]; p != nil {
		p.Score += delta
	}
}

// Participants returns the roster in join order.
func (r *Roster) Participants() []*Participant {
	out := make([]*Participant, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

func (r *Roster) Views() []ParticipantView {
	out := make([]ParticipantView, 0, len(r.order))
	for _, id := range r.order {
		p := r.byID[id]
		out = append(out, ParticipantView{
			ID:       p.ID,
			Nickname: p.Nickname,
			Link:     p.Link,
			Ready:    p.Ready,
			Score:    p.Score,
		})
	}
	return out
}
