// Package signal is the rendezvous channel used while host and player
// establish their peer link. Payloads are opaque blobs relayed by room code
// and participant id; the engine never interprets them.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

var ErrRoomNotFound = errors.New("signaling room not found")

// Peer holds one participant's side of the link negotiation.
type Peer struct {
	ParticipantID string            `json:"participantId"`
	Nickname      string            `json:"nickname,omitempty"`
	Offer         json.RawMessage   `json:"offer,omitempty"`
	Answer        json.RawMessage   `json:"answer,omitempty"`
	Candidates    []json.RawMessage `json:"candidates,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// PeerInfo is the host-facing listing: presence flags only, no payloads.
type PeerInfo struct {
	ParticipantID  string `json:"participantId"`
	Nickname       string `json:"nickname,omitempty"`
	HasOffer       bool   `json:"hasOffer"`
	HasAnswer      bool   `json:"hasAnswer"`
	CandidateCount int    `json:"candidateCount"`
}

type room struct {
	peers      map[string]*Peer
	order      []string
	lastActive time.Time
}

// Store keeps per-room signaling state in memory with a TTL.
type Store struct {
	mu    sync.Mutex
	rooms map[string]*room
	clock clockwork.Clock
	ttl   time.Duration

	// onProgress is invoked for every relayed message so the connection
	// tracker sees link-establishment progress.
	onProgress func(roomCode, participantID string)
}

func NewStore(clock clockwork.Clock, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 4 * time.Hour
	}
	return &Store{
		rooms: make(map[string]*room),
		clock: clock,
		ttl:   ttl,
	}
}

// OnProgress registers the progress hook. Set once during wiring.
func (s *Store) OnProgress(fn func(roomCode, participantID string)) {
	s.onProgress = fn
}

// OpenRoom registers a room code so peers can start exchanging messages.
func (s *Store) OpenRoom(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rooms[code] == nil {
		s.rooms[code] = &room{peers: make(map[string]*Peer), lastActive: s.clock.Now()}
	}
}

// CloseRoom drops all signaling state for a room.
func (s *Store) CloseRoom(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, code)
}

func (s *Store) peerLocked(r *room, participantID string) *Peer {
	p := r.peers[participantID]
	if p == nil {
		p = &Peer{ParticipantID: participantID, CreatedAt: s.clock.Now()}
		r.peers[participantID] = p
		r.order = append(r.order, participantID)
	}
	return p
}

func (s *Store) SetOffer(code, participantID, nickname string, offer json.RawMessage) error {
	s.mu.Lock()
	r := s.rooms[code]
	if r == nil {
		s.mu.Unlock()
		return ErrRoomNotFound
	}
	p := s.peerLocked(r, participantID)
	if nickname != "" {
		p.Nickname = nickname
	}
	p.Offer = offer
	r.lastActive = s.clock.Now()
	s.mu.Unlock()

	s.progress(code, participantID)
	return nil
}

func (s *Store) SetAnswer(code, participantID string, answer json.RawMessage) error {
	s.mu.Lock()
	r := s.rooms[code]
	if r == nil {
		s.mu.Unlock()
		return ErrRoomNotFound
	}
	p := s.peerLocked(r, participantID)
	p.Answer = answer
	r.lastActive = s.clock.Now()
	s.mu.Unlock()

	s.progress(code, participantID)
	return nil
}

func (s *Store) AddCandidate(code, participantID string, candidate json.RawMessage) error {
	s.mu.Lock()
	r := s.rooms[code]
	if r == nil {
		s.mu.Unlock()
		return ErrRoomNotFound
	}
	p := s.peerLocked(r, participantID)
	p.Candidates = append(p.Candidates, candidate)
	r.lastActive = s.clock.Now()
	s.mu.Unlock()

	s.progress(code, participantID)
	return nil
}

func (s *Store) progress(code, participantID string) {
	if s.onProgress != nil {
		s.onProgress(code, participantID)
	}
}

// Peer returns one participant's full negotiation state.
func (s *Store) Peer(code, participantID string) (*Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rooms[code]
	if r == nil {
		return nil, ErrRoomNotFound
	}
	p := r.peers[participantID]
	if p == nil {
		return nil, nil
	}
	cp := *p
	cp.Candidates = append([]json.RawMessage(nil), p.Candidates...)
	return &cp, nil
}

// Peers lists presence info for every peer in a room, in arrival order.
func (s *Store) Peers(code string) ([]PeerInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rooms[code]
	if r == nil {
		return nil, ErrRoomNotFound
	}
	out := make([]PeerInfo, 0, len(r.order))
	for _, id := range r.order {
		p := r.peers[id]
		out = append(out, PeerInfo{
			ParticipantID:  p.ParticipantID,
			Nickname:       p.Nickname,
			HasOffer:       len(p.Offer) > 0,
			HasAnswer:      len(p.Answer) > 0,
			CandidateCount: len(p.Candidates),
		})
	}
	return out, nil
}

// Reap removes rooms idle past the TTL until ctx is cancelled.
func (s *Store) Reap(ctx context.Context) {
	ticker := s.clock.NewTicker(s.ttl / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			cutoff := s.clock.Now().Add(-s.ttl)
			s.mu.Lock()
			for code, r := range s.rooms {
				if r.lastActive.Before(cutoff) {
					delete(s.rooms, code)
				}
			}
			s.mu.Unlock()
		}
	}
}
