package game

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/quizwire/quizwire/internal/pack"
)

// codeAlphabet omits easily-confused characters (I, O, 0, 1).
const (
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeLength   = 6
)

// Options tunes the manager; zero values fall back to sane defaults.
type Options struct {
	ReconnectTimeout time.Duration // link loss -> Lost
	IdleTimeout      time.Duration // idle session reaping; 0 disables

	// server-level defaults for fields a host leaves unset
	DefaultCountdownTime int // seconds
	DefaultQuestionTime  int // seconds
	DefaultBaseAward     int
}

func (o Options) withDefaults() Options {
	if o.ReconnectTimeout <= 0 {
		o.ReconnectTimeout = 30 * time.Second
	}
	if o.DefaultCountdownTime <= 0 {
		o.DefaultCountdownTime = 3
	}
	if o.DefaultQuestionTime <= 0 {
		o.DefaultQuestionTime = 20
	}
	if o.DefaultBaseAward <= 0 {
		o.DefaultBaseAward = 100
	}
	return o
}

// RoomManager owns every open session, keyed by room code.
type RoomManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	active   string // most recently created session, for single-session mode
	packs    pack.Provider
	clock    clockwork.Clock
	opts     Options

	onCreate func(*Session)
	onRemove func(code string)
}

func NewRoomManager(packs pack.Provider, clock clockwork.Clock, opts Options) *RoomManager {
	rm := &RoomManager{
		sessions: make(map[string]*Session),
		packs:    packs,
		clock:    clock,
		opts:     opts.withDefaults(),
	}
	return rm
}

// OnCreate registers a hook invoked for every session created, whichever
// transport asked for it. The server wires broadcast and signaling here so a
// session is never left without its state hook. Set once during wiring.
func (rm *RoomManager) OnCreate(fn func(*Session)) {
	rm.onCreate = fn
}

// OnRemove registers a hook invoked with the code of every removed session,
// so transports can drop their per-session state. Set once during wiring.
func (rm *RoomManager) OnRemove(fn func(code string)) {
	rm.onRemove = fn
}

// CreateSession loads the configured pack, picks a collision-free room code
// and seeds a new session in the lobby phase.
func (rm *RoomManager) CreateSession(ctx context.Context, cfg SessionConfig) (*Session, error) {
	pk, err := rm.packs.Load(ctx, cfg.PackID)
	if err != nil {
		return nil, err
	}

	if cfg.CountdownTime <= 0 {
		cfg.CountdownTime = rm.opts.DefaultCountdownTime
	}
	if cfg.QuestionTime <= 0 {
		cfg.QuestionTime = rm.opts.DefaultQuestionTime
	}
	if cfg.BaseAward <= 0 {
		cfg.BaseAward = rm.opts.DefaultBaseAward
	}

	rm.mu.Lock()
	code := randomCode(codeLength)
	for rm.sessions[code] != nil {
		code = randomCode(codeLength)
	}
	hostToken := uuid.NewString()

	s := newSession(code, hostToken, cfg, pk, rm.clock, rm.opts.ReconnectTimeout)
	rm.sessions[code] = s
	rm.active = code
	rm.mu.Unlock()

	if rm.onCreate != nil {
		rm.onCreate(s)
	}

	log.Info().Str("code", code).Str("pack", cfg.PackID).Int("rounds", len(s.rounds)).Msg("session created")
	return s, nil
}

func (rm *RoomManager) Get(code string) (*Session, error) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	s := rm.sessions[code]
	if s == nil {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Active returns the most recently created session, if any.
func (rm *RoomManager) Active() (string, *Session) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	if rm.active == "" {
		return "", nil
	}
	return rm.active, rm.sessions[rm.active]
}

// Remove drops a session and stops its dispatcher. Used when the host
// abandons a room.
func (rm *RoomManager) Remove(code string) {
	rm.mu.Lock()
	s := rm.sessions[code]
	delete(rm.sessions, code)
	if rm.active == code {
		rm.active = ""
	}
	rm.mu.Unlock()

	if s != nil {
		s.Close()
		if rm.onRemove != nil {
			rm.onRemove(code)
		}
		log.Info().Str("code", code).Msg("session removed")
	}
}

// Reap runs the idle-session reaper until ctx is cancelled. Sessions with no
// activity for the idle timeout are closed and dropped.
func (rm *RoomManager) Reap(ctx context.Context) {
	if rm.opts.IdleTimeout <= 0 {
		return
	}
	ticker := rm.clock.NewTicker(rm.opts.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			cutoff := rm.clock.Now().Add(-rm.opts.IdleTimeout)
			for _, code := range rm.idleCodes(cutoff) {
				rm.Remove(code)
			}
		}
	}
}

func (rm *RoomManager) idleCodes(cutoff time.Time) []string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	var codes []string
	for code, s := range rm.sessions {
		if s.LastActive().Before(cutoff) {
			codes = append(codes, code)
		}
	}
	return codes
}

func randomCode(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = codeAlphabet[rand.Intn(len(codeAlphabet))]
	}
	return string(b)
}
