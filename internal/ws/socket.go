package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	socketio "github.com/googollee/go-socket.io"
	"github.com/rs/zerolog/log"

	"github.com/quizwire/quizwire/internal/game"
	"github.com/quizwire/quizwire/internal/pack"
	"github.com/quizwire/quizwire/internal/signal"
)

// ConnCtx is the per-connection identity, set once the connection has joined
// or created a session.
type ConnCtx struct {
	Code          string
	Token         string
	Role          string // "host" | "player"
	ParticipantID string
}

type Server struct {
	RM      *game.RoomManager
	Signals *signal.Store

	mu      sync.Mutex
	members map[string]map[string]socketio.Conn // sessionCode -> socketID -> Conn
}

func New(rm *game.RoomManager, signals *signal.Store) *Server {
	return &Server{RM: rm, Signals: signals, members: make(map[string]map[string]socketio.Conn)}
}

// Mount attaches the Socket.IO server with all game handlers to the given
// Gin engine.
func (srv *Server) Mount(r *gin.Engine) *socketio.Server {
	io := socketio.NewServer(nil)

	io.OnConnect("/", func(s socketio.Conn) error {
		s.SetContext(&ConnCtx{})
		log.Info().Str("sid", s.ID()).Msg("socket connected")
		return nil
	})

	// game:create (host)
	io.OnEvent("/", "game:create", func(s socketio.Conn, payload struct {
		Config game.SessionConfig `json:"config"`
	}) map[string]any {
		sess, err := srv.RM.CreateSession(context.Background(), payload.Config)
		if err != nil {
			return srv.err(s, wireCode(err), err.Error())
		}
		s.SetContext(&ConnCtx{Code: sess.Code, Token: sess.HostToken, Role: "host"})
		s.Join(sess.Code)
		srv.addMember(sess.Code, s)
		log.Info().Str("sid", s.ID()).Str("code", sess.Code).Msg("game:create")
		s.Emit("game:state", sess.Snapshot())
		return map[string]any{"sessionCode": sess.Code, "hostToken": sess.HostToken}
	})

	// game:join (player)
	io.OnEvent("/", "game:join", func(s socketio.Conn, payload struct {
		SessionCode   string `json:"sessionCode"`
		Name          string `json:"name"`
		ParticipantID string `json:"participantId"` // stable id on reload
		PlayerToken   string `json:"playerToken"`   // proves ownership of that id
	}) map[string]any {
		sess, err := srv.RM.Get(payload.SessionCode)
		if err != nil {
			return srv.err(s, wireCode(err), "Session not found")
		}
		id, token, err := sess.Join(payload.Name, payload.ParticipantID, payload.PlayerToken)
		if err != nil {
			return srv.err(s, wireCode(err), err.Error())
		}
		s.SetContext(&ConnCtx{Code: payload.SessionCode, Token: token, Role: "player", ParticipantID: id})
		s.Join(payload.SessionCode)
		srv.addMember(payload.SessionCode, s)
		sess.LinkEstablished(id)
		log.Info().Str("sid", s.ID()).Str("code", payload.SessionCode).Str("participantId", id).Msg("game:join")
		return map[string]any{"participantId": id, "playerToken": token}
	})

	// game:resume (reconnection, host or player)
	io.OnEvent("/", "game:resume", func(s socketio.Conn, payload struct {
		SessionCode string `json:"sessionCode"`
		Role        string `json:"role"`
		Token       string `json:"token"`
	}) map[string]any {
		sess, err := srv.RM.Get(payload.SessionCode)
		if err != nil {
			return srv.err(s, wireCode(err), "Session not found")
		}
		ctx := &ConnCtx{Code: payload.SessionCode, Token: payload.Token, Role: payload.Role}
		if payload.Role == "host" {
			if payload.Token != sess.HostToken {
				return srv.err(s, "unauthorized", "Invalid host token")
			}
		} else {
			id := sess.ParticipantIDByToken(payload.Token)
			if id == "" {
				return srv.err(s, "unauthorized", "Invalid player token")
			}
			ctx.ParticipantID = id
		}
		s.SetContext(ctx)
		s.Join(payload.SessionCode)
		srv.addMember(payload.SessionCode, s)
		if ctx.ParticipantID != "" {
			sess.LinkEstablished(ctx.ParticipantID)
		}
		log.Info().Str("sid", s.ID()).Str("code", payload.SessionCode).Str("role", payload.Role).Msg("game:resume")
		s.Emit("game:state", sess.Snapshot())
		return map[string]any{"ok": true, "participantId": ctx.ParticipantID}
	})

	// game:ready (player, lobby only)
	io.OnEvent("/", "game:ready", func(s socketio.Conn, payload struct {
		Ready bool `json:"ready"`
	}) map[string]any {
		ctx := s.Context().(*ConnCtx)
		sess, err := srv.RM.Get(ctx.Code)
		if err != nil {
			return srv.err(s, wireCode(err), "Session not found")
		}
		if err := sess.SetReady(ctx.Token, payload.Ready); err != nil {
			return srv.err(s, wireCode(err), err.Error())
		}
		return map[string]any{"ok": true}
	})

	// host actions share one shape
	hostAction := func(name string, fn func(sess *game.Session, hostToken string) error) {
		io.OnEvent("/", name, func(s socketio.Conn) map[string]any {
			ctx := s.Context().(*ConnCtx)
			sess, err := srv.RM.Get(ctx.Code)
			if err != nil {
				return srv.err(s, wireCode(err), "Session not found")
			}
			if err := fn(sess, ctx.Token); err != nil {
				return srv.err(s, wireCode(err), err.Error())
			}
			log.Info().Str("code", ctx.Code).Str("phase", string(sess.GetPhase())).Msg(name)
			return map[string]any{"ok": true}
		})
	}
	hostAction("game:start", func(sess *game.Session, tok string) error { return sess.Start(tok) })
	hostAction("game:lock", func(sess *game.Session, tok string) error { return sess.Lock(tok) })
	hostAction("game:reveal", func(sess *game.Session, tok string) error { return sess.Reveal(tok) })
	hostAction("game:advance", func(sess *game.Session, tok string) error { return sess.Advance(tok) })
	hostAction("game:end", func(sess *game.Session, tok string) error { return sess.End(tok) })

	// game:submit (player)
	io.OnEvent("/", "game:submit", func(s socketio.Conn, payload struct {
		RoundIndex  int `json:"roundIndex"`
		ChoiceIndex int `json:"choiceIndex"`
	}) map[string]any {
		ctx := s.Context().(*ConnCtx)
		sess, err := srv.RM.Get(ctx.Code)
		if err != nil {
			return srv.err(s, wireCode(err), "Session not found")
		}
		sub, err := sess.Submit(ctx.Token, payload.RoundIndex, payload.ChoiceIndex)
		if err != nil {
			// rejections are inline feedback to the requester only
			return map[string]any{"status": ackStatus(err), "error": wireCode(err)}
		}
		log.Info().Str("code", ctx.Code).Int("round", sub.RoundIndex).Msg("game:submit")
		return map[string]any{"status": "accepted", "choiceIndex": sub.ChoiceIx}
	})

	io.OnError("/", func(s socketio.Conn, e error) {
		log.Error().Str("sid", s.ID()).Err(e).Msg("socket error")
	})

	io.OnDisconnect("/", func(s socketio.Conn, reason string) {
		if ctx, ok := s.Context().(*ConnCtx); ok && ctx.Code != "" {
			srv.removeMember(ctx.Code, s)
			if ctx.ParticipantID != "" {
				if sess, err := srv.RM.Get(ctx.Code); err == nil {
					sess.LinkDropped(ctx.ParticipantID)
				}
			}
		}
		log.Info().Str("sid", s.ID()).Str("reason", reason).Msg("socket disconnected")
	})

	go func() {
		if err := io.Serve(); err != nil {
			log.Error().Err(err).Msg("socket.io serve")
		}
	}()

	r.GET("/socket.io/*any", gin.WrapH(io))
	r.POST("/socket.io/*any", gin.WrapH(io))
	r.OPTIONS("/socket.io/*any", func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		c.Status(http.StatusNoContent)
	})

	return io
}

// Bind wires a session's broadcast hook to this transport. Called once per
// session at creation, before any transport can mutate it.
func (srv *Server) Bind(sess *game.Session) {
	sess.OnChange(func(snap game.Snapshot) {
		srv.broadcastState(sess.Code, snap)
	})
}

// DropSession forgets the member set of a removed session. Still-open
// sockets stay connected but receive no further broadcasts for it.
func (srv *Server) DropSession(code string) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	delete(srv.members, code)
}

func (srv *Server) broadcastState(code string, snap game.Snapshot) {
	srv.mu.Lock()
	conns := make([]socketio.Conn, 0, len(srv.members[code]))
	for _, c := range srv.members[code] {
		conns = append(conns, c)
	}
	srv.mu.Unlock()

	for _, c := range conns {
		c.Emit("game:state", snap)
	}
}

func (srv *Server) addMember(code string, c socketio.Conn) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.members[code] == nil {
		srv.members[code] = make(map[string]socketio.Conn)
	}
	srv.members[code][c.ID()] = c
}

func (srv *Server) removeMember(code string, c socketio.Conn) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if m := srv.members[code]; m != nil {
		delete(m, c.ID())
	}
}

func (srv *Server) err(s socketio.Conn, code, message string) map[string]any {
	s.Emit("error", map[string]any{"code": code, "message": message})
	return map[string]any{"error": code, "message": message}
}

// wireCode maps engine sentinels to stable wire reason codes.
func wireCode(err error) string {
	switch {
	case errors.Is(err, game.ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, game.ErrSessionClosed):
		return "session_closed"
	case errors.Is(err, game.ErrNotHost):
		return "not_host"
	case errors.Is(err, game.ErrStartNotPermitted):
		return "start_not_permitted"
	case errors.Is(err, game.ErrWrongPhase):
		return "wrong_phase"
	case errors.Is(err, game.ErrAlreadySubmitted):
		return "already_submitted"
	case errors.Is(err, game.ErrInvalidChoice):
		return "invalid_choice"
	case errors.Is(err, game.ErrUnknownParticipant):
		return "unauthorized"
	case errors.Is(err, pack.ErrUnavailable):
		return "pack_unavailable"
	default:
		return "bad_request"
	}
}

// ackStatus mirrors the answer-ack contract: a submit attempt is accepted,
// late (window already closed) or invalid (bad choice or duplicate).
func ackStatus(err error) string {
	switch {
	case errors.Is(err, game.ErrWrongPhase):
		return "late"
	default:
		return "invalid"
	}
}
