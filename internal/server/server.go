package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/quizwire/quizwire/internal/config"
	"github.com/quizwire/quizwire/internal/game"
	"github.com/quizwire/quizwire/internal/pack"
	"github.com/quizwire/quizwire/internal/signal"
	"github.com/quizwire/quizwire/internal/ws"
)

// Server ties the engine, the signaling store and the transports to one gin
// engine.
type Server struct {
	cfg     config.Config
	rm      *game.RoomManager
	signals *signal.Store
	sock    *ws.Server
}

func New(cfg config.Config, rm *game.RoomManager, signals *signal.Store) *Server {
	// every relayed signaling message counts as link-establishment progress
	signals.OnProgress(func(code, participantID string) {
		if sess, err := rm.Get(code); err == nil {
			sess.LinkProgress(participantID)
		}
	})
	sock := ws.New(rm, signals)

	// every session gets its broadcast hook and signaling room at creation,
	// whether it was created over the socket or the HTTP bootstrap
	rm.OnCreate(func(sess *game.Session) {
		sock.Bind(sess)
		signals.OpenRoom(sess.Code)
	})
	rm.OnRemove(func(code string) {
		sock.DropSession(code)
		signals.CloseRoom(code)
	})

	return &Server{
		cfg:     cfg,
		rm:      rm,
		signals: signals,
		sock:    sock,
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "time": time.Now().UTC()})
	})

	io := s.sock.Mount(r)
	defer io.Close()

	s.registerAPI(r)

	srv := &http.Server{
		Addr:              net.JoinHostPort(s.cfg.Bind, strconv.Itoa(s.cfg.Port)),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       10 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// requestLogger logs HTTP requests, skipping the chatty socket.io polling.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.Request.URL.Path
		if strings.HasPrefix(path, "/socket.io") {
			return
		}
		log.Info().Str("path", path).Int("status", c.Writer.Status()).Dur("dur", time.Since(start)).Msg("http")
	}
}

func (s *Server) registerAPI(r *gin.Engine) {
	api := r.Group("/api")

	// the most recently created session, for single-session deployments
	api.GET("/session/active", func(c *gin.Context) {
		if code, sess := s.rm.Active(); sess != nil {
			c.JSON(http.StatusOK, gin.H{"sessionCode": code})
			return
		}
		c.Status(http.StatusNotFound)
	})

	// host bootstrap over plain HTTP, for clients that create the room
	// before their socket is up
	api.POST("/session/create", func(c *gin.Context) {
		var req struct {
			Config game.SessionConfig `json:"config"`
		}
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_config"})
			return
		}
		sess, err := s.rm.CreateSession(c.Request.Context(), req.Config)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, pack.ErrUnavailable) {
				status = http.StatusUnprocessableEntity
			}
			c.JSON(status, gin.H{"error": "pack_unavailable", "message": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessionCode": sess.Code, "hostToken": sess.HostToken})
	})

	api.GET("/session/:code", func(c *gin.Context) {
		sess, err := s.rm.Get(c.Param("code"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found"})
			return
		}
		c.JSON(http.StatusOK, sess.Snapshot())
	})

	api.GET("/session/:code/leaderboard", func(c *gin.Context) {
		sess, err := s.rm.Get(c.Param("code"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"entries": sess.Leaderboard()})
	})

	// QR code for the join deep link
	api.GET("/session/:code/qr", func(c *gin.Context) {
		code := c.Param("code")
		if _, err := s.rm.Get(code); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found"})
			return
		}
		png, err := qrcode.Encode(s.joinURL(c.Request, code), qrcode.Medium, 320)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "qr_generation_failed"})
			return
		}
		c.Data(http.StatusOK, "image/png", png)
	})

	s.registerSignaling(api)
}

// registerSignaling exposes the rendezvous channel: opaque offer / answer /
// candidate blobs relayed per room and participant.
func (s *Server) registerSignaling(api *gin.RouterGroup) {
	type signalReq struct {
		ParticipantID string          `json:"participantId"`
		Nickname      string          `json:"nickname"`
		Offer         json.RawMessage `json:"offer"`
		Answer        json.RawMessage `json:"answer"`
		Candidate     json.RawMessage `json:"candidate"`
	}

	relay := func(c *gin.Context, apply func(code string, req signalReq) error) {
		var req signalReq
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
			return
		}
		if req.ParticipantID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "participantId is required"})
			return
		}
		if err := apply(c.Param("code"), req); err != nil {
			if errors.Is(err, signal.ErrRoomNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "participantId": req.ParticipantID})
	}

	api.POST("/session/:code/offer", func(c *gin.Context) {
		relay(c, func(code string, req signalReq) error {
			if len(req.Offer) == 0 {
				return fmt.Errorf("offer is required")
			}
			return s.signals.SetOffer(code, req.ParticipantID, req.Nickname, req.Offer)
		})
	})

	api.POST("/session/:code/answer", func(c *gin.Context) {
		relay(c, func(code string, req signalReq) error {
			if len(req.Answer) == 0 {
				return fmt.Errorf("answer is required")
			}
			return s.signals.SetAnswer(code, req.ParticipantID, req.Answer)
		})
	})

	api.POST("/session/:code/candidate", func(c *gin.Context) {
		relay(c, func(code string, req signalReq) error {
			if len(req.Candidate) == 0 {
				return fmt.Errorf("candidate is required")
			}
			return s.signals.AddCandidate(code, req.ParticipantID, req.Candidate)
		})
	})

	api.GET("/session/:code/peers", func(c *gin.Context) {
		peers, err := s.signals.Peers(c.Param("code"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"peers": peers})
	})

	api.GET("/session/:code/peers/:participantId", func(c *gin.Context) {
		peer, err := s.signals.Peer(c.Param("code"), c.Param("participantId"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found"})
			return
		}
		if peer == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "participant_not_found"})
			return
		}
		c.JSON(http.StatusOK, peer)
	})
}

func (s *Server) joinURL(r *http.Request, code string) string {
	base := s.cfg.PublicURL
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}
		base = scheme + "://" + r.Host
	}
	return strings.TrimRight(base, "/") + "/join/" + code
}
