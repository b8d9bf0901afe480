// Package gateway exposes the sync core over websockets: it
// authenticates the handshake, decodes envelopes, and routes each
// message type to the room coordinator or the tree engine.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/devangk003/hivecodex-sub000/internal/config"
	"github.com/devangk003/hivecodex-sub000/internal/ot"
	"github.com/devangk003/hivecodex-sub000/internal/room"
	"github.com/devangk003/hivecodex-sub000/internal/store"
	"github.com/devangk003/hivecodex-sub000/internal/tree"
	"github.com/devangk003/hivecodex-sub000/pkg/proto"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin: func(r *http.Request) bool {
		return true // the identity token is the access control, not the origin
	},
}

// Server is the websocket gateway over one room manager.
type Server struct {
	cfg       *config.ServerConfig
	manager   *room.Manager
	mux       *http.ServeMux
	metrics   *Metrics
	readLimit int64
}

// NewServer creates the gateway for a validated configuration.
func NewServer(cfg *config.ServerConfig, manager *room.Manager) (*Server, error) {
	limit, err := cfg.UploadLimit()
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:       cfg,
		manager:   manager,
		mux:       http.NewServeMux(),
		metrics:   InitMetrics(),
		readLimit: limit,
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/ws", s.handleWS)
	if s.cfg.Metrics.IsEnabled() {
		s.mux.Handle(s.cfg.Metrics.Path, promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}))
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	user, err := identityFromRequest(r, s.cfg.AuthSecret)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := newWSConn(conn, user)
	s.manager.Register(c)
	s.metrics.ConnectionsActive.Inc()
	log.Info().Str("conn", c.id).Str("user", user.ID).Msg("connection opened")

	defer func() {
		s.manager.Unregister(c)
		c.Close()
		s.metrics.ConnectionsActive.Dec()
		log.Info().Str("conn", c.id).Str("user", user.ID).Msg("connection closed")
	}()

	s.readLoop(c)
}

func (s *Server) readLoop(c *wsConn) {
	c.conn.SetReadLimit(s.readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		var env proto.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("conn", c.id).Msg("read failed")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))

		s.metrics.MessagesTotal.WithLabelValues(env.Type).Inc()
		if err := s.dispatch(c, env); err != nil {
			s.sendError(c, env.Type, err)
		}
	}
}

// dispatch routes one decoded envelope. Handler errors are reported to
// the sender only; broadcasts happen solely on success paths inside the
// handlers.
func (s *Server) dispatch(c *wsConn, env proto.Envelope) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	switch env.Type {
	case proto.TypeJoin:
		var req proto.JoinRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return badPayload(err)
		}
		return s.handleJoin(ctx, c, req)
	case proto.TypeLeave:
		if c.room != nil {
			c.room.Leave(c)
			c.room = nil
		}
		return nil
	case proto.TypeEdit:
		var req proto.EditRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return badPayload(err)
		}
		r, err := s.joined(c)
		if err != nil {
			return err
		}
		if err := r.SubmitEdit(c, req); err != nil {
			s.metrics.EditsTotal.WithLabelValues("rejected").Inc()
			return err
		}
		s.metrics.EditsTotal.WithLabelValues("accepted").Inc()
		return nil
	case proto.TypeFileSync:
		var req proto.FileSyncRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return badPayload(err)
		}
		r, err := s.joined(c)
		if err != nil {
			return err
		}
		r.RequestSync(c, req.FileID)
		return nil
	case proto.TypeFileSeed:
		var req proto.FileSeedRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return badPayload(err)
		}
		r, err := s.joined(c)
		if err != nil {
			return err
		}
		return r.Seed(c, req)
	case proto.TypeCursor:
		var req proto.CursorUpdate
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return badPayload(err)
		}
		r, err := s.joined(c)
		if err != nil {
			return err
		}
		r.Cursor(c, req)
		return nil
	case proto.TypeTypingStart, proto.TypeTypingStop:
		var req proto.TypingNotice
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return badPayload(err)
		}
		r, err := s.joined(c)
		if err != nil {
			return err
		}
		r.Typing(c, req.FileID, env.Type == proto.TypeTypingStart)
		return nil
	case proto.TypeStatusChange:
		var req proto.StatusChangeRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return badPayload(err)
		}
		return s.manager.SetStatus(c.user.ID, req.Status)
	case proto.TypeChat:
		var req proto.ChatRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return badPayload(err)
		}
		r, err := s.joined(c)
		if err != nil {
			return err
		}
		r.Chat(c, req.Text)
		return nil
	case proto.TypeCreateItem:
		var req proto.CreateItemRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return badPayload(err)
		}
		return s.treeOp(ctx, c, "create", func(roomID string) error {
			_, err := s.manager.CreateItem(ctx, roomID, c.user, req)
			return err
		})
	case proto.TypeUploadFiles:
		var req proto.UploadFilesRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return badPayload(err)
		}
		return s.treeOp(ctx, c, "upload", func(roomID string) error {
			_, err := s.manager.UploadFiles(ctx, roomID, c.user, req)
			return err
		})
	case proto.TypeMoveItem:
		var req proto.MoveItemRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return badPayload(err)
		}
		return s.treeOp(ctx, c, "move", func(roomID string) error {
			_, err := s.manager.MoveItem(ctx, roomID, c.user, req)
			return err
		})
	case proto.TypeDeleteItem:
		var req proto.DeleteItemRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return badPayload(err)
		}
		return s.treeOp(ctx, c, "delete", func(roomID string) error {
			_, err := s.manager.DeleteItem(ctx, roomID, c.user, req)
			return err
		})
	default:
		return badPayload(errors.New("unknown message type " + env.Type))
	}
}

func (s *Server) handleJoin(ctx context.Context, c *wsConn, req proto.JoinRequest) error {
	r, err := s.manager.Room(ctx, req.RoomID)
	if err != nil {
		return err
	}
	// Joining a different room leaves the previous one first; a
	// connection is in at most one room.
	if c.room != nil && c.room.ID() != req.RoomID {
		c.room.Leave(c)
	}
	if err := r.Join(c); err != nil {
		return err
	}
	c.room = r
	return nil
}

func (s *Server) treeOp(ctx context.Context, c *wsConn, op string, fn func(roomID string) error) error {
	r, err := s.joined(c)
	if err != nil {
		return err
	}
	if err := fn(r.ID()); err != nil {
		s.metrics.TreeMutations.WithLabelValues(op, "rejected").Inc()
		return err
	}
	s.metrics.TreeMutations.WithLabelValues(op, "ok").Inc()
	return nil
}

func (s *Server) joined(c *wsConn) (*room.Room, error) {
	if c.room == nil {
		return nil, errNotInRoom
	}
	return c.room, nil
}

var errNotInRoom = errors.New("not in a room")

func badPayload(err error) error {
	return errors.Join(proto.ErrMalformedOperation, err)
}

// errorCode maps a handler error onto the wire error code. Unknown
// errors are reported as internal without leaking their text.
func errorCode(err error) string {
	switch {
	case errors.Is(err, room.ErrRoomNotFound),
		errors.Is(err, tree.ErrNotFound),
		errors.Is(err, store.ErrNotFound):
		return "notFound"
	case errors.Is(err, tree.ErrConflict):
		return "conflict"
	case errors.Is(err, tree.ErrAccessDenied):
		return "accessDenied"
	case errors.Is(err, room.ErrLocked):
		return "locked"
	case errors.Is(err, ot.ErrBadVersion):
		return "badVersion"
	case errors.Is(err, ot.ErrStaleSeed):
		return "staleSeed"
	case errors.Is(err, tree.ErrInvalidOperation),
		errors.Is(err, ot.ErrInvalidOperation),
		errors.Is(err, proto.ErrMalformedOperation),
		errors.Is(err, room.ErrInvalidStatus),
		errors.Is(err, errNotInRoom):
		return "invalidOperation"
	case errors.Is(err, store.ErrStoreUnavailable):
		return "storeUnavailable"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	default:
		return "internal"
	}
}

func (s *Server) sendError(c *wsConn, replyTo string, err error) {
	code := errorCode(err)
	msg := err.Error()
	if code == "internal" {
		msg = "internal error"
		log.Error().Err(err).Str("conn", c.id).Str("replyTo", replyTo).Msg("handler failed")
	}
	env, encErr := proto.NewEnvelope(proto.TypeError, proto.ErrorResponse{
		Code:    code,
		Message: msg,
		ReplyTo: replyTo,
	})
	if encErr != nil {
		return
	}
	c.Send(env)
}
