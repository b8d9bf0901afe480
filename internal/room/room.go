package room

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/devangk003/hivecodex-sub000/internal/ot"
	"github.com/devangk003/hivecodex-sub000/internal/store"
	"github.com/devangk003/hivecodex-sub000/internal/tree"
	"github.com/devangk003/hivecodex-sub000/pkg/proto"
)

// Room coordinator error types.
var (
	ErrRoomNotFound  = errors.New("room not found")
	ErrRoomClosed    = errors.New("room closed")
	ErrInvalidStatus = errors.New("invalid status")
)

// chatHistoryLimit bounds the replayed chat backlog per room.
const chatHistoryLimit = 200

// Client is one connection's send side. The gateway's websocket
// connection implements it; tests use channel-backed fakes so isolated
// rooms can be instantiated without sockets.
type Client interface {
	ID() string
	User() proto.User
	Send(env proto.Envelope)
}

// Room is the actor owning one room's live state: broadcast group,
// canonical documents, roster and chat backlog. All room work funnels
// through the mailbox and is processed by a single goroutine, so the
// documents' version counters and the roster need no locking;
// concurrency exists across rooms, not within one.
type Room struct {
	id      string
	name    string
	ownerID string

	rooms    store.RoomStore
	engine   *tree.Engine
	presence *Registry
	grace    time.Duration

	mailbox chan func()
	done    chan struct{}

	// Actor-owned state, touched only from run().
	conns         map[string]Client
	roster        []store.RosterEntry
	docs          map[string]*ot.Document
	chat          []proto.ChatMessage
	pendingLeaves map[string]*time.Timer // user id -> departure grace timer
}

func newRoom(rec *store.Room, rooms store.RoomStore, engine *tree.Engine, presence *Registry, grace time.Duration) *Room {
	r := &Room{
		id:            rec.ID,
		name:          rec.Name,
		ownerID:       rec.OwnerID,
		rooms:         rooms,
		engine:        engine,
		presence:      presence,
		grace:         grace,
		mailbox:       make(chan func(), 256),
		done:          make(chan struct{}),
		conns:         make(map[string]Client),
		roster:        append([]store.RosterEntry(nil), rec.Roster...),
		docs:          make(map[string]*ot.Document),
		pendingLeaves: make(map[string]*time.Timer),
	}
	go r.run()
	return r
}

func (r *Room) run() {
	for {
		select {
		case fn := <-r.mailbox:
			fn()
		case <-r.done:
			return
		}
	}
}

// ID returns the room identifier.
func (r *Room) ID() string { return r.id }

// do enqueues fire-and-forget work for the actor.
func (r *Room) do(fn func()) {
	select {
	case r.mailbox <- fn:
	case <-r.done:
	}
}

// call enqueues work and waits for its result.
func (r *Room) call(fn func() error) error {
	errc := make(chan error, 1)
	r.do(func() { errc <- fn() })
	select {
	case err := <-errc:
		return err
	case <-r.done:
		return ErrRoomClosed
	}
}

func (r *Room) close() {
	r.do(func() {
		for _, t := range r.pendingLeaves {
			t.Stop()
		}
	})
	close(r.done)
}

// Join adds a connection to the broadcast group. Rejoining with the
// same connection is a no-op. A user new to the room is appended to the
// persisted roster; everyone gets a refreshed participant list and the
// chat backlog is replayed to the joiner.
func (r *Room) Join(c Client) error {
	return r.call(func() error {
		if _, ok := r.conns[c.ID()]; ok {
			return nil
		}
		user := c.User()

		// A reconnect within the grace window cancels the pending
		// departure instead of announcing a fresh join.
		reconnected := false
		if t, ok := r.pendingLeaves[user.ID]; ok {
			t.Stop()
			delete(r.pendingLeaves, user.ID)
			reconnected = true
		}

		r.conns[c.ID()] = c
		r.presence.EnterRoom(c.ID(), r.id)

		if !r.onRoster(user.ID) {
			role := "editor"
			if user.ID == r.ownerID {
				role = "owner"
			}
			r.roster = append(r.roster, store.RosterEntry{
				UserID:      user.ID,
				DisplayName: user.DisplayName,
				Role:        role,
				JoinedAt:    time.Now().UTC(),
			})
			r.persistRoster()
		}

		if !reconnected {
			r.broadcastExcept(c.ID(), proto.TypeUserJoined, proto.UserEvent{
				RoomID:      r.id,
				UserID:      user.ID,
				DisplayName: user.DisplayName,
			})
		}
		r.broadcastParticipants()

		for _, msg := range r.chat {
			send(c, proto.TypeChatMessage, msg)
		}

		log.Info().Str("room", r.id).Str("user", user.ID).Str("conn", c.ID()).Msg("joined room")
		return nil
	})
}

// Leave removes the connection and takes the participant off the
// persisted roster. Explicit leaves skip the disconnect grace window.
func (r *Room) Leave(c Client) {
	r.do(func() {
		if _, ok := r.conns[c.ID()]; !ok {
			return
		}
		delete(r.conns, c.ID())
		r.presence.LeaveRoom(c.ID(), r.id)

		user := c.User()
		if !r.userConnected(user.ID) {
			for i, entry := range r.roster {
				if entry.UserID == user.ID {
					r.roster = append(r.roster[:i], r.roster[i+1:]...)
					break
				}
			}
			r.persistRoster()
			r.broadcastExcept(c.ID(), proto.TypeUserLeft, proto.UserEvent{
				RoomID:      r.id,
				UserID:      user.ID,
				DisplayName: user.DisplayName,
			})
		}
		r.broadcastParticipants()
		log.Info().Str("room", r.id).Str("user", user.ID).Msg("left room")
	})
}

// Disconnect handles a dropped connection: an implicit leave whose
// departure broadcast is delayed by a short grace window to absorb
// reconnect flapping. The roster entry is kept to preserve room
// history.
func (r *Room) Disconnect(c Client) {
	r.do(func() {
		if _, ok := r.conns[c.ID()]; !ok {
			return
		}
		delete(r.conns, c.ID())
		r.presence.LeaveRoom(c.ID(), r.id)

		userID := c.User().ID
		if r.userConnected(userID) {
			r.broadcastParticipants()
			return
		}

		if t, ok := r.pendingLeaves[userID]; ok {
			t.Stop()
		}
		displayName := c.User().DisplayName
		r.pendingLeaves[userID] = time.AfterFunc(r.grace, func() {
			r.do(func() {
				delete(r.pendingLeaves, userID)
				if r.userConnected(userID) {
					return
				}
				r.broadcastExcept("", proto.TypeUserLeft, proto.UserEvent{
					RoomID:      r.id,
					UserID:      userID,
					DisplayName: displayName,
				})
				r.broadcastParticipants()
			})
		})
	})
}

// NotifyStatus rebroadcasts a user's derived presence to the room.
func (r *Room) NotifyStatus(userID string) {
	r.do(func() {
		status, inRoom := r.presence.UserPresence(userID, r.id)
		roomStatus, global := DerivePresence(status, inRoom)
		r.broadcastExcept("", proto.TypeStatusChanged, proto.StatusChanged{
			UserID:     userID,
			RoomStatus: roomStatus,
			Status:     global,
		})
		r.broadcastParticipants()
	})
}

// SubmitEdit reconciles an operation batch through the file's canonical
// document. The submitter is acknowledged with the new version; the
// rest of the room receives the transformed batch with the pre-submit
// version so stale redeliveries can be ignored. Rejected batches leave
// canonical state untouched and nothing is broadcast.
func (r *Room) SubmitEdit(c Client, req proto.EditRequest) error {
	return r.call(func() error {
		doc := r.doc(req.FileID)
		ack, transformed, err := doc.Submit(req.BaseVersion, req.Operations)
		if err != nil {
			return err
		}

		send(c, proto.TypeEditAck, proto.EditAck{FileID: req.FileID, AckVersion: ack})
		r.broadcastExcept(c.ID(), proto.TypeEditApplied, proto.EditApplied{
			FileID:         req.FileID,
			UserID:         c.User().ID,
			BaseVersion:    ack - 1,
			AppliedVersion: ack,
			Operations:     transformed,
		})

		// Best-effort durable checkpoint; never blocks the ack.
		content := doc.Content()
		actor := c.User()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := r.engine.Checkpoint(ctx, r.id, req.FileID, content, actor); err != nil {
				log.Warn().Str("room", r.id).Str("file", req.FileID).Err(err).
					Msg("content checkpoint failed")
			}
		}()
		return nil
	})
}

// RequestSync answers with the canonical snapshot of a file.
func (r *Room) RequestSync(c Client, fileID string) {
	r.do(func() {
		content, version := r.doc(fileID).Snapshot()
		send(c, proto.TypeFileSyncState, proto.FileSyncState{
			FileID:  fileID,
			Content: content,
			Version: version,
		})
	})
}

// Seed installs externally loaded content for a file, guarded so stale
// peers cannot clobber newer canonical state.
func (r *Room) Seed(c Client, req proto.FileSeedRequest) error {
	return r.call(func() error {
		return r.doc(req.FileID).Seed(req.Content, req.Version)
	})
}

// Cursor broadcasts a cursor position to the rest of the room.
func (r *Room) Cursor(c Client, req proto.CursorUpdate) {
	r.do(func() {
		r.presence.SetCursor(c.ID(), req.FileID, req.Line, req.Column)
		r.broadcastExcept(c.ID(), proto.TypeCursorMoved, proto.CursorMoved{
			UserID:      c.User().ID,
			DisplayName: c.User().DisplayName,
			FileID:      req.FileID,
			Line:        req.Line,
			Column:      req.Column,
		})
	})
}

// Typing broadcasts typing state to the rest of the room.
func (r *Room) Typing(c Client, fileID string, active bool) {
	r.do(func() {
		if active {
			r.presence.SetTyping(c.ID(), fileID)
		} else {
			r.presence.SetTyping(c.ID(), "")
		}
		r.broadcastExcept(c.ID(), proto.TypeTyping, proto.Typing{
			UserID: c.User().ID,
			FileID: fileID,
			Active: active,
		})
	})
}

// Chat stamps the message, appends it to the bounded backlog and
// broadcasts it to the whole room, sender included.
func (r *Room) Chat(c Client, text string) {
	r.do(func() {
		msg := proto.ChatMessage{
			ID:          uuid.NewString(),
			UserID:      c.User().ID,
			DisplayName: c.User().DisplayName,
			Text:        text,
			SentAt:      time.Now().UTC(),
		}
		r.chat = append(r.chat, msg)
		if len(r.chat) > chatHistoryLimit {
			r.chat = r.chat[len(r.chat)-chatHistoryLimit:]
		}
		r.broadcastExcept("", proto.TypeChatMessage, msg)
	})
}

// BroadcastFiles announces a successful tree mutation to the room.
// Failures are never broadcast.
func (r *Room) BroadcastFiles(eventType string, actor proto.User, nodes []proto.FileNode) {
	r.do(func() {
		r.broadcastExcept("", eventType, proto.FilesEvent{
			RoomID: r.id,
			UserID: actor.ID,
			Nodes:  nodes,
		})
	})
}

// doc returns the canonical document for a file, created lazily at
// version 0 with empty content on first reference.
func (r *Room) doc(fileID string) *ot.Document {
	d, ok := r.docs[fileID]
	if !ok {
		d = ot.NewDocument()
		r.docs[fileID] = d
	}
	return d
}

func (r *Room) onRoster(userID string) bool {
	for _, entry := range r.roster {
		if entry.UserID == userID {
			return true
		}
	}
	return false
}

func (r *Room) userConnected(userID string) bool {
	for _, c := range r.conns {
		if c.User().ID == userID {
			return true
		}
	}
	return false
}

// persistRoster mirrors the in-memory roster to the room document,
// best effort so join and leave stay non-suspending.
func (r *Room) persistRoster() {
	roster := append([]store.RosterEntry(nil), r.roster...)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.rooms.UpdateRoster(ctx, r.id, roster); err != nil {
			log.Warn().Str("room", r.id).Err(err).Msg("roster persist failed")
		}
	}()
}

func (r *Room) participants() []proto.Participant {
	list := make([]proto.Participant, 0, len(r.roster))
	for _, entry := range r.roster {
		status, inRoom := r.presence.UserPresence(entry.UserID, r.id)
		roomStatus, global := DerivePresence(status, inRoom)
		list = append(list, proto.Participant{
			UserID:      entry.UserID,
			DisplayName: entry.DisplayName,
			Role:        entry.Role,
			JoinedAt:    entry.JoinedAt,
			RoomStatus:  roomStatus,
			Status:      global,
		})
	}
	return list
}

func (r *Room) broadcastParticipants() {
	r.broadcastExcept("", proto.TypeParticipants, proto.ParticipantList{
		RoomID:       r.id,
		Participants: r.participants(),
	})
}

// broadcastExcept sends to every connection except exceptID; an empty
// exceptID reaches everyone.
func (r *Room) broadcastExcept(exceptID, msgType string, payload any) {
	env, err := proto.NewEnvelope(msgType, payload)
	if err != nil {
		log.Error().Str("room", r.id).Str("type", msgType).Err(err).Msg("broadcast encode failed")
		return
	}
	for id, c := range r.conns {
		if id == exceptID {
			continue
		}
		c.Send(env)
	}
}

func send(c Client, msgType string, payload any) {
	env, err := proto.NewEnvelope(msgType, payload)
	if err != nil {
		log.Error().Str("type", msgType).Err(err).Msg("send encode failed")
		return
	}
	c.Send(env)
}
