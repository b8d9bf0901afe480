// Package proto defines the wire protocol for the hivecodex sync core.
package proto

import (
	"encoding/json"
	"fmt"
	"time"
)

// Client-to-server message types.
const (
	TypeJoin         = "join"
	TypeLeave        = "leave"
	TypeEdit         = "edit"
	TypeCursor       = "cursor"
	TypeTypingStart  = "typingStart"
	TypeTypingStop   = "typingStop"
	TypeStatusChange = "statusChange"
	TypeFileSync     = "fileSync"
	TypeFileSeed     = "fileSeed"
	TypeChat         = "chat"
	TypeCreateItem   = "createItem"
	TypeUploadFiles  = "uploadFiles"
	TypeMoveItem     = "moveItem"
	TypeDeleteItem   = "deleteItem"
)

// Server-to-client message types.
const (
	TypeEditAck       = "editAck"
	TypeEditApplied   = "editApplied"
	TypeFileSyncState = "fileSyncState"
	TypeUserJoined    = "userJoined"
	TypeUserLeft      = "userLeft"
	TypeParticipants  = "participants"
	TypeStatusChanged = "statusChanged"
	TypeCursorMoved   = "cursorMoved"
	TypeTyping        = "typing"
	TypeChatMessage   = "chatMessage"
	TypeFilesCreated  = "files:created"
	TypeFilesUploaded = "files:uploaded"
	TypeFilesMoved    = "files:moved"
	TypeFilesDeleted  = "files:deleted"
	TypeError         = "error"
)

// Envelope is the outer frame for every websocket message. Payload is
// decoded a second time based on Type by the connection's dispatch table.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an Envelope of the given type.
func NewEnvelope(msgType string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return Envelope{Type: msgType, Payload: data}, nil
}

// User identifies an already-authenticated user. The core performs no
// credential checks; the gateway extracts this from a verified token.
type User struct {
	ID          string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// JoinRequest asks to join a room.
type JoinRequest struct {
	RoomID string `json:"roomId"`
}

// LeaveRequest leaves the current room explicitly, removing the
// participant from the persisted roster.
type LeaveRequest struct {
	RoomID string `json:"roomId"`
}

// EditRequest submits an operation batch against a file at a base version.
type EditRequest struct {
	FileID      string      `json:"fileId"`
	BaseVersion int         `json:"baseVersion"`
	Operations  []Operation `json:"operations"`
}

// EditAck acknowledges the submitter's accepted batch.
type EditAck struct {
	FileID     string `json:"fileId"`
	AckVersion int    `json:"ackVersion"`
}

// EditApplied broadcasts an accepted (possibly transformed) batch to the
// rest of the room. BaseVersion is the canonical version before the batch
// was applied so peers can detect stale redeliveries.
type EditApplied struct {
	FileID         string      `json:"fileId"`
	UserID         string      `json:"userId"`
	BaseVersion    int         `json:"baseVersion"`
	AppliedVersion int         `json:"appliedVersion"`
	Operations     []Operation `json:"operations"`
}

// FileSyncRequest asks for the canonical snapshot of a file.
type FileSyncRequest struct {
	FileID string `json:"fileId"`
}

// FileSeedRequest seeds a file's canonical state, e.g. from the first
// client to open a file whose durable content has not been loaded yet.
type FileSeedRequest struct {
	FileID  string `json:"fileId"`
	Content string `json:"content"`
	Version int    `json:"version"`
}

// FileSyncState is the canonical snapshot returned for a sync request.
type FileSyncState struct {
	FileID  string `json:"fileId"`
	Content string `json:"content"`
	Version int    `json:"version"`
}

// CursorUpdate reports a user's cursor position in a file.
type CursorUpdate struct {
	FileID string `json:"fileId"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
}

// CursorMoved broadcasts a cursor position to the room.
type CursorMoved struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	FileID      string `json:"fileId"`
	Line        int    `json:"line"`
	Column      int    `json:"column"`
}

// TypingNotice reports typing activity in a file.
type TypingNotice struct {
	FileID string `json:"fileId"`
}

// Typing broadcasts typing state to the room.
type Typing struct {
	UserID string `json:"userId"`
	FileID string `json:"fileId"`
	Active bool   `json:"active"`
}

// StatusChangeRequest updates the sender's account-level activity status.
type StatusChangeRequest struct {
	Status string `json:"status"` // online, busy, away, offline
}

// StatusChanged broadcasts a presence change.
type StatusChanged struct {
	UserID     string `json:"userId"`
	RoomStatus string `json:"roomStatus"`
	Status     string `json:"status"`
}

// Participant is one roster entry with derived presence.
type Participant struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Role        string    `json:"role"`
	JoinedAt    time.Time `json:"joinedAt"`
	RoomStatus  string    `json:"roomStatus"`
	Status      string    `json:"status"`
}

// ParticipantList is the refreshed roster broadcast on membership or
// presence changes.
type ParticipantList struct {
	RoomID       string        `json:"roomId"`
	Participants []Participant `json:"participants"`
}

// UserEvent announces a join or leave.
type UserEvent struct {
	RoomID      string `json:"roomId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// ChatRequest sends a chat message to the room.
type ChatRequest struct {
	Text string `json:"text"`
}

// ChatMessage is a stamped chat message broadcast to the room and
// replayed to joining connections.
type ChatMessage struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Text        string    `json:"text"`
	SentAt      time.Time `json:"sentAt"`
}

// FileNode is the wire form of a file-tree node.
type FileNode struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Kind           string    `json:"kind"` // file or folder
	ParentID       string    `json:"parentId,omitempty"`
	Size           int64     `json:"size,omitempty"`
	LineCount      int       `json:"lineCount,omitempty"`
	Extension      string    `json:"extension,omitempty"`
	BlobID         string    `json:"blobId,omitempty"` // opaque content address, files only
	LastModified   time.Time `json:"lastModified"`
	LastModifiedBy string    `json:"lastModifiedBy,omitempty"`
}

// CreateItemRequest creates a file or folder.
type CreateItemRequest struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	ParentID string `json:"parentId,omitempty"`
}

// UploadFile is one file in an upload batch.
type UploadFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// UploadFilesRequest uploads a batch of files. The batch attaches
// all-or-nothing.
type UploadFilesRequest struct {
	Files    []UploadFile `json:"files"`
	ParentID string       `json:"parentId,omitempty"`
}

// MoveItemRequest reparents a node.
type MoveItemRequest struct {
	NodeID      string `json:"nodeId"`
	NewParentID string `json:"newParentId,omitempty"`
}

// DeleteItemRequest removes a node and, for folders, every descendant.
type DeleteItemRequest struct {
	NodeID string `json:"nodeId"`
}

// FilesEvent broadcasts a successful tree mutation to the room.
type FilesEvent struct {
	RoomID string     `json:"roomId"`
	UserID string     `json:"userId"`
	Nodes  []FileNode `json:"nodes"`
}

// ErrorResponse is sent only to the requesting connection, never
// broadcast.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	ReplyTo string `json:"replyTo,omitempty"`
}
