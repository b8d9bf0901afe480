package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devangk003/hivecodex-sub000/internal/config"
	"github.com/devangk003/hivecodex-sub000/internal/room"
	"github.com/devangk003/hivecodex-sub000/internal/store"
	"github.com/devangk003/hivecodex-sub000/internal/tree"
	"github.com/devangk003/hivecodex-sub000/pkg/proto"
	"github.com/devangk003/hivecodex-sub000/testutil"
)

const testSecret = "gateway-test-secret"

var (
	alice = proto.User{ID: "u-alice", DisplayName: "Alice"}
	bob   = proto.User{ID: "u-bob", DisplayName: "Bob"}
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	rooms := store.NewMemoryStore(true)
	require.NoError(t, rooms.PutRoom(context.Background(), &store.Room{
		ID:      "room-1",
		Name:    "Demo",
		OwnerID: alice.ID,
	}))
	blobs, err := store.NewDiskBlobStore(t.TempDir())
	require.NoError(t, err)

	manager := room.NewManager(rooms, tree.NewEngine(rooms, blobs), 50*time.Millisecond)
	t.Cleanup(manager.Close)

	cfg := &config.ServerConfig{
		Listen:          ":0",
		AuthSecret:      testSecret,
		Store:           config.StoreConfig{Driver: "memory"},
		DisconnectGrace: "50ms",
		MaxUploadSize:   "1MB",
		Metrics:         config.MetricsConfig{Path: "/metrics"},
	}
	srv, err := NewServer(cfg, manager)
	require.NoError(t, err)

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts
}

func connectWS(t *testing.T, serverURL string, user proto.User) *websocket.Conn {
	t.Helper()
	wsURL := strings.Replace(serverURL, "http://", "ws://", 1) + "/ws"

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+testutil.IdentityToken(t, testSecret, user))

	conn, _, err := dialer.Dial(wsURL, headers)
	require.NoError(t, err, "failed to connect")
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, msgType string, payload any) {
	t.Helper()
	env, err := proto.NewEnvelope(msgType, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(env))
}

// readUntil reads frames until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) proto.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var env proto.Envelope
		require.NoError(t, conn.ReadJSON(&env), "waiting for %s", msgType)
		if env.Type == msgType {
			_ = conn.SetReadDeadline(time.Time{})
			return env
		}
	}
}

func joinWS(t *testing.T, conn *websocket.Conn, roomID string) {
	t.Helper()
	sendEnvelope(t, conn, proto.TypeJoin, proto.JoinRequest{RoomID: roomID})
	readUntil(t, conn, proto.TypeParticipants)
}

func TestHandshake_RejectsBadToken(t *testing.T) {
	ts := newTestServer(t)
	wsURL := strings.Replace(ts.URL, "http://", "ws://", 1) + "/ws"

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	_, resp, err := dialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	headers := http.Header{}
	headers.Set("Authorization", "Bearer not-a-token")
	_, resp, err = dialer.Dial(wsURL, headers)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandshake_TokenViaQueryParam(t *testing.T) {
	ts := newTestServer(t)
	wsURL := strings.Replace(ts.URL, "http://", "ws://", 1) + "/ws?token=" +
		testutil.IdentityToken(t, testSecret, alice)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	_ = conn.Close()
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint_Disabled(t *testing.T) {
	rooms := store.NewMemoryStore(true)
	blobs, err := store.NewDiskBlobStore(t.TempDir())
	require.NoError(t, err)
	manager := room.NewManager(rooms, tree.NewEngine(rooms, blobs), 50*time.Millisecond)
	t.Cleanup(manager.Close)

	disabled := false
	cfg := &config.ServerConfig{
		Listen:          ":0",
		AuthSecret:      testSecret,
		Store:           config.StoreConfig{Driver: "memory"},
		DisconnectGrace: "50ms",
		MaxUploadSize:   "1MB",
		Metrics:         config.MetricsConfig{Enabled: &disabled, Path: "/metrics"},
	}
	srv, err := NewServer(cfg, manager)
	require.NoError(t, err)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEditFlowOverWebsocket(t *testing.T) {
	ts := newTestServer(t)

	a := connectWS(t, ts.URL, alice)
	joinWS(t, a, "room-1")
	b := connectWS(t, ts.URL, bob)
	joinWS(t, b, "room-1")

	sendEnvelope(t, a, proto.TypeEdit, proto.EditRequest{
		FileID:      "file-1",
		BaseVersion: 0,
		Operations:  []proto.Operation{proto.Insert("hello")},
	})

	var ack proto.EditAck
	require.NoError(t, json.Unmarshal(readUntil(t, a, proto.TypeEditAck).Payload, &ack))
	assert.Equal(t, 1, ack.AckVersion)

	var applied proto.EditApplied
	require.NoError(t, json.Unmarshal(readUntil(t, b, proto.TypeEditApplied).Payload, &applied))
	assert.Equal(t, alice.ID, applied.UserID)
	assert.Equal(t, 1, applied.AppliedVersion)

	// A peer can pull the canonical snapshot on demand.
	sendEnvelope(t, b, proto.TypeFileSync, proto.FileSyncRequest{FileID: "file-1"})
	var state proto.FileSyncState
	require.NoError(t, json.Unmarshal(readUntil(t, b, proto.TypeFileSyncState).Payload, &state))
	assert.Equal(t, "hello", state.Content)
	assert.Equal(t, 1, state.Version)
}

func TestErrorsGoToSenderOnly(t *testing.T) {
	ts := newTestServer(t)

	a := connectWS(t, ts.URL, alice)
	joinWS(t, a, "room-1")

	// A base version ahead of the canonical document is rejected.
	sendEnvelope(t, a, proto.TypeEdit, proto.EditRequest{
		FileID:      "file-1",
		BaseVersion: 9,
		Operations:  []proto.Operation{proto.Insert("x")},
	})
	var wireErr proto.ErrorResponse
	require.NoError(t, json.Unmarshal(readUntil(t, a, proto.TypeError).Payload, &wireErr))
	assert.Equal(t, "badVersion", wireErr.Code)
	assert.Equal(t, proto.TypeEdit, wireErr.ReplyTo)

	sendEnvelope(t, a, proto.TypeJoin, proto.JoinRequest{RoomID: "no-such-room"})
	require.NoError(t, json.Unmarshal(readUntil(t, a, proto.TypeError).Payload, &wireErr))
	assert.Equal(t, "notFound", wireErr.Code)
}

func TestEditWithoutJoinRejected(t *testing.T) {
	ts := newTestServer(t)
	a := connectWS(t, ts.URL, alice)

	sendEnvelope(t, a, proto.TypeEdit, proto.EditRequest{
		FileID:      "file-1",
		BaseVersion: 0,
		Operations:  []proto.Operation{proto.Insert("x")},
	})
	var wireErr proto.ErrorResponse
	require.NoError(t, json.Unmarshal(readUntil(t, a, proto.TypeError).Payload, &wireErr))
	assert.Equal(t, "invalidOperation", wireErr.Code)
}

func TestTreeMutationsOverWebsocket(t *testing.T) {
	ts := newTestServer(t)

	a := connectWS(t, ts.URL, alice)
	joinWS(t, a, "room-1")
	b := connectWS(t, ts.URL, bob)
	joinWS(t, b, "room-1")

	sendEnvelope(t, a, proto.TypeCreateItem, proto.CreateItemRequest{Name: "src", Kind: "folder"})
	var created proto.FilesEvent
	require.NoError(t, json.Unmarshal(readUntil(t, b, proto.TypeFilesCreated).Payload, &created))
	require.Len(t, created.Nodes, 1)
	folderID := created.Nodes[0].ID

	sendEnvelope(t, a, proto.TypeUploadFiles, proto.UploadFilesRequest{
		ParentID: folderID,
		Files: []proto.UploadFile{
			{Name: "main.go", Content: "package main\n"},
			{Name: "go.mod", Content: "module demo\n"},
		},
	})
	var uploaded proto.FilesEvent
	require.NoError(t, json.Unmarshal(readUntil(t, b, proto.TypeFilesUploaded).Payload, &uploaded))
	assert.Len(t, uploaded.Nodes, 2)

	// A duplicate create is rejected for the sender and invisible to peers.
	sendEnvelope(t, a, proto.TypeCreateItem, proto.CreateItemRequest{Name: "src", Kind: "folder"})
	var wireErr proto.ErrorResponse
	require.NoError(t, json.Unmarshal(readUntil(t, a, proto.TypeError).Payload, &wireErr))
	assert.Equal(t, "conflict", wireErr.Code)

	sendEnvelope(t, a, proto.TypeDeleteItem, proto.DeleteItemRequest{NodeID: folderID})
	var deleted proto.FilesEvent
	require.NoError(t, json.Unmarshal(readUntil(t, b, proto.TypeFilesDeleted).Payload, &deleted))
	assert.Len(t, deleted.Nodes, 3, "cascade removes the folder and both files")
}

func TestChatAndPresenceOverWebsocket(t *testing.T) {
	ts := newTestServer(t)

	a := connectWS(t, ts.URL, alice)
	joinWS(t, a, "room-1")
	b := connectWS(t, ts.URL, bob)
	joinWS(t, b, "room-1")
	readUntil(t, a, proto.TypeUserJoined)

	sendEnvelope(t, a, proto.TypeChat, proto.ChatRequest{Text: "ship it"})
	var msg proto.ChatMessage
	require.NoError(t, json.Unmarshal(readUntil(t, b, proto.TypeChatMessage).Payload, &msg))
	assert.Equal(t, "ship it", msg.Text)
	assert.NotEmpty(t, msg.ID)

	sendEnvelope(t, a, proto.TypeStatusChange, proto.StatusChangeRequest{Status: "away"})
	var status proto.StatusChanged
	require.NoError(t, json.Unmarshal(readUntil(t, b, proto.TypeStatusChanged).Payload, &status))
	assert.Equal(t, alice.ID, status.UserID)

	sendEnvelope(t, a, proto.TypeCursor, proto.CursorUpdate{FileID: "file-1", Line: 2, Column: 7})
	var moved proto.CursorMoved
	require.NoError(t, json.Unmarshal(readUntil(t, b, proto.TypeCursorMoved).Payload, &moved))
	assert.Equal(t, 2, moved.Line)
}

func TestParseIdentity(t *testing.T) {
	token := testutil.IdentityToken(t, testSecret, alice)
	user, err := parseIdentity(token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, alice, user)

	_, err = parseIdentity(token, "wrong-secret")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = parseIdentity("garbage", testSecret)
	assert.ErrorIs(t, err, ErrUnauthorized)
}
