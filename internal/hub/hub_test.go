package hub

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"weave/api/internal/room"
)

func newTestServer(t *testing.T, h *Hub) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		roomID := strings.TrimPrefix(r.URL.Path, "/ws/")
		h.ServeRoom(w, r, roomID)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, roomID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + roomID
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readCommand(t *testing.T, ws *websocket.Conn) room.Command {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if kind != websocket.TextMessage {
		t.Fatalf("expected text frame, got kind %d", kind)
	}
	cmd, err := room.DecodeCommand(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return cmd
}

// readUntil skips frames until one of the wanted type arrives.
func readUntil(t *testing.T, ws *websocket.Conn, wantType string) room.Command {
	t.Helper()
	for i := 0; i < 10; i++ {
		cmd := readCommand(t, ws)
		if cmd.Type == wantType {
			return cmd
		}
	}
	t.Fatalf("never received %s", wantType)
	return room.Command{}
}

func sendCommand(t *testing.T, ws *websocket.Conn, cmd room.Command) {
	t.Helper()
	data, err := cmd.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestJoinReceivesSync(t *testing.T) {
	h := New(room.NewRegistry(), nil, "")
	state := h.State("room-1")
	state.Apply(room.Command{
		Type:  room.TypeAddIntentBlock,
		Block: &room.IntentBlock{ID: "i1", Content: "opening", Level: 0},
	})

	srv := newTestServer(t, h)
	ws := dial(t, srv, "room-1")

	sync := readUntil(t, ws, room.TypeSync)
	if sync.State == nil {
		t.Fatal("sync carried no state")
	}
	if _, ok := sync.State.IntentBlocks["i1"]; !ok {
		t.Fatal("sync state missing existing block")
	}
}

func TestIdentifyBroadcastsRoster(t *testing.T) {
	h := New(room.NewRegistry(), nil, "")
	srv := newTestServer(t, h)

	a := dial(t, srv, "room-1")
	readUntil(t, a, room.TypeSync)

	sendCommand(t, a, room.Command{
		Type:     room.TypeIdentify,
		UserID:   "u1",
		UserName: "Ada",
	})

	// The join itself broadcasts an anonymous roster, so keep reading
	// until the identified entry shows up.
	for i := 0; i < 10; i++ {
		roster := readUntil(t, a, room.TypeOnlineUsers)
		for _, u := range roster.Users {
			if u.UserID == "u1" && u.UserName == "Ada" {
				if u.ConnectionID == "" {
					t.Fatal("roster entry missing connection id")
				}
				return
			}
		}
	}
	t.Fatal("roster never listed the identified user")
}

func TestMutationEchoesToAllIncludingSender(t *testing.T) {
	h := New(room.NewRegistry(), nil, "")
	srv := newTestServer(t, h)

	a := dial(t, srv, "room-1")
	readUntil(t, a, room.TypeSync)
	b := dial(t, srv, "room-1")
	readUntil(t, b, room.TypeSync)

	sendCommand(t, a, room.Command{
		Type:  room.TypeAddIntentBlock,
		Block: &room.IntentBlock{ID: "i1", Content: "draft the intro", Level: 0},
	})

	for _, ws := range []*websocket.Conn{a, b} {
		delta := readUntil(t, ws, room.TypeAddIntentBlock)
		if delta.Block == nil || delta.Block.ID != "i1" {
			t.Fatalf("bad echoed delta: %+v", delta)
		}
		if delta.Block.CreatedAt == 0 {
			t.Fatal("store did not stamp createdAt before broadcast")
		}
	}

	snap := h.State("room-1").Snapshot()
	if _, ok := snap.IntentBlocks["i1"]; !ok {
		t.Fatal("mutation not applied to authoritative state")
	}
}

func TestBinaryFramesRelayToOthersOnly(t *testing.T) {
	h := New(room.NewRegistry(), nil, "")
	srv := newTestServer(t, h)

	a := dial(t, srv, "room-1")
	readUntil(t, a, room.TypeSync)
	b := dial(t, srv, "room-1")
	readUntil(t, b, room.TypeSync)
	readUntil(t, b, room.TypeOnlineUsers)

	payload := []byte{0x01, 0x02, 0x03}
	if err := a.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		t.Fatalf("write binary: %v", err)
	}

	_ = b.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := b.ReadMessage()
	if err != nil {
		t.Fatalf("b read: %v", err)
	}
	if kind != websocket.BinaryMessage || string(data) != string(payload) {
		t.Fatalf("binary frame altered in transit: kind=%d data=%v", kind, data)
	}

	// The sender must not get its own binary frame back. Send a text
	// mutation and drain a's queue: the echo must arrive with no binary
	// frame before it.
	sendCommand(t, a, room.Command{
		Type:  room.TypeAddIntentBlock,
		Block: &room.IntentBlock{ID: "i9", Content: "x", Level: 0},
	})
	for i := 0; i < 10; i++ {
		_ = a.SetReadDeadline(time.Now().Add(2 * time.Second))
		kind, data, err = a.ReadMessage()
		if err != nil {
			t.Fatalf("a read: %v", err)
		}
		if kind == websocket.BinaryMessage {
			t.Fatal("sender received its own binary frame")
		}
		cmd, err := room.DecodeCommand(data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if cmd.Type == room.TypeAddIntentBlock {
			return
		}
	}
	t.Fatal("never received echoed mutation")
}

func TestMalformedMutationIsDropped(t *testing.T) {
	h := New(room.NewRegistry(), nil, "")
	srv := newTestServer(t, h)

	a := dial(t, srv, "room-1")
	readUntil(t, a, room.TypeSync)

	if err := a.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	// An unknown-id update is a silent no-op as well.
	sendCommand(t, a, room.Command{
		Type:    room.TypeUpdateIntentBlock,
		BlockID: "ghost",
		Updates: []byte(`{"content":"x"}`),
	})

	// The room stays healthy: a real mutation still round-trips.
	sendCommand(t, a, room.Command{
		Type:  room.TypeAddIntentBlock,
		Block: &room.IntentBlock{ID: "i1", Content: "still alive", Level: 0},
	})
	delta := readUntil(t, a, room.TypeAddIntentBlock)
	if delta.Block == nil || delta.Block.ID != "i1" {
		t.Fatalf("bad delta after malformed input: %+v", delta)
	}
}

type denyAll struct{}

func (denyAll) CanJoin(string, string) bool { return false }

func TestUnauthorizedIdentifyCloses(t *testing.T) {
	h := New(room.NewRegistry(), denyAll{}, "")
	srv := newTestServer(t, h)

	a := dial(t, srv, "room-1")
	readUntil(t, a, room.TypeSync)

	sendCommand(t, a, room.Command{Type: room.TypeIdentify, UserID: "intruder"})

	_ = a.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < 10; i++ {
		if _, _, err := a.ReadMessage(); err != nil {
			return // closed as expected
		}
	}
	t.Fatal("connection survived rejected identify")
}

func TestRoomShutsDownWhenEmpty(t *testing.T) {
	h := New(room.NewRegistry(), nil, "")
	srv := newTestServer(t, h)

	a := dial(t, srv, "room-1")
	readUntil(t, a, room.TypeSync)
	a.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.RoomSize("room-1") == 0 {
			h.mu.Lock()
			_, alive := h.rooms["room-1"]
			h.mu.Unlock()
			if !alive {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("room did not shut down after last disconnect")
}

// A connection can grab a roomHub handle just before the sequencer exits
// on its last leave. The join must observe the closed done channel and
// re-enter through a fresh sequencer instead of blocking forever.
func TestJoinRacingRoomShutdownReenters(t *testing.T) {
	h := New(room.NewRegistry(), nil, "")

	dead := &roomHub{
		id:   "room-1",
		hub:  h,
		join: make(chan *connection),
		done: make(chan struct{}),
	}
	close(dead.done)
	h.mu.Lock()
	h.rooms["room-1"] = dead
	h.mu.Unlock()
	go func() {
		time.Sleep(20 * time.Millisecond)
		h.dropRoom(dead)
	}()

	c := &connection{id: "late", send: make(chan frame, 64)}
	joined := make(chan struct{})
	go func() {
		h.joinRoom("room-1", c)
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(2 * time.Second):
		t.Fatal("join blocked on a dead sequencer")
	}
	if c.hub == dead {
		t.Fatal("connection attached to the dead sequencer")
	}

	select {
	case f := <-c.send:
		cmd, err := room.DecodeCommand(f.data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if cmd.Type != room.TypeSync {
			t.Fatalf("expected sync frame after rejoin, got %s", cmd.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no sync after rejoin")
	}
	c.hub.unregister(c)
}
