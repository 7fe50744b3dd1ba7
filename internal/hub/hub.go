package hub

import (
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"weave/api/internal/room"
)

// Authorizer decides whether an identified user may participate in a room.
// A nil Authorizer admits everyone.
type Authorizer interface {
	CanJoin(roomID, userID string) bool
}

// Hub owns all live rooms and upgrades websocket requests into them.
type Hub struct {
	registry *room.Registry
	auth     Authorizer
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]*roomHub

	// OnDelta is invoked from the room sequencer after a mutation has
	// been applied and broadcast. st is only safe to read inside the
	// callback. Callers must not block for long.
	OnDelta func(roomID string, st *room.State, cmd room.Command)
	// OnPhaseChange fires when a room's phase transitions, with the
	// snapshot taken at that moment.
	OnPhaseChange func(roomID string, meta room.Meta, snap room.Snapshot)
}

func New(registry *room.Registry, auth Authorizer, corsOrigin string) *Hub {
	h := &Hub{
		registry: registry,
		auth:     auth,
		rooms:    make(map[string]*roomHub),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if corsOrigin == "" || corsOrigin == "*" {
				return true
			}
			return r.Header.Get("Origin") == corsOrigin
		},
	}
	return h
}

// ServeRoom upgrades the request and joins the connection to the room.
func (h *Hub) ServeRoom(w http.ResponseWriter, r *http.Request, roomID string) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("hub: upgrade failed for room %s: %v", roomID, err)
		return
	}
	c := &connection{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan frame, 64),
	}
	h.joinRoom(roomID, c)
	go c.writePump()
	go c.readPump()
}

// joinRoom hands the connection to the room sequencer. The room can shut
// down between lookup and delivery when its last member leaves, so the
// send races the done channel and re-enters through a fresh room.
func (h *Hub) joinRoom(roomID string, c *connection) {
	for {
		rh := h.room(roomID)
		c.hub = rh
		select {
		case rh.join <- c:
			return
		case <-rh.done:
		}
	}
}

// State returns the live authoritative state for a room, creating the
// room if it does not exist yet.
func (h *Hub) State(roomID string) *room.State {
	return h.room(roomID).state
}

// Issue feeds a server-originated command through the room sequencer,
// so it is ordered and broadcast exactly like a client mutation.
func (h *Hub) Issue(roomID string, cmd room.Command) error {
	data, err := cmd.Encode()
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	rh := h.room(roomID)
	select {
	case rh.inbound <- inboundFrame{frame: frame{kind: websocket.TextMessage, data: data}}:
		return nil
	case <-rh.done:
		// Raced with the room shutting down; re-enter through a fresh hub.
		return h.Issue(roomID, cmd)
	}
}

// Snapshot returns a consistent copy of a room's state, taken on the
// room sequencer so it never races a mutation.
func (h *Hub) Snapshot(roomID string) room.Snapshot {
	rh := h.room(roomID)
	reply := make(chan room.Snapshot, 1)
	select {
	case rh.snapReq <- reply:
		return <-reply
	case <-rh.done:
		return h.Snapshot(roomID)
	}
}

// RoomSize reports the number of live connections in a room.
func (h *Hub) RoomSize(roomID string) int {
	h.mu.Lock()
	rh, ok := h.rooms[roomID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	return rh.size()
}

func (h *Hub) room(roomID string) *roomHub {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rh, ok := h.rooms[roomID]; ok {
		return rh
	}
	state := h.registry.Get(roomID)
	rh := &roomHub{
		id:         roomID,
		hub:        h,
		state:      state,
		conns:      make(map[*connection]bool),
		identities: make(map[string]room.OnlineUser),
		join:       make(chan *connection),
		leave:      make(chan *connection),
		inbound:    make(chan inboundFrame, 256),
		snapReq:    make(chan chan room.Snapshot),
		done:       make(chan struct{}),
	}
	state.OnPhaseChange = func(_ room.Meta, updated room.Meta) {
		if h.OnPhaseChange != nil {
			h.OnPhaseChange(roomID, updated, state.Snapshot())
		}
	}
	h.rooms[roomID] = rh
	go rh.run()
	return rh
}

func (h *Hub) dropRoom(rh *roomHub) {
	h.mu.Lock()
	if h.rooms[rh.id] == rh {
		delete(h.rooms, rh.id)
	}
	h.mu.Unlock()
}

type inboundFrame struct {
	conn  *connection
	frame frame
}

// roomHub serializes every mutation for one room. All state access and
// broadcast fan-out happens on the run goroutine, which is what makes
// the per-room command order total.
type roomHub struct {
	id    string
	hub   *Hub
	state *room.State

	mu         sync.Mutex
	conns      map[*connection]bool
	identities map[string]room.OnlineUser // keyed by connection id

	join    chan *connection
	leave   chan *connection
	inbound chan inboundFrame
	snapReq chan chan room.Snapshot
	done    chan struct{}
}

func (rh *roomHub) run() {
	for {
		select {
		case c := <-rh.join:
			rh.addConn(c)
			rh.sendSync(c)
			rh.broadcastRoster()
		case c := <-rh.leave:
			if rh.removeConn(c) {
				rh.broadcastRoster()
			}
			if rh.size() == 0 {
				rh.hub.dropRoom(rh)
				close(rh.done)
				return
			}
		case in := <-rh.inbound:
			rh.handle(in)
		case reply := <-rh.snapReq:
			reply <- rh.state.Snapshot()
		}
	}
}

func (rh *roomHub) handle(in inboundFrame) {
	if in.frame.kind == websocket.BinaryMessage {
		// Opaque replicated-text traffic. Relay to everyone else
		// without decoding; the sender already has it.
		rh.relayExcept(in.conn, in.frame)
		return
	}

	cmd, err := room.DecodeCommand(in.frame.data)
	if err != nil {
		from := "server"
		if in.conn != nil {
			from = in.conn.id
		}
		log.Printf("hub: room %s dropped malformed command from %s: %v", rh.id, from, err)
		return
	}

	if cmd.Type == room.TypeIdentify {
		if in.conn != nil {
			rh.identify(in.conn, cmd)
		}
		return
	}

	delta, ok := rh.state.Apply(cmd)
	if !ok {
		return
	}
	data, err := delta.Encode()
	if err != nil {
		log.Printf("hub: room %s encode delta: %v", rh.id, err)
		return
	}
	rh.relayAll(frame{kind: websocket.TextMessage, data: data})
	if rh.hub.OnDelta != nil {
		rh.hub.OnDelta(rh.id, rh.state, delta)
	}
}

func (rh *roomHub) identify(c *connection, cmd room.Command) {
	if rh.hub.auth != nil && !rh.hub.auth.CanJoin(rh.id, cmd.UserID) {
		log.Printf("hub: room %s rejected user %s on connection %s", rh.id, cmd.UserID, c.id)
		_ = c.ws.Close()
		return
	}
	rh.mu.Lock()
	rh.identities[c.id] = room.OnlineUser{
		ConnectionID: c.id,
		UserID:       cmd.UserID,
		UserName:     cmd.UserName,
		UserEmail:    cmd.UserEmail,
		AvatarURL:    cmd.AvatarURL,
	}
	rh.mu.Unlock()
	rh.broadcastRoster()
}

func (rh *roomHub) sendSync(c *connection) {
	snap := rh.state.Snapshot()
	cmd := room.Command{Type: room.TypeSync, State: &snap}
	data, err := cmd.Encode()
	if err != nil {
		log.Printf("hub: room %s encode sync: %v", rh.id, err)
		return
	}
	c.enqueue(frame{kind: websocket.TextMessage, data: data})
}

func (rh *roomHub) broadcastRoster() {
	rh.mu.Lock()
	users := make([]room.OnlineUser, 0, len(rh.identities))
	for _, u := range rh.identities {
		users = append(users, u)
	}
	rh.mu.Unlock()
	cmd := room.Command{Type: room.TypeOnlineUsers, Users: users}
	data, err := cmd.Encode()
	if err != nil {
		log.Printf("hub: room %s encode roster: %v", rh.id, err)
		return
	}
	rh.relayAll(frame{kind: websocket.TextMessage, data: data})
}

func (rh *roomHub) relayAll(f frame) {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	for c := range rh.conns {
		c.enqueue(f)
	}
}

func (rh *roomHub) relayExcept(from *connection, f frame) {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	for c := range rh.conns {
		if c != from {
			c.enqueue(f)
		}
	}
}

func (rh *roomHub) addConn(c *connection) {
	rh.mu.Lock()
	rh.conns[c] = true
	rh.mu.Unlock()
}

func (rh *roomHub) removeConn(c *connection) bool {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	if !rh.conns[c] {
		return false
	}
	delete(rh.conns, c)
	delete(rh.identities, c.id)
	close(c.send)
	return true
}

func (rh *roomHub) size() int {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	return len(rh.conns)
}

func (rh *roomHub) unregister(c *connection) {
	select {
	case rh.leave <- c:
	case <-rh.done:
	}
}
