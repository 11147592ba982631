package ws

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Room is the broadcast group for one session. A broadcast marshals the
// frame once and enqueues the same bytes to every member, so fanout cost
// scales with sessions, not viewers.
type Room struct {
	sessionID string

	mu      sync.Mutex
	members map[*Client]struct{}
}

func newRoom(sessionID string) *Room {
	return &Room{
		sessionID: sessionID,
		members:   make(map[*Client]struct{}),
	}
}

func (r *Room) join(c *Client) {
	r.mu.Lock()
	r.members[c] = struct{}{}
	r.mu.Unlock()
}

func (r *Room) leave(c *Client) {
	r.mu.Lock()
	delete(r.members, c)
	r.mu.Unlock()
}

// broadcast sends one event frame to every member.
func (r *Room) broadcast(event string, payload any) {
	frame, err := marshalFrame(event, payload)
	if err != nil {
		logrus.Errorf("Marshal %s for room %s failed: %v", event, r.sessionID, err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.members {
		c.enqueue(frame)
	}
}

func marshalFrame(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Payload: raw})
}

// roomSet tracks the rooms keyed by session id.
type roomSet struct {
	mu    sync.Mutex
	rooms map[string]*Room
}

func newRoomSet() *roomSet {
	return &roomSet{rooms: make(map[string]*Room)}
}

// get returns the room for a session, creating it on first use.
func (rs *roomSet) get(sessionID string) *Room {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	room, ok := rs.rooms[sessionID]
	if !ok {
		room = newRoom(sessionID)
		rs.rooms[sessionID] = room
	}
	return room
}

// lookup returns the room for a session if one exists.
func (rs *roomSet) lookup(sessionID string) (*Room, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	room, ok := rs.rooms[sessionID]
	return room, ok
}

// drop removes a room entirely.
func (rs *roomSet) drop(sessionID string) {
	rs.mu.Lock()
	delete(rs.rooms, sessionID)
	rs.mu.Unlock()
}

// leaveAll removes a client from every room.
func (rs *roomSet) leaveAll(c *Client) {
	rs.mu.Lock()
	rooms := make([]*Room, 0, len(rs.rooms))
	for _, room := range rs.rooms {
		rooms = append(rooms, room)
	}
	rs.mu.Unlock()

	for _, room := range rooms {
		room.leave(c)
	}
}
