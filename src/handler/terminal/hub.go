package terminal

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// defaultIdleTimeout is how long a session with no attached clients
	// stays alive before the sweeper kills it.
	defaultIdleTimeout = 30 * time.Minute

	// defaultSweepInterval is how often the idle sweeper runs.
	defaultSweepInterval = time.Minute
)

// Broadcaster is the narrow transport surface the hub fans out through.
// The hub never holds the transport by pointer; it only knows this
// interface, and sessions know their subscribers by id.
type Broadcaster interface {
	// BroadcastData emits a terminal:data event to the session's room.
	BroadcastData(sessionID, terminalID string, data []byte)
	// BroadcastDimensions emits a terminal:dimensions event to the room.
	BroadcastDimensions(sessionID string, cols, rows uint16)
	// BroadcastDestroyed emits terminal:destroyed and tears the room down.
	BroadcastDestroyed(sessionID string)
}

// HubConfig carries the tunables of the session hub.
type HubConfig struct {
	Shell          string
	ScrollbackSize int
	IdleTimeout    time.Duration
	SweepInterval  time.Duration
}

type clientTerminal struct {
	clientID   string
	terminalID string
}

// Hub is the registry of live sessions. It owns two maps: sessionID ->
// session, and (clientID, terminalID) -> sessionID. Both are mutated only
// under the hub mutex, which is never held across PTY or transport I/O.
type Hub struct {
	cfg         HubConfig
	broadcaster Broadcaster

	mu        sync.Mutex
	sessions  map[string]*Session
	terminals map[clientTerminal]string

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewHub creates a session hub and starts its idle sweeper.
func NewHub(cfg HubConfig, b Broadcaster) *Hub {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	h := &Hub{
		cfg:         cfg,
		broadcaster: b,
		sessions:    make(map[string]*Session),
		terminals:   make(map[clientTerminal]string),
		stopCh:      make(chan struct{}),
	}
	go h.sweepLoop()
	return h
}

// CreateTerminal resolves a terminal request to a session: a live hinted
// session or any live session already bound to this terminalID is
// reattached (restored=true); otherwise a fresh shell is spawned.
func (h *Hub) CreateTerminal(clientID, terminalID string, cols, rows uint16, hintSessionID string) (*Session, bool, error) {
	if cols == 0 || rows == 0 {
		cols, rows = 80, 24
	}

	h.mu.Lock()

	// 1. A live hinted session wins.
	if hintSessionID != "" {
		if s, ok := h.sessions[hintSessionID]; ok && !s.Dead() {
			h.adoptLocked(s, clientID, terminalID)
			h.mu.Unlock()
			logrus.Infof("Reattached client %s terminal %s to session %s", clientID, terminalID, s.ID)
			return s, true, nil
		}
	}

	// 2. Any live session already associated with this terminalID, from
	// any client. Catches the reconnect race where the old mapping is
	// still present under a stale client id.
	for key, sid := range h.terminals {
		if key.terminalID != terminalID {
			continue
		}
		if s, ok := h.sessions[sid]; ok && !s.Dead() {
			h.adoptLocked(s, clientID, terminalID)
			h.mu.Unlock()
			logrus.Infof("Reattached client %s terminal %s to session %s (via terminal index)", clientID, terminalID, s.ID)
			return s, true, nil
		}
	}
	h.mu.Unlock()

	// 3. Fresh session. The PTY spawn happens outside the hub lock.
	s, err := NewSession(uuid.NewString(), clientID, h.cfg.Shell, cols, rows, h.cfg.ScrollbackSize)
	if err != nil {
		return nil, false, fmt.Errorf("spawn shell: %w", err)
	}

	// The room-broadcast subscriber is installed exactly once, here, and
	// never re-installed on attach.
	if h.broadcaster != nil {
		sessionID, primaryTerminal := s.ID, terminalID
		s.Subscribe("room:"+sessionID, func(data []byte) {
			h.broadcaster.BroadcastData(sessionID, primaryTerminal, data)
		})
	}

	h.mu.Lock()
	// Concurrent creates for the same terminalID can both miss the scan
	// above; the loser adopts the winner's session and discards its own
	// shell.
	for key, sid := range h.terminals {
		if key.terminalID != terminalID {
			continue
		}
		if existing, ok := h.sessions[sid]; ok && !existing.Dead() {
			h.adoptLocked(existing, clientID, terminalID)
			h.mu.Unlock()
			s.Kill()
			return existing, true, nil
		}
	}
	h.sessions[s.ID] = s
	h.terminals[clientTerminal{clientID, terminalID}] = s.ID
	h.mu.Unlock()

	go h.watchSession(s)

	logrus.Infof("Created session %s for client %s terminal %s (%dx%d)", s.ID, clientID, terminalID, cols, rows)
	return s, false, nil
}

// adoptLocked binds a restored session to the requesting client and, when
// the original creator is gone, hands it resize authority. Callers hold
// the hub mutex.
func (h *Hub) adoptLocked(s *Session, clientID, terminalID string) {
	h.terminals[clientTerminal{clientID, terminalID}] = s.ID
	if !s.Attached(s.CreatorID) {
		s.CreatorID = clientID
	}
}

// watchSession removes a session from the registry once its shell exits.
// A session with a dead PTY is deleted, not parked.
func (h *Hub) watchSession(s *Session) {
	<-s.Done()
	if h.removeSession(s.ID) {
		logrus.Infof("Session %s ended (exit code %d)", s.ID, s.ExitCode())
	}
}

// removeSession drops a session and every terminal mapping pointing at it.
// Returns false if the session was already gone.
func (h *Hub) removeSession(sessionID string) bool {
	h.mu.Lock()
	s, ok := h.sessions[sessionID]
	if ok {
		delete(h.sessions, sessionID)
		for key, sid := range h.terminals {
			if sid == sessionID {
				delete(h.terminals, key)
			}
		}
	}
	h.mu.Unlock()

	if !ok {
		return false
	}
	s.Kill()
	if h.broadcaster != nil {
		h.broadcaster.BroadcastDestroyed(sessionID)
	}
	return true
}

// Get returns a live session by id.
func (h *Hub) Get(sessionID string) (*Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[sessionID]
	if !ok || s.Dead() {
		return nil, false
	}
	return s, true
}

// Lookup resolves a (clientID, terminalID) pair to its session.
func (h *Hub) Lookup(clientID, terminalID string) (*Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sid, ok := h.terminals[clientTerminal{clientID, terminalID}]
	if !ok {
		return nil, false
	}
	s, ok := h.sessions[sid]
	if !ok || s.Dead() {
		return nil, false
	}
	return s, true
}

// Input routes client keystrokes to the mapped session. An unknown mapping
// is a no-op with a warning.
func (h *Hub) Input(clientID, terminalID string, data []byte) {
	s, ok := h.Lookup(clientID, terminalID)
	if !ok {
		logrus.Warnf("Input for unknown terminal %s from client %s dropped", terminalID, clientID)
		return
	}
	if err := s.Write(data); err != nil {
		logrus.Warnf("Write to session %s failed: %v", s.ID, err)
	}
}

// Resize applies a resize from the terminal's creating client and
// broadcasts the new dimensions to the room. Resizes from replica viewers
// are dropped so a small screen attaching never shrinks the creator's
// terminal.
func (h *Hub) Resize(clientID, terminalID string, cols, rows uint16) {
	s, ok := h.Lookup(clientID, terminalID)
	if !ok {
		logrus.Warnf("Resize for unknown terminal %s from client %s dropped", terminalID, clientID)
		return
	}

	h.mu.Lock()
	isCreator := s.CreatorID == clientID
	h.mu.Unlock()
	if !isCreator {
		logrus.Debugf("Ignoring resize of session %s from non-creator %s", s.ID, clientID)
		return
	}

	if err := s.Resize(cols, rows); err != nil {
		logrus.Warnf("Resize of session %s failed: %v", s.ID, err)
		return
	}
	if h.broadcaster != nil {
		h.broadcaster.BroadcastDimensions(s.ID, cols, rows)
	}
}

// ReplicaAttach resolves the live session a replica viewer asks for. It
// adds no terminal index entry; the transport attaches the client and
// joins it to the session's room. Replicas receive output and may send
// input, but their resizes are ignored.
func (h *Hub) ReplicaAttach(clientID, sessionID string) (*Session, error) {
	s, ok := h.Get(sessionID)
	if !ok {
		return nil, fmt.Errorf("no such session: %s", sessionID)
	}
	return s, nil
}

// ReplicaInput writes replica keystrokes directly to a session.
func (h *Hub) ReplicaInput(clientID, sessionID string, data []byte) {
	s, ok := h.Get(sessionID)
	if !ok {
		logrus.Warnf("Replica input for unknown session %s dropped", sessionID)
		return
	}
	if err := s.Write(data); err != nil {
		logrus.Warnf("Write to session %s failed: %v", s.ID, err)
	}
}

// ReplicaLeave detaches a replica viewer from a session.
func (h *Hub) ReplicaLeave(clientID, sessionID string) {
	if s, ok := h.Get(sessionID); ok {
		s.Detach(clientID)
	}
}

// DestroyTerminal removes the client's terminal mapping and detaches it.
// The session itself is killed only when no attachments remain and the
// destroying client created it; a session some other viewer still holds
// lives on.
func (h *Hub) DestroyTerminal(clientID, terminalID string) (string, bool) {
	h.mu.Lock()
	key := clientTerminal{clientID, terminalID}
	sid, ok := h.terminals[key]
	if !ok {
		h.mu.Unlock()
		return "", false
	}
	delete(h.terminals, key)
	s := h.sessions[sid]
	h.mu.Unlock()

	if s == nil {
		return sid, false
	}

	s.Detach(clientID)

	h.mu.Lock()
	shouldKill := s.AttachmentCount() == 0 && s.CreatorID == clientID
	h.mu.Unlock()

	if shouldKill {
		h.removeSession(sid)
		logrus.Infof("Destroyed session %s on request of creator %s", sid, clientID)
		return sid, true
	}
	return sid, false
}

// DisconnectClient detaches every terminal the client holds, dropping its
// mappings but keeping sessions alive for reconnection. Disconnect is not
// destroy: each detach restarts the session's idle clock, so a session
// left without viewers gets the full idle timeout before eviction.
func (h *Hub) DisconnectClient(clientID string) {
	h.mu.Lock()
	var affected []*Session
	for key, sid := range h.terminals {
		if key.clientID != clientID {
			continue
		}
		delete(h.terminals, key)
		if s, ok := h.sessions[sid]; ok {
			affected = append(affected, s)
		}
	}
	// Replica attachments have no terminal mapping; detach those too.
	for _, s := range h.sessions {
		if s.Attached(clientID) {
			affected = append(affected, s)
		}
	}
	h.mu.Unlock()

	for _, s := range affected {
		s.Detach(clientID)
	}
}

// SessionCount returns the number of registered sessions.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// HasSession reports whether a live session with the given id exists.
func (h *Hub) HasSession(sessionID string) bool {
	_, ok := h.Get(sessionID)
	return ok
}

func (h *Hub) sweepLoop() {
	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.sweep()
		case <-h.stopCh:
			return
		}
	}
}

// sweep reaps dead sessions and kills sessions that have sat without any
// attachment past the idle timeout.
func (h *Hub) sweep() {
	h.mu.Lock()
	var victims []string
	for id, s := range h.sessions {
		if s.Dead() {
			victims = append(victims, id)
			continue
		}
		if s.AttachmentCount() == 0 && s.IdleFor() > h.cfg.IdleTimeout {
			logrus.Infof("Evicting idle session %s (idle > %v)", id, h.cfg.IdleTimeout)
			victims = append(victims, id)
		}
	}
	h.mu.Unlock()

	for _, id := range victims {
		h.removeSession(id)
	}
}

// Shutdown stops the sweeper and kills every session.
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() { close(h.stopCh) })

	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessions = make(map[string]*Session)
	h.terminals = make(map[clientTerminal]string)
	h.mu.Unlock()

	for _, s := range sessions {
		s.Kill()
	}
}
