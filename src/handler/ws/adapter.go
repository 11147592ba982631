package ws

import (
	"encoding/base64"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/kerpopule/terminal-tunnel/src/handler/terminal"
	"github.com/kerpopule/terminal-tunnel/src/store"
)

// Adapter maps wire events onto hub calls and fans session output out to
// rooms. It satisfies terminal.Broadcaster; the hub only ever sees that
// interface, never the adapter itself.
type Adapter struct {
	hub *terminal.Hub

	rooms *roomSet

	clientsMu sync.Mutex
	clients   map[string]*Client

	tabs      *store.TabStore
	favorites *store.CollectionStore
	commands  *store.CollectionStore
}

// NewAdapter creates the transport adapter. BindHub must be called before
// the first connection is handled.
func NewAdapter(tabs *store.TabStore, favorites, commands *store.CollectionStore) *Adapter {
	return &Adapter{
		rooms:     newRoomSet(),
		clients:   make(map[string]*Client),
		tabs:      tabs,
		favorites: favorites,
		commands:  commands,
	}
}

// BindHub wires the session hub in after construction. The adapter and hub
// reference each other only through this call and the Broadcaster
// interface.
func (a *Adapter) BindHub(h *terminal.Hub) {
	a.hub = h
}

// HandleConnection runs one client connection to completion. The caller's
// goroutine becomes the read loop.
func (a *Adapter) HandleConnection(conn *websocket.Conn) {
	c := newClient(uuid.NewString(), conn, a)

	a.clientsMu.Lock()
	a.clients[c.ID] = c
	a.clientsMu.Unlock()

	logrus.Infof("Client %s connected", c.ID)

	go c.writePump()

	// Push the persistent state so a fresh client renders without asking.
	c.Emit(EvTabsSync, a.tabs.Get())
	c.Emit(EvFavoritesSync, a.favorites.Get())
	c.Emit(EvCommandsSync, a.commands.Get())

	c.readPump()
}

// removeClient detaches a disconnected client everywhere. Sessions stay
// alive: disconnect is not destroy.
func (a *Adapter) removeClient(c *Client) {
	a.clientsMu.Lock()
	delete(a.clients, c.ID)
	a.clientsMu.Unlock()

	a.rooms.leaveAll(c)
	a.hub.DisconnectClient(c.ID)
	logrus.Infof("Client %s disconnected", c.ID)
}

// dispatch routes one inbound frame by its event tag.
func (a *Adapter) dispatch(c *Client, env Envelope) {
	switch env.Event {
	case EvTerminalCreate:
		a.handleCreate(c, env)
	case EvTerminalDestroy:
		a.handleDestroy(c, env)
	case EvTerminalRestore:
		a.handleRestore(c, env)
	case EvTerminalInput:
		a.handleInput(c, env)
	case EvTerminalResize:
		a.handleResize(c, env)
	case EvTerminalRequestHistory:
		a.handleRequestHistory(c, env)
	case EvTerminalReplicaAttach:
		a.handleReplicaAttach(c, env)
	case EvTerminalReplicaLeave:
		a.handleReplicaLeave(c, env)
	case EvTerminalReplicaInput:
		a.handleReplicaInput(c, env)
	case EvTerminalReplicaResize:
		// Replica resizes never touch the PTY.
		logrus.Debugf("Dropping replica resize from client %s", c.ID)
	case EvTabsGet:
		c.Emit(EvTabsSync, a.tabs.Get())
	case EvTabsAdd, EvTabsRemove, EvTabsRename, EvTabsSetSession:
		a.handleTabOp(c, env)
	case EvFavoritesGet:
		c.Emit(EvFavoritesSync, a.favorites.Get())
	case EvFavoritesSet:
		a.handleItemsSet(c, env, a.favorites, EvFavoritesSync)
	case EvCommandsGet:
		c.Emit(EvCommandsSync, a.commands.Get())
	case EvCommandsSet:
		a.handleItemsSet(c, env, a.commands, EvCommandsSync)
	default:
		logrus.Warnf("Unknown event %q from client %s", env.Event, c.ID)
	}
}

func (a *Adapter) handleCreate(c *Client, env Envelope) {
	var p CreatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		logrus.Warnf("Bad %s payload from %s: %v", env.Event, c.ID, err)
		return
	}
	if p.TerminalID == "" {
		p.TerminalID = legacyTerminalID
	}

	s, restored, err := a.hub.CreateTerminal(c.ID, p.TerminalID, p.Cols, p.Rows, p.SessionID)
	if err != nil {
		c.Emit(EvTerminalError, ErrorPayload{TerminalID: p.TerminalID, Message: err.Error()})
		return
	}

	c.Emit(EvTerminalCreated, CreatedPayload{
		TerminalID: p.TerminalID,
		SessionID:  s.ID,
		Restored:   restored,
	})
	a.attachWithHistory(c, s, p.TerminalID, EvTerminalHistory)
}

// attachWithHistory delivers the scrollback snapshot and joins the room
// while the session's fanout is paused, so history always precedes the
// first live chunk and nothing is duplicated in between.
func (a *Adapter) attachWithHistory(c *Client, s *terminal.Session, terminalID, historyEvent string) {
	room := a.rooms.get(s.ID)
	s.AttachWithSnapshot(c.ID, func(snapshot []byte, cols, rows uint16) {
		c.Emit(historyEvent, HistoryPayload{
			TerminalID: terminalID,
			SessionID:  s.ID,
			Data:       encodeData(snapshot),
			Cols:       cols,
			Rows:       rows,
		})
		room.join(c)
	})
}

func (a *Adapter) handleDestroy(c *Client, env Envelope) {
	var p DestroyPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		logrus.Warnf("Bad %s payload from %s: %v", env.Event, c.ID, err)
		return
	}
	if p.TerminalID == "" {
		p.TerminalID = legacyTerminalID
	}

	sessionID, _ := a.hub.DestroyTerminal(c.ID, p.TerminalID)
	if sessionID != "" {
		if room, ok := a.rooms.lookup(sessionID); ok {
			room.leave(c)
		}
	}
	c.Emit(EvTerminalDestroyed, DestroyedPayload{TerminalID: p.TerminalID, SessionID: sessionID})
}

func (a *Adapter) handleRestore(c *Client, env Envelope) {
	var p RestorePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		logrus.Warnf("Bad %s payload from %s: %v", env.Event, c.ID, err)
		return
	}

	results := make([]CreatedPayload, 0, len(p.Terminals))
	restoredSessions := make([]*terminal.Session, 0, len(p.Terminals))
	terminalIDs := make([]string, 0, len(p.Terminals))

	for _, entry := range p.Terminals {
		if entry.TerminalID == "" {
			entry.TerminalID = legacyTerminalID
		}
		s, restored, err := a.hub.CreateTerminal(c.ID, entry.TerminalID, entry.Cols, entry.Rows, entry.SessionID)
		if err != nil {
			c.Emit(EvTerminalError, ErrorPayload{TerminalID: entry.TerminalID, Message: err.Error()})
			continue
		}
		results = append(results, CreatedPayload{
			TerminalID: entry.TerminalID,
			SessionID:  s.ID,
			Restored:   restored,
		})
		restoredSessions = append(restoredSessions, s)
		terminalIDs = append(terminalIDs, entry.TerminalID)
	}

	c.Emit(EvTerminalRestored, RestoredPayload{Terminals: results})
	for i, s := range restoredSessions {
		a.attachWithHistory(c, s, terminalIDs[i], EvTerminalHistory)
	}
}

func (a *Adapter) handleInput(c *Client, env Envelope) {
	var p InputPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		logrus.Warnf("Bad %s payload from %s: %v", env.Event, c.ID, err)
		return
	}
	if p.TerminalID == "" {
		p.TerminalID = legacyTerminalID
	}
	a.hub.Input(c.ID, p.TerminalID, decodeData(p.Data))
}

func (a *Adapter) handleResize(c *Client, env Envelope) {
	var p ResizePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		logrus.Warnf("Bad %s payload from %s: %v", env.Event, c.ID, err)
		return
	}
	if p.TerminalID == "" {
		p.TerminalID = legacyTerminalID
	}
	a.hub.Resize(c.ID, p.TerminalID, p.Cols, p.Rows)
}

func (a *Adapter) handleRequestHistory(c *Client, env Envelope) {
	var p RequestHistoryPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		logrus.Warnf("Bad %s payload from %s: %v", env.Event, c.ID, err)
		return
	}
	if p.TerminalID == "" {
		p.TerminalID = legacyTerminalID
	}

	s, ok := a.hub.Lookup(c.ID, p.TerminalID)
	if !ok {
		c.Emit(EvTerminalError, ErrorPayload{TerminalID: p.TerminalID, Message: "no such terminal"})
		return
	}
	cols, rows := s.Dims()
	c.Emit(EvTerminalHistory, HistoryPayload{
		TerminalID: p.TerminalID,
		SessionID:  s.ID,
		Data:       encodeData(s.Snapshot()),
		Cols:       cols,
		Rows:       rows,
	})
}

func (a *Adapter) handleReplicaAttach(c *Client, env Envelope) {
	var p ReplicaPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		logrus.Warnf("Bad %s payload from %s: %v", env.Event, c.ID, err)
		return
	}

	s, err := a.hub.ReplicaAttach(c.ID, p.SessionID)
	if err != nil {
		c.Emit(EvTerminalReplicaError, ErrorPayload{SessionID: p.SessionID, Message: err.Error()})
		return
	}
	a.attachWithHistory(c, s, "", EvTerminalReplicaHistory)
}

func (a *Adapter) handleReplicaLeave(c *Client, env Envelope) {
	var p ReplicaPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		logrus.Warnf("Bad %s payload from %s: %v", env.Event, c.ID, err)
		return
	}
	a.hub.ReplicaLeave(c.ID, p.SessionID)
	if room, ok := a.rooms.lookup(p.SessionID); ok {
		room.leave(c)
	}
}

func (a *Adapter) handleReplicaInput(c *Client, env Envelope) {
	var p ReplicaPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		logrus.Warnf("Bad %s payload from %s: %v", env.Event, c.ID, err)
		return
	}
	a.hub.ReplicaInput(c.ID, p.SessionID, decodeData(p.Data))
}

func (a *Adapter) handleTabOp(c *Client, env Envelope) {
	var p TabPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		logrus.Warnf("Bad %s payload from %s: %v", env.Event, c.ID, err)
		return
	}

	var (
		file store.TabsFile
		err  error
	)
	switch env.Event {
	case EvTabsAdd:
		file, err = a.tabs.Add(p.ID, p.Name)
	case EvTabsRemove:
		file, err = a.tabs.Remove(p.ID)
	case EvTabsRename:
		file, err = a.tabs.Rename(p.ID, p.Name)
	case EvTabsSetSession:
		file, err = a.tabs.SetSession(p.ID, p.SessionID)
	}
	if err != nil {
		c.Emit(EvTabsError, ErrorPayload{Message: err.Error()})
		return
	}
	a.broadcastAll(EvTabsSync, file)
}

func (a *Adapter) handleItemsSet(c *Client, env Envelope, cs *store.CollectionStore, syncEvent string) {
	var p ItemsPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		logrus.Warnf("Bad %s payload from %s: %v", env.Event, c.ID, err)
		return
	}
	file, err := cs.SetItems(p.Items)
	if err != nil {
		c.Emit(EvTabsError, ErrorPayload{Message: err.Error()})
		return
	}
	a.broadcastAll(syncEvent, file)
}

// broadcastAll sends one event frame to every connected client.
func (a *Adapter) broadcastAll(event string, payload any) {
	frame, err := marshalFrame(event, payload)
	if err != nil {
		logrus.Errorf("Marshal %s failed: %v", event, err)
		return
	}

	a.clientsMu.Lock()
	defer a.clientsMu.Unlock()
	for _, c := range a.clients {
		c.enqueue(frame)
	}
}

// BroadcastTabs pushes the current tab file to every client. Used by the
// HTTP tab endpoints and the state-directory watcher.
func (a *Adapter) BroadcastTabs() {
	a.broadcastAll(EvTabsSync, a.tabs.Get())
}

// BroadcastFavorites pushes the favorites collection to every client.
func (a *Adapter) BroadcastFavorites() {
	a.broadcastAll(EvFavoritesSync, a.favorites.Get())
}

// BroadcastCommands pushes the commands collection to every client.
func (a *Adapter) BroadcastCommands() {
	a.broadcastAll(EvCommandsSync, a.commands.Get())
}

// BroadcastData implements terminal.Broadcaster: one live PTY chunk to the
// session's room.
func (a *Adapter) BroadcastData(sessionID, terminalID string, data []byte) {
	room, ok := a.rooms.lookup(sessionID)
	if !ok {
		return
	}
	room.broadcast(EvTerminalData, DataPayload{
		TerminalID: terminalID,
		SessionID:  sessionID,
		Data:       encodeData(data),
	})
}

// BroadcastDimensions implements terminal.Broadcaster.
func (a *Adapter) BroadcastDimensions(sessionID string, cols, rows uint16) {
	room, ok := a.rooms.lookup(sessionID)
	if !ok {
		return
	}
	room.broadcast(EvTerminalDimensions, DimensionsPayload{
		SessionID: sessionID,
		Cols:      cols,
		Rows:      rows,
	})
}

// BroadcastDestroyed implements terminal.Broadcaster: announce the session
// teardown and drop its room.
func (a *Adapter) BroadcastDestroyed(sessionID string) {
	if room, ok := a.rooms.lookup(sessionID); ok {
		room.broadcast(EvTerminalDestroyed, DestroyedPayload{SessionID: sessionID})
	}
	a.rooms.drop(sessionID)
}

// encodeData wraps raw PTY bytes for the JSON transport. Base64 keeps
// arbitrary byte sequences intact end to end.
func encodeData(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// decodeData reverses encodeData. Payloads that are not valid base64 are
// treated as raw text, which is what the legacy single-terminal clients
// sent.
func decodeData(s string) []byte {
	if s == "" {
		return nil
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return []byte(s)
	}
	return data
}
