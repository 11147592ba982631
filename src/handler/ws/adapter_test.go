package ws

import (
	"bytes"
	"encoding/base64"
	encjson "encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/kerpopule/terminal-tunnel/src/handler/terminal"
	"github.com/kerpopule/terminal-tunnel/src/store"
)

// newTestAdapter builds an adapter with real stores in a temp dir and a
// live hub. Clients are driven through dispatch directly; frames are read
// straight off the send queue.
func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	dir := t.TempDir()

	tabs, err := store.NewTabStore(dir)
	if err != nil {
		t.Fatalf("NewTabStore: %v", err)
	}
	favorites, err := store.NewCollectionStore(dir, "favorites.json")
	if err != nil {
		t.Fatalf("favorites: %v", err)
	}
	commands, err := store.NewCollectionStore(dir, "commands.json")
	if err != nil {
		t.Fatalf("commands: %v", err)
	}

	a := NewAdapter(tabs, favorites, commands)
	hub := terminal.NewHub(terminal.HubConfig{Shell: "/bin/sh"}, a)
	a.BindHub(hub)
	t.Cleanup(hub.Shutdown)
	return a
}

func newTestClient(a *Adapter) *Client {
	a.clientsMu.Lock()
	defer a.clientsMu.Unlock()
	c := newClient(fmt.Sprintf("test-client-%d", len(a.clients)+1), nil, a)
	a.clients[c.ID] = c
	return c
}

// nextFrame pops one frame off the client queue within the timeout.
func nextFrame(t *testing.T, c *Client, timeout time.Duration) Envelope {
	t.Helper()
	select {
	case frame := <-c.send:
		var env Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			t.Fatalf("bad frame %q: %v", frame, err)
		}
		return env
	case <-time.After(timeout):
		t.Fatal("no frame arrived")
		return Envelope{}
	}
}

// nextFrameOfEvent drains frames until one with the wanted event arrives.
func nextFrameOfEvent(t *testing.T, c *Client, event string, timeout time.Duration) Envelope {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.Fatalf("no %s frame arrived", event)
		}
		env := nextFrame(t, c, remaining)
		if env.Event == event {
			return env
		}
	}
}

func payload(t *testing.T, v any) encjson.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return raw
}

func TestCreateEmitsCreatedThenHistory(t *testing.T) {
	a := newTestAdapter(t)
	c := newTestClient(a)

	a.dispatch(c, Envelope{
		Event:   EvTerminalCreate,
		Payload: payload(t, CreatePayload{TerminalID: "t1", Cols: 80, Rows: 24}),
	})

	env := nextFrame(t, c, 5*time.Second)
	if env.Event != EvTerminalCreated {
		t.Fatalf("first frame = %s, want %s", env.Event, EvTerminalCreated)
	}
	var created CreatedPayload
	if err := json.Unmarshal(env.Payload, &created); err != nil {
		t.Fatalf("decode created: %v", err)
	}
	if created.Restored || created.TerminalID != "t1" || created.SessionID == "" {
		t.Errorf("created payload = %+v", created)
	}

	env = nextFrame(t, c, 5*time.Second)
	if env.Event != EvTerminalHistory {
		t.Fatalf("second frame = %s, want %s", env.Event, EvTerminalHistory)
	}
	var hist HistoryPayload
	if err := json.Unmarshal(env.Payload, &hist); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if hist.Cols != 80 || hist.Rows != 24 || hist.SessionID != created.SessionID {
		t.Errorf("history payload = %+v", hist)
	}
}

func TestInputProducesRoomData(t *testing.T) {
	a := newTestAdapter(t)
	c := newTestClient(a)

	a.dispatch(c, Envelope{
		Event:   EvTerminalCreate,
		Payload: payload(t, CreatePayload{TerminalID: "t1", Cols: 80, Rows: 24}),
	})
	nextFrameOfEvent(t, c, EvTerminalHistory, 5*time.Second)

	a.dispatch(c, Envelope{
		Event: EvTerminalInput,
		Payload: payload(t, InputPayload{
			TerminalID: "t1",
			Data:       base64.StdEncoding.EncodeToString([]byte("echo live-data\n")),
		}),
	})

	deadline := time.Now().Add(10 * time.Second)
	var collected []byte
	for time.Now().Before(deadline) {
		env := nextFrameOfEvent(t, c, EvTerminalData, time.Until(deadline))
		var data DataPayload
		if err := json.Unmarshal(env.Payload, &data); err != nil {
			t.Fatalf("decode data: %v", err)
		}
		chunk, err := base64.StdEncoding.DecodeString(data.Data)
		if err != nil {
			t.Fatalf("data not base64: %v", err)
		}
		collected = append(collected, chunk...)
		if bytes.Contains(collected, []byte("live-data")) {
			return
		}
	}
	t.Fatal("echoed input never came back as terminal:data")
}

func TestLegacyCreateDefaultsTerminalID(t *testing.T) {
	a := newTestAdapter(t)
	c := newTestClient(a)

	// Legacy single-terminal clients omit terminalId entirely.
	a.dispatch(c, Envelope{
		Event:   EvTerminalCreate,
		Payload: payload(t, map[string]int{"cols": 80, "rows": 24}),
	})

	env := nextFrame(t, c, 5*time.Second)
	var created CreatedPayload
	if err := json.Unmarshal(env.Payload, &created); err != nil {
		t.Fatalf("decode created: %v", err)
	}
	if created.TerminalID != legacyTerminalID {
		t.Errorf("terminalId = %q, want %q", created.TerminalID, legacyTerminalID)
	}
}

func TestReplicaAttachUnknownSessionEmitsError(t *testing.T) {
	a := newTestAdapter(t)
	c := newTestClient(a)

	a.dispatch(c, Envelope{
		Event:   EvTerminalReplicaAttach,
		Payload: payload(t, ReplicaPayload{SessionID: "missing"}),
	})

	env := nextFrame(t, c, 2*time.Second)
	if env.Event != EvTerminalReplicaError {
		t.Errorf("event = %s, want %s", env.Event, EvTerminalReplicaError)
	}
}

func TestReplicaAttachDeliversHistory(t *testing.T) {
	a := newTestAdapter(t)
	creator := newTestClient(a)
	replica := newTestClient(a)

	a.dispatch(creator, Envelope{
		Event:   EvTerminalCreate,
		Payload: payload(t, CreatePayload{TerminalID: "t1", Cols: 80, Rows: 24}),
	})
	env := nextFrame(t, creator, 5*time.Second)
	var created CreatedPayload
	if err := json.Unmarshal(env.Payload, &created); err != nil {
		t.Fatalf("decode created: %v", err)
	}

	a.dispatch(replica, Envelope{
		Event:   EvTerminalReplicaAttach,
		Payload: payload(t, ReplicaPayload{SessionID: created.SessionID}),
	})

	env = nextFrameOfEvent(t, replica, EvTerminalReplicaHistory, 5*time.Second)
	var hist HistoryPayload
	if err := json.Unmarshal(env.Payload, &hist); err != nil {
		t.Fatalf("decode replica history: %v", err)
	}
	if hist.SessionID != created.SessionID {
		t.Errorf("replica history for %s, want %s", hist.SessionID, created.SessionID)
	}
}

func TestTabAddBroadcastsSync(t *testing.T) {
	a := newTestAdapter(t)
	c1 := newTestClient(a)
	c2 := newTestClient(a)

	a.dispatch(c1, Envelope{
		Event:   EvTabsAdd,
		Payload: payload(t, TabPayload{Name: "builds"}),
	})

	for _, c := range []*Client{c1, c2} {
		env := nextFrameOfEvent(t, c, EvTabsSync, 2*time.Second)
		var file store.TabsFile
		if err := json.Unmarshal(env.Payload, &file); err != nil {
			t.Fatalf("decode tabs sync: %v", err)
		}
		if len(file.Tabs) != 2 {
			t.Errorf("synced tab count = %d", len(file.Tabs))
		}
	}
}

func TestTabRemoveUnknownEmitsError(t *testing.T) {
	a := newTestAdapter(t)
	c := newTestClient(a)

	a.dispatch(c, Envelope{
		Event:   EvTabsRemove,
		Payload: payload(t, TabPayload{ID: "missing"}),
	})

	env := nextFrame(t, c, 2*time.Second)
	if env.Event != EvTabsError {
		t.Errorf("event = %s, want %s", env.Event, EvTabsError)
	}
}

func TestDataRoundTripsArbitraryBytes(t *testing.T) {
	raw := []byte{0x00, 0xff, 0x1b, '[', 'H', 0x80, 0x7f}
	encoded := encodeData(raw)
	if got := decodeData(encoded); !bytes.Equal(got, raw) {
		t.Errorf("round trip lost bytes: %v -> %v", raw, got)
	}
}

func TestDecodeDataLegacyFallback(t *testing.T) {
	// A plain "ls\r" is not valid base64 (the decoder skips "\r", and the
	// remaining "ls" is an unpadded partial quantum), so legacy text
	// payloads pass through as raw bytes.
	if got := decodeData("ls\r"); !bytes.Equal(got, []byte("ls\r")) {
		t.Errorf("legacy fallback mangled input: %q", got)
	}
	if got := decodeData(""); got != nil {
		t.Errorf("empty payload decoded to %v", got)
	}
}
