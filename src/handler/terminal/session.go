package terminal

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ansiReset resets all terminal text attributes. Prepended to scrollback
// replays to avoid inheriting stale formatting from truncated escape
// sequences.
const ansiReset = "\x1b[0m"

// subscriber is a fanout target keyed by an opaque id. The session never
// holds transport objects, only callbacks registered under an id.
type subscriber struct {
	id string
	fn func(data []byte)
}

// Session owns one PTY plus its scrollback ring, attachment set and fanout
// subscription list. Output flows PTY -> scrollback -> subscribers in PTY
// order; the read loop is installed exactly once, at creation.
type Session struct {
	ID        string
	CreatorID string
	CreatedAt time.Time

	pty        *Pty
	scrollback *Scrollback

	// fanMu serializes scrollback appends, subscriber fanout, subscriber
	// registration and effective dimensions. AttachWithSnapshot holds it
	// while delivering history so no live chunk can interleave.
	fanMu       sync.Mutex
	subscribers []subscriber
	cols, rows  uint16
	dead        bool

	attachMu    sync.Mutex
	attachments map[string]struct{}

	activityMu   sync.Mutex
	lastActivity time.Time

	doneCh    chan struct{}
	closeOnce sync.Once
}

// NewSession spawns a shell and starts the session's single read loop.
func NewSession(id, creatorID, shell string, cols, rows uint16, scrollbackSize int) (*Session, error) {
	p, err := NewPty(shell, cols, rows)
	if err != nil {
		return nil, err
	}

	s := &Session{
		ID:           id,
		CreatorID:    creatorID,
		CreatedAt:    time.Now(),
		pty:          p,
		scrollback:   NewScrollback(scrollbackSize),
		cols:         cols,
		rows:         rows,
		attachments:  make(map[string]struct{}),
		lastActivity: time.Now(),
		doneCh:       make(chan struct{}),
	}

	go s.readLoop()
	go s.watchShellExit()

	return s, nil
}

// readLoop continuously reads from the PTY and distributes output. It runs
// for the entire lifetime of the session; when the PTY returns an error
// (shell exited) the session is marked dead.
func (s *Session) readLoop() {
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("readLoop panic in session %s: %v", s.ID, r)
		}
		s.markDead()
	}()

	buf := make([]byte, 32*1024)
	for {
		n, err := s.pty.Read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])

		s.fanMu.Lock()
		if s.dead {
			s.fanMu.Unlock()
			return
		}
		_, _ = s.scrollback.Write(data)
		for _, sub := range s.subscribers {
			sub.fn(data)
		}
		s.fanMu.Unlock()

		s.touch()
	}
}

// watchShellExit closes the session when the shell process exits, even if
// background children still hold the PTY open.
func (s *Session) watchShellExit() {
	select {
	case <-s.pty.Done():
		logrus.Infof("Shell exited for session %s (code %d)", s.ID, s.pty.ExitCode())
		s.pty.Kill()
		s.markDead()
	case <-s.doneCh:
	}
}

func (s *Session) markDead() {
	s.closeOnce.Do(func() {
		s.fanMu.Lock()
		s.dead = true
		s.fanMu.Unlock()
		close(s.doneCh)
	})
}

func (s *Session) touch() {
	s.activityMu.Lock()
	s.lastActivity = time.Now()
	s.activityMu.Unlock()
}

// Subscribe registers a fanout callback under the given id. Registering an
// id twice replaces the previous callback instead of duplicating delivery.
func (s *Session) Subscribe(id string, fn func(data []byte)) {
	s.fanMu.Lock()
	defer s.fanMu.Unlock()
	for i, sub := range s.subscribers {
		if sub.id == id {
			s.subscribers[i].fn = fn
			return
		}
	}
	s.subscribers = append(s.subscribers, subscriber{id: id, fn: fn})
}

// Unsubscribe removes the callback registered under id.
func (s *Session) Unsubscribe(id string) {
	s.fanMu.Lock()
	defer s.fanMu.Unlock()
	for i, sub := range s.subscribers {
		if sub.id == id {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			return
		}
	}
}

// SubscriberCount returns the number of registered fanout callbacks.
func (s *Session) SubscriberCount() int {
	s.fanMu.Lock()
	defer s.fanMu.Unlock()
	return len(s.subscribers)
}

// Attach binds a client to this session. Idempotent.
func (s *Session) Attach(clientID string) {
	s.attachMu.Lock()
	s.attachments[clientID] = struct{}{}
	s.attachMu.Unlock()
}

// Detach removes a client binding. The session stays alive even when the
// attachment set becomes empty; only explicit destroy, PTY exit or idle
// eviction kill it.
func (s *Session) Detach(clientID string) {
	s.attachMu.Lock()
	delete(s.attachments, clientID)
	s.attachMu.Unlock()
	s.touch()
}

// Attached reports whether the given client is bound to this session.
func (s *Session) Attached(clientID string) bool {
	s.attachMu.Lock()
	defer s.attachMu.Unlock()
	_, ok := s.attachments[clientID]
	return ok
}

// AttachmentCount returns the number of bound clients.
func (s *Session) AttachmentCount() int {
	s.attachMu.Lock()
	defer s.attachMu.Unlock()
	return len(s.attachments)
}

// AttachWithSnapshot binds the client and invokes deliver with a scrollback
// snapshot and the effective dimensions while holding the fanout mutex.
// Data arriving after deliver returns is guaranteed to reach the client
// strictly after the snapshot, with no gap and no duplication.
func (s *Session) AttachWithSnapshot(clientID string, deliver func(snapshot []byte, cols, rows uint16)) {
	s.Attach(clientID)

	s.fanMu.Lock()
	defer s.fanMu.Unlock()
	deliver(s.snapshotLocked(), s.cols, s.rows)
}

// Write forwards input bytes to the PTY and updates the activity clock.
func (s *Session) Write(p []byte) error {
	s.touch()
	_, err := s.pty.Write(p)
	return err
}

// Resize reprograms the PTY to the given dimensions. Zero dimensions are
// rejected by being ignored.
func (s *Session) Resize(cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return nil
	}
	if err := s.pty.Resize(cols, rows); err != nil {
		return err
	}
	s.fanMu.Lock()
	s.cols, s.rows = cols, rows
	s.fanMu.Unlock()
	s.touch()
	return nil
}

// Dims returns the effective dimensions currently programmed into the PTY.
func (s *Session) Dims() (cols, rows uint16) {
	s.fanMu.Lock()
	defer s.fanMu.Unlock()
	return s.cols, s.rows
}

// Snapshot returns a copy of the scrollback, prepended with an ANSI reset
// so attribute state pruned by ring truncation does not leak into replays.
func (s *Session) Snapshot() []byte {
	s.fanMu.Lock()
	defer s.fanMu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() []byte {
	buffered := s.scrollback.Bytes()
	if len(buffered) == 0 {
		return nil
	}
	out := make([]byte, len(ansiReset)+len(buffered))
	copy(out, ansiReset)
	copy(out[len(ansiReset):], buffered)
	return out
}

// IdleFor returns how long ago the session last saw I/O.
func (s *Session) IdleFor() time.Duration {
	s.activityMu.Lock()
	defer s.activityMu.Unlock()
	return time.Since(s.lastActivity)
}

// Dead reports whether the shell has exited or the session was killed.
func (s *Session) Dead() bool {
	s.fanMu.Lock()
	defer s.fanMu.Unlock()
	return s.dead
}

// Done is closed when the session dies.
func (s *Session) Done() <-chan struct{} {
	return s.doneCh
}

// ExitCode returns the shell exit code. Valid only after Done is closed.
func (s *Session) ExitCode() int {
	return s.pty.ExitCode()
}

// Kill disposes the PTY and marks the session dead.
func (s *Session) Kill() {
	s.pty.Kill()
	s.markDead()
}
