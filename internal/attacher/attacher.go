// Package attacher keeps the monitoring view synchronized with whichever
// engine instance is currently reachable, following its on-disk session
// record across engine restarts and hand-offs.
package attacher

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/theredsix/abp/internal/engine"
	"github.com/theredsix/abp/internal/hub"
	"github.com/theredsix/abp/internal/logging"
	"github.com/theredsix/abp/internal/protocol"
	"github.com/theredsix/abp/internal/sessiondb"
	"github.com/theredsix/abp/internal/watcher"
)

var (
	// ErrNotAttached: the engine is unreachable or has no session directory
	// yet. Soft; retried on the next status check.
	ErrNotAttached = errors.New("not attached to an engine session")
	// ErrNoActiveSession: the session directory exists but no session row has
	// been recorded yet. Soft; the attachment stays live.
	ErrNoActiveSession = errors.New("no active session recorded yet")
)

// SessionReader is the read-only store surface shared with the control
// layer. Tests substitute fakes; production wiring uses sessiondb.Open.
type SessionReader interface {
	LatestSession() (*protocol.Session, error)
	MaxActionID(sessionID string) (int64, error)
	Actions(sessionID string, limit, offset int) ([]*protocol.Action, error)
	Action(id int64) (*protocol.Action, error)
	Events(actionID int64) ([]*protocol.Event, error)
	ScreenshotDir() string
	Close() error
}

// Attacher owns the current attachment: one open store, one watcher, one
// watermark. Reattachment closes the previous handles before opening the
// next; two directories are never open at once.
type Attacher struct {
	engine *engine.Client
	hub    *hub.Hub
	logger *logging.Logger

	// injectable for tests
	openStore  func(dir string) (SessionReader, error)
	newWatcher func(dir string, onChange func()) (io.Closer, error)

	mu           sync.Mutex
	store        SessionReader
	sessionDir   string
	sessionID    string
	watermark    int64
	watch        io.Closer
	wasReachable bool
}

func New(client *engine.Client, h *hub.Hub, logger *logging.Logger) *Attacher {
	return &Attacher{
		engine: client,
		hub:    h,
		logger: logger,
		openStore: func(dir string) (SessionReader, error) {
			return sessiondb.Open(dir)
		},
		newWatcher: func(dir string, onChange func()) (io.Closer, error) {
			return watcher.New(dir, onChange)
		},
	}
}

// Attach resolves the engine's session directory and opens the store there.
// Soft-fails with ErrNotAttached when the engine is unreachable or has no
// directory; a directory identical to the current attachment is a no-op.
func (a *Attacher) Attach(ctx context.Context) error {
	info, err := a.engine.GetSessionInfo(ctx)
	if err != nil {
		a.logger.Debugf("attach: engine unreachable: %v", err)
		return ErrNotAttached
	}
	if info.SessionDir == "" {
		return ErrNotAttached
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.store != nil && a.sessionDir == info.SessionDir {
		return nil
	}
	return a.attachLocked(info.SessionDir)
}

// attachLocked swaps the attachment to dir: close old handles, open new
// store, seed the watermark, start the watcher, announce the transition.
// Caller holds a.mu.
func (a *Attacher) attachLocked(dir string) error {
	a.closeLocked()

	store, err := a.openStore(dir)
	if err != nil {
		a.logger.Infof("attach: open store at %s failed: %v", dir, err)
		return ErrNotAttached
	}

	a.store = store
	a.sessionDir = dir
	a.sessionID = ""
	a.watermark = 0

	var softErr error
	sess, err := store.LatestSession()
	if err != nil {
		// Directory exists but nothing recorded yet. Keep the attachment.
		a.logger.Debugf("attach: %s has no session row yet", dir)
		softErr = ErrNoActiveSession
	} else {
		a.sessionID = sess.ID
		if max, err := store.MaxActionID(sess.ID); err == nil {
			a.watermark = max
		}
	}

	w, err := a.newWatcher(dir, a.onChange)
	if err != nil {
		a.logger.Infof("attach: watch %s failed: %v", dir, err)
	} else {
		a.watch = w
	}

	a.logger.Infof("attached: dir=%s session=%s watermark=%d", dir, a.sessionID, a.watermark)
	a.hub.Broadcast(&protocol.HubEvent{
		Event:      protocol.EventSessionChanged,
		SessionDir: protocol.Ptr(dir),
		SessionID:  protocol.Ptr(a.sessionID),
	})
	return softErr
}

// Detach closes the store and watcher and clears the resolved directory.
// Subscribers get a session_changed with an empty directory: stale data is
// never served once the engine is confirmed gone.
func (a *Attacher) Detach() {
	a.mu.Lock()
	hadStore := a.store != nil
	a.closeLocked()
	a.sessionDir = ""
	a.sessionID = ""
	a.watermark = 0
	a.mu.Unlock()

	if hadStore {
		a.logger.Info("detached: engine gone")
		a.hub.Broadcast(&protocol.HubEvent{
			Event:      protocol.EventSessionChanged,
			SessionDir: protocol.Ptr(""),
			SessionID:  protocol.Ptr(""),
		})
	}
}

// closeLocked tears down the current handles. Caller holds a.mu.
func (a *Attacher) closeLocked() {
	if a.watch != nil {
		a.watch.Close()
		a.watch = nil
	}
	if a.store != nil {
		a.store.Close()
		a.store = nil
	}
}

// Reconcile is the status-check hook: reattach on unreachable→reachable (or
// reachable with no open store), detach on reachable→unreachable. Returns
// current reachability.
func (a *Attacher) Reconcile(ctx context.Context) bool {
	reachable := a.engine.Ping(ctx)

	a.mu.Lock()
	was := a.wasReachable
	a.wasReachable = reachable
	hasStore := a.store != nil
	a.mu.Unlock()

	switch {
	case reachable && (!was || !hasStore):
		a.Attach(ctx)
	case !reachable && was:
		a.Detach()
	}
	return reachable
}

// onChange runs after each debounced filesystem burst: recompute the maximum
// action id and, only if it strictly advanced, move the watermark and notify.
// The monotonic check makes out-of-order callbacks harmless.
func (a *Attacher) onChange() {
	a.mu.Lock()
	store := a.store
	sessionID := a.sessionID
	a.mu.Unlock()
	if store == nil {
		return
	}

	if sessionID == "" {
		// A session row may have appeared since attach.
		sess, err := store.LatestSession()
		if err != nil {
			return
		}
		a.mu.Lock()
		if a.store == store {
			a.sessionID = sess.ID
		}
		sessionID = sess.ID
		a.mu.Unlock()
		a.hub.Broadcast(&protocol.HubEvent{
			Event:      protocol.EventSessionChanged,
			SessionDir: protocol.Ptr(a.SessionDir()),
			SessionID:  protocol.Ptr(sess.ID),
		})
	}

	max, err := store.MaxActionID(sessionID)
	if err != nil {
		// Transient lock while the engine writes; treated as no new data.
		return
	}

	a.mu.Lock()
	advanced := a.store == store && max > a.watermark
	if advanced {
		a.watermark = max
	}
	a.mu.Unlock()

	if advanced {
		a.logger.Debugf("watermark advanced to %d", max)
		a.hub.Broadcast(&protocol.HubEvent{
			Event:     protocol.EventActionsUpdated,
			Watermark: protocol.Ptr(max),
		})
	}
}

// Store returns the currently open session store, or nil when detached.
func (a *Attacher) Store() SessionReader {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.store
}

// SessionDir returns the resolved session directory, empty when detached.
func (a *Attacher) SessionDir() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionDir
}

// SessionID returns the id of the attached session, empty when none has
// been recorded yet.
func (a *Attacher) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

// Watermark returns the last observed maximum action id.
func (a *Attacher) Watermark() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.watermark
}
