package attacher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/theredsix/abp/internal/engine"
	"github.com/theredsix/abp/internal/hub"
	"github.com/theredsix/abp/internal/protocol"
)

// fakeReader is an in-memory SessionReader.
type fakeReader struct {
	mu        sync.Mutex
	session   *protocol.Session
	maxAction int64
	maxErr    error
	closed    bool
}

func (f *fakeReader) LatestSession() (*protocol.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session == nil {
		return nil, errors.New("no session recorded")
	}
	return f.session, nil
}

func (f *fakeReader) MaxActionID(string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxAction, f.maxErr
}

func (f *fakeReader) Actions(string, int, int) ([]*protocol.Action, error) { return nil, nil }
func (f *fakeReader) Action(int64) (*protocol.Action, error)               { return nil, nil }
func (f *fakeReader) Events(int64) ([]*protocol.Event, error)              { return nil, nil }
func (f *fakeReader) ScreenshotDir() string                                { return "" }

func (f *fakeReader) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeReader) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeReader) setMax(n int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maxAction = n
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// testEngine serves health and session-info, both mutable.
type testEngine struct {
	mu         sync.Mutex
	reachable  bool
	sessionDir string
	srv        *httptest.Server
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	e := &testEngine{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if !e.reachable {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"ready":true}`))
	})
	mux.HandleFunc("/api/session-info", func(w http.ResponseWriter, r *http.Request) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if !e.reachable {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintf(w, `{"session_dir":%q,"db_path":""}`, e.sessionDir)
	})
	e.srv = httptest.NewServer(mux)
	t.Cleanup(e.srv.Close)
	return e
}

func (e *testEngine) set(reachable bool, dir string) {
	e.mu.Lock()
	e.reachable = reachable
	e.sessionDir = dir
	e.mu.Unlock()
}

func newTestAttacher(t *testing.T, e *testEngine, reader *fakeReader) (*Attacher, *[]protocol.HubEvent) {
	t.Helper()
	h := hub.New(nil)
	var events []protocol.HubEvent
	h.SetListener(func(ev *protocol.HubEvent) {
		events = append(events, *ev)
	})

	a := New(engine.NewClient(e.srv.URL), h, nil)
	a.openStore = func(dir string) (SessionReader, error) {
		if reader == nil {
			return nil, errors.New("open failed")
		}
		return reader, nil
	}
	a.newWatcher = func(dir string, onChange func()) (io.Closer, error) {
		return nopCloser{}, nil
	}
	return a, &events
}

func TestAttach_Unreachable(t *testing.T) {
	e := newTestEngine(t)
	e.set(false, "")
	a, _ := newTestAttacher(t, e, &fakeReader{})

	if err := a.Attach(context.Background()); !errors.Is(err, ErrNotAttached) {
		t.Fatalf("Attach() error = %v, want ErrNotAttached", err)
	}
}

func TestAttach_EmptyDirectory(t *testing.T) {
	e := newTestEngine(t)
	e.set(true, "")
	a, _ := newTestAttacher(t, e, &fakeReader{})

	if err := a.Attach(context.Background()); !errors.Is(err, ErrNotAttached) {
		t.Fatalf("Attach() error = %v, want ErrNotAttached", err)
	}
}

func TestAttach_SeedsWatermarkAndNotifies(t *testing.T) {
	e := newTestEngine(t)
	e.set(true, "/tmp/session-a")
	reader := &fakeReader{session: &protocol.Session{ID: "s1"}, maxAction: 12}
	a, events := newTestAttacher(t, e, reader)

	if err := a.Attach(context.Background()); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if a.Watermark() != 12 {
		t.Errorf("Watermark() = %d, want 12", a.Watermark())
	}
	if a.SessionDir() != "/tmp/session-a" {
		t.Errorf("SessionDir() = %q", a.SessionDir())
	}
	if len(*events) != 1 || (*events)[0].Event != protocol.EventSessionChanged {
		t.Fatalf("events = %+v, want one session_changed", *events)
	}

	// Same directory again: no-op, no extra broadcast.
	if err := a.Attach(context.Background()); err != nil {
		t.Fatalf("re-Attach() error = %v", err)
	}
	if len(*events) != 1 {
		t.Errorf("re-attach to same dir broadcast %d extra events", len(*events)-1)
	}
}

func TestAttach_NoSessionRowIsSoft(t *testing.T) {
	e := newTestEngine(t)
	e.set(true, "/tmp/session-a")
	reader := &fakeReader{} // no session row yet
	a, _ := newTestAttacher(t, e, reader)

	if err := a.Attach(context.Background()); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("Attach() error = %v, want ErrNoActiveSession", err)
	}
	// Attachment must survive the soft failure.
	if a.Store() == nil {
		t.Error("store should stay open while waiting for the first session row")
	}
}

func TestWatermark_MonotonicAcrossCallbacks(t *testing.T) {
	e := newTestEngine(t)
	e.set(true, "/tmp/session-a")
	reader := &fakeReader{session: &protocol.Session{ID: "s1"}, maxAction: 5}
	a, events := newTestAttacher(t, e, reader)

	if err := a.Attach(context.Background()); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	// Out-of-order debounced callbacks: 9, then a stale 7, then 11.
	for _, n := range []int64{9, 7, 11} {
		reader.setMax(n)
		a.onChange()
	}

	if a.Watermark() != 11 {
		t.Errorf("Watermark() = %d, want 11", a.Watermark())
	}

	var updates []int64
	for _, ev := range *events {
		if ev.Event == protocol.EventActionsUpdated {
			updates = append(updates, *ev.Watermark)
		}
	}
	if len(updates) != 2 || updates[0] != 9 || updates[1] != 11 {
		t.Errorf("actions_updated watermarks = %v, want [9 11]", updates)
	}
}

func TestWatermark_ReadErrorIgnored(t *testing.T) {
	e := newTestEngine(t)
	e.set(true, "/tmp/session-a")
	reader := &fakeReader{session: &protocol.Session{ID: "s1"}, maxAction: 5}
	a, events := newTestAttacher(t, e, reader)

	if err := a.Attach(context.Background()); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	before := len(*events)

	reader.mu.Lock()
	reader.maxErr = errors.New("database is locked")
	reader.mu.Unlock()
	a.onChange()

	if len(*events) != before {
		t.Error("transient read error must not produce a notification")
	}
	if a.Watermark() != 5 {
		t.Errorf("Watermark() = %d, want unchanged 5", a.Watermark())
	}
}

func TestReconcile_FlipSequence(t *testing.T) {
	e := newTestEngine(t)
	reader := &fakeReader{session: &protocol.Session{ID: "s1"}, maxAction: 3}
	a, events := newTestAttacher(t, e, reader)

	// unreachable → reachable → unreachable across three status checks.
	e.set(false, "")
	if a.Reconcile(context.Background()) {
		t.Fatal("first Reconcile() should report unreachable")
	}

	e.set(true, "/tmp/session-a")
	if !a.Reconcile(context.Background()) {
		t.Fatal("second Reconcile() should report reachable")
	}

	e.set(false, "")
	if a.Reconcile(context.Background()) {
		t.Fatal("third Reconcile() should report unreachable")
	}

	var changed []protocol.HubEvent
	for _, ev := range *events {
		if ev.Event == protocol.EventSessionChanged {
			changed = append(changed, ev)
		}
	}
	if len(changed) != 2 {
		t.Fatalf("session_changed count = %d, want 2 (attach then clear)", len(changed))
	}
	if *changed[0].SessionDir != "/tmp/session-a" {
		t.Errorf("first transition dir = %q", *changed[0].SessionDir)
	}
	if *changed[1].SessionDir != "" {
		t.Errorf("second transition dir = %q, want empty", *changed[1].SessionDir)
	}
	if !reader.isClosed() {
		t.Error("store must be closed after the engine is confirmed gone")
	}
	if a.Store() != nil {
		t.Error("stale store still exposed after detach")
	}
}

func TestReconcile_ReattachesWhenStoreMissing(t *testing.T) {
	e := newTestEngine(t)
	e.set(true, "/tmp/session-a")
	reader := &fakeReader{session: &protocol.Session{ID: "s1"}}
	a, _ := newTestAttacher(t, e, reader)

	// Reachable on the very first check, with no store open yet.
	a.Reconcile(context.Background())
	if a.Store() == nil {
		t.Error("reachable engine with no open store should trigger attach")
	}
}
