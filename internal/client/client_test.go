package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/debug/status" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`{"reachable":true,"managed":true,"state":"running","watermark":9}`))
	}))
	defer srv.Close()

	st, err := New(srv.URL).Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !st.Reachable || !st.Managed || st.Watermark != 9 {
		t.Errorf("Status() = %+v", st)
	}
}

func TestLifecycle_ErrorBodySurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"engine already running under supervision"}`))
	}))
	defer srv.Close()

	err := New(srv.URL).Start(context.Background())
	if err == nil {
		t.Fatal("Start() should surface the error body")
	}
	if got := err.Error(); got != "control surface error: engine already running under supervision" {
		t.Errorf("error = %q", got)
	}
}

func TestIsRunning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"reachable":false}`))
	}))

	c := New(srv.URL)
	if !c.IsRunning(context.Background()) {
		t.Error("IsRunning() = false with a live control surface")
	}
	srv.Close()
	if c.IsRunning(context.Background()) {
		t.Error("IsRunning() = true after the control surface went away")
	}
}
