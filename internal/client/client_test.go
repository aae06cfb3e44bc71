package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iabetor/pispeak/internal/pipeline"
	"github.com/iabetor/pispeak/internal/queue"
)

func TestSpeak_SendsTextAndToken(t *testing.T) {
	var (
		mu   sync.Mutex
		got  map[string]any
		auth string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if r.Method != http.MethodPost || r.URL.Path != "/tts" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"task_id":"t1"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", time.Second)
	id, err := c.Speak(context.Background(), "Hej", true)
	if err != nil {
		t.Fatalf("Speak failed: %v", err)
	}
	if id != "t1" {
		t.Errorf("expected task id t1, got %q", id)
	}
	mu.Lock()
	defer mu.Unlock()
	if got["text"] != "Hej" || got["priority"] != true {
		t.Errorf("unexpected body: %v", got)
	}
	if auth != "Bearer secret" {
		t.Errorf("unexpected Authorization header %q", auth)
	}
}

func TestErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"任务不存在"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "", time.Second).Task(context.Background(), "missing")
	if !IsNotFound(err) {
		t.Fatalf("expected not found error, got %v", err)
	}
	if err.(*APIError).Message != "任务不存在" {
		t.Errorf("unexpected message %q", err.(*APIError).Message)
	}
}

func TestStatus_Decodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(pipeline.Status{
			Paused:         true,
			RegularPending: 2,
			Items:          []queue.Item{{ID: "a", Status: queue.StatusQueued}},
		})
	}))
	defer srv.Close()

	st, err := New(srv.URL+"/", "", time.Second).Status(context.Background())
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !st.Paused || st.RegularPending != 2 || len(st.Items) != 1 || st.Items[0].ID != "a" {
		t.Errorf("unexpected status: %+v", st)
	}
}

func TestWait_PollsUntilTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := queue.StatusProcessing
		if calls.Add(1) >= 3 {
			status = queue.StatusCompleted
		}
		json.NewEncoder(w).Encode(queue.Item{ID: "t1", Status: status})
	}))
	defer srv.Close()

	it, err := New(srv.URL, "", time.Second).Wait(context.Background(), "t1", 5*time.Millisecond)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if it.Status != queue.StatusCompleted {
		t.Errorf("expected completed, got %s", it.Status)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 polls, got %d", calls.Load())
	}
}

func TestControlEndpoints(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		mu.Unlock()
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second)
	ctx := context.Background()
	for _, fn := range []func(context.Context) error{c.Pause, c.Resume, c.Stop} {
		if err := fn(ctx); err != nil {
			t.Fatalf("control call failed: %v", err)
		}
	}
	want := []string{"POST /pause", "POST /resume", "POST /stop"}
	mu.Lock()
	defer mu.Unlock()
	if len(paths) != len(want) {
		t.Fatalf("expected %d calls, got %d", len(want), len(paths))
	}
	for i, p := range want {
		if paths[i] != p {
			t.Errorf("call %d: got %q, want %q", i, paths[i], p)
		}
	}
}
