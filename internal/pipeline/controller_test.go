package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/iabetor/pispeak/internal/audio"
	"github.com/iabetor/pispeak/internal/audio/audiotest"
	"github.com/iabetor/pispeak/internal/cache"
	"github.com/iabetor/pispeak/internal/device"
	"github.com/iabetor/pispeak/internal/playback"
	"github.com/iabetor/pispeak/internal/queue"
)

type fakeSynth struct {
	mu      sync.Mutex
	calls   []string
	fail    map[string]error
	panicOn string
}

func (f *fakeSynth) Synthesize(ctx context.Context, text string) (*audio.Buffer, error) {
	f.mu.Lock()
	f.calls = append(f.calls, text)
	err := f.fail[text]
	f.mu.Unlock()

	if text == f.panicOn {
		panic("engine exploded")
	}
	if err != nil {
		return nil, err
	}
	return audio.NewBuffer(make([]float32, 160), 16000, 1), nil
}

func (f *fakeSynth) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type staticSelector struct{ dev device.Device }

func (s staticSelector) Select(ctx context.Context) (device.Device, error) { return s.dev, nil }
func (s staticSelector) Reset() {}
func (s staticSelector) Format() (int, int) { return 16000, 1 }
func (s staticSelector) Current() (device.Device, bool) { return s.dev, true }

type harness struct {
	c       *Controller
	q       *queue.Queue
	synth   *fakeSynth
	backend *audiotest.Backend
}

func newHarness(t *testing.T, opts Options, withCache bool) *harness {
	t.Helper()
	b := audiotest.New("Out")
	sel := staticSelector{dev: device.Device{DeviceInfo: audio.DeviceInfo{Name: "Out"}, Verified: true}}
	w := playback.NewWorker(sel, b, playback.Options{MaxAttempts: 2, Backoff: time.Millisecond})
	q := queue.New(10, time.Hour)
	synth := &fakeSynth{fail: map[string]error{}}

	deps := Deps{Queue: q, Synthesizer: synth, Player: w, Devices: sel}
	if withCache {
		sc, err := cache.New(8)
		if err != nil {
			t.Fatalf("cache.New failed: %v", err)
		}
		deps.Cache = sc
	}
	if opts.DequeueWait == 0 {
		opts.DequeueWait = 10 * time.Millisecond
	}
	c, err := New(deps, opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return &harness{c: c, q: q, synth: synth, backend: b}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		h.c.Run(context.Background())
		close(done)
	}()
	t.Cleanup(func() {
		h.c.Close()
		<-done
	})
}

func waitItem(t *testing.T, q *queue.Queue, id string) queue.Item {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	it, err := q.Wait(ctx, id)
	if err != nil {
		t.Fatalf("waiting for %s: %v", id, err)
	}
	return it
}

func TestController_PriorityBeforeRegular(t *testing.T) {
	h := newHarness(t, Options{}, false)
	h.c.Pause()
	h.start(t)

	hello, err := h.c.Enqueue("Hello", false)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	urgent, err := h.c.Enqueue("Urgent", true)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	h.c.Resume()

	waitItem(t, h.q, hello)
	waitItem(t, h.q, urgent)

	calls := h.synth.Calls()
	if len(calls) != 2 || calls[0] != "Urgent" || calls[1] != "Hello" {
		t.Fatalf("expected Urgent before Hello, got %v", calls)
	}
}

func TestController_SynthesisFailureContinues(t *testing.T) {
	h := newHarness(t, Options{}, false)
	h.synth.fail["broken"] = errors.New("engine down")
	h.start(t)

	bad, _ := h.c.Enqueue("broken", false)
	good, _ := h.c.Enqueue("fine", false)

	if it := waitItem(t, h.q, bad); it.Status != queue.StatusFailed || it.Error == "" {
		t.Errorf("expected failed item with error, got %+v", it)
	}
	if it := waitItem(t, h.q, good); it.Status != queue.StatusCompleted {
		t.Errorf("expected next item to complete, got %+v", it)
	}
}

func TestController_PanicIsolatedToItem(t *testing.T) {
	h := newHarness(t, Options{}, false)
	h.synth.panicOn = "boom"
	h.start(t)

	bad, _ := h.c.Enqueue("boom", false)
	good, _ := h.c.Enqueue("after", false)

	if it := waitItem(t, h.q, bad); it.Status != queue.StatusFailed {
		t.Errorf("panicking item should fail, got %+v", it)
	}
	if it := waitItem(t, h.q, good); it.Status != queue.StatusCompleted {
		t.Errorf("loop should survive panic, got %+v", it)
	}
}

func TestController_StopClearsEverything(t *testing.T) {
	h := newHarness(t, Options{}, false)
	release := h.backend.Hold()
	defer release()
	h.start(t)

	first, _ := h.c.Enqueue("one", false)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if cur, ok := h.q.Current(); ok && cur == first && h.backend.ActiveStreams() > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first item never started playing")
		}
		time.Sleep(time.Millisecond)
	}

	// first 正在播放时再放入两条，Stop 需要同时清掉两条队列
	h.c.Enqueue("two", false)
	h.c.Enqueue("three", true)
	if s := h.c.Status(); s.PriorityPending != 1 || s.RegularPending != 1 {
		t.Fatalf("expected one pending item per lane, got %+v", s)
	}

	h.c.Stop()

	s := h.c.Status()
	if len(s.Items) != 0 || s.Processing != "" || s.PriorityPending != 0 || s.RegularPending != 0 {
		t.Fatalf("expected empty state after Stop, got %+v", s)
	}
	if _, err := h.c.ItemStatus(first); !errors.Is(err, queue.ErrNotFound) {
		t.Errorf("stopped item should be gone, got %v", err)
	}

	// 停止后可以继续接收新任务
	release()
	id, err := h.c.Enqueue("again", false)
	if err != nil {
		t.Fatalf("Enqueue after Stop failed: %v", err)
	}
	if it := waitItem(t, h.q, id); it.Status != queue.StatusCompleted {
		t.Errorf("expected completion after Stop, got %+v", it)
	}
}

func TestController_SpeakUsesCache(t *testing.T) {
	h := newHarness(t, Options{}, true)
	h.start(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 2; i++ {
		it, err := h.c.Speak(ctx, "Hej hej", false)
		if err != nil {
			t.Fatalf("Speak %d failed: %v", i, err)
		}
		if it.Status != queue.StatusCompleted {
			t.Fatalf("Speak %d: expected completed, got %s", i, it.Status)
		}
	}
	if calls := h.synth.Calls(); len(calls) != 1 {
		t.Errorf("second request should hit the cache, synth calls: %v", calls)
	}
	if s := h.c.Status(); s.Cache == nil || s.Cache.Hits != 1 {
		t.Errorf("expected one cache hit in status, got %+v", s.Cache)
	}
}

func TestController_SpeakReportsFailure(t *testing.T) {
	h := newHarness(t, Options{}, false)
	h.synth.fail["nope"] = errors.New("engine down")
	h.start(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	it, err := h.c.Speak(ctx, "nope", true)
	if err == nil || it.Status != queue.StatusFailed {
		t.Fatalf("expected failure, got %+v, %v", it, err)
	}
}

func TestController_EnqueueAudioSkipsSynthesis(t *testing.T) {
	h := newHarness(t, Options{}, false)
	h.start(t)

	id, err := h.c.EnqueueAudio(audio.NewBuffer(make([]float32, 320), 16000, 1), false)
	if err != nil {
		t.Fatalf("EnqueueAudio failed: %v", err)
	}
	if it := waitItem(t, h.q, id); it.Status != queue.StatusCompleted {
		t.Fatalf("expected completion, got %+v", it)
	}
	if calls := h.synth.Calls(); len(calls) != 0 {
		t.Errorf("raw audio must not be synthesized, got %v", calls)
	}
	if len(h.backend.Writes()) == 0 {
		t.Error("expected audio written to the device")
	}
}

func TestController_QueueFull(t *testing.T) {
	h := newHarness(t, Options{}, false)
	for i := 0; i < 10; i++ {
		if _, err := h.c.Enqueue("x", false); err != nil {
			t.Fatalf("Enqueue %d failed: %v", i, err)
		}
	}
	if _, err := h.c.Enqueue("x", false); !errors.Is(err, queue.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestController_PauseKeepsItemsQueued(t *testing.T) {
	h := newHarness(t, Options{}, false)
	h.c.Pause()
	h.start(t)

	id, _ := h.c.Enqueue("waiting", false)
	time.Sleep(50 * time.Millisecond)

	it, err := h.c.ItemStatus(id)
	if err != nil {
		t.Fatalf("ItemStatus failed: %v", err)
	}
	if it.Status != queue.StatusQueued {
		t.Fatalf("paused controller should not process items, got %s", it.Status)
	}
	if !h.c.Status().Paused {
		t.Error("status should report paused")
	}

	h.c.Resume()
	if it := waitItem(t, h.q, id); it.Status != queue.StatusCompleted {
		t.Errorf("expected completion after resume, got %+v", it)
	}
}

func TestController_Heartbeat(t *testing.T) {
	h := newHarness(t, Options{HeartbeatInterval: 10 * time.Millisecond, HeartbeatDuration: 5 * time.Millisecond}, false)
	h.start(t)

	deadline := time.Now().Add(2 * time.Second)
	for len(h.backend.Writes()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("heartbeat never wrote to the device")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(h.synth.Calls()) != 0 {
		t.Error("heartbeat must not use the synthesizer")
	}
}

func TestController_HeartbeatSkippedWhilePaused(t *testing.T) {
	h := newHarness(t, Options{HeartbeatInterval: 10 * time.Millisecond}, false)
	h.c.Pause()
	h.start(t)

	time.Sleep(60 * time.Millisecond)
	if n := len(h.backend.Writes()); n != 0 {
		t.Fatalf("paused controller should not send heartbeats, got %d writes", n)
	}
}

func TestNew_MissingDeps(t *testing.T) {
	if _, err := New(Deps{}, Options{}); err == nil {
		t.Fatal("expected error for missing dependencies")
	}
}
