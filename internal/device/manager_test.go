package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/iabetor/pispeak/internal/audio"
	"github.com/iabetor/pispeak/internal/audio/audiotest"
)

const (
	classA = "seeed-2mic-voicecard"
	classB = "USB Audio Device"
	other  = "HDMI 1"
	sysDef = "bcm2835 Headphones"
)

func newTestManager(b audio.Backend) *Manager {
	return NewManager(b, Options{
		PreferredA:    []string{"seeed", "respeaker"},
		PreferredB:    []string{"usb"},
		TTL:           time.Minute,
		TrialDuration: 10 * time.Millisecond,
		SampleRate:    48000,
		Channels:      2,
	})
}

func TestOrder_PreferenceClasses(t *testing.T) {
	devs := []audio.DeviceInfo{
		{Index: 0, Name: other},
		{Index: 1, Name: sysDef, IsDefault: true},
		{Index: 2, Name: classB},
		{Index: 3, Name: "Another"},
		{Index: 4, Name: classA},
	}
	got := Order(devs, []string{"seeed"}, []string{"usb"})
	want := []string{classA, classB, sysDef, other, "Another"}
	if len(got) != len(want) {
		t.Fatalf("expected %d candidates, got %d", len(want), len(got))
	}
	for i, name := range want {
		if got[i].Name != name {
			t.Errorf("position %d: got %q, want %q", i, got[i].Name, name)
		}
	}
}

func TestSelect_PrefersClassA(t *testing.T) {
	b := audiotest.New(sysDef, classB, classA)
	m := newTestManager(b)

	dev, err := m.Select(context.Background())
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if dev.Name != classA {
		t.Fatalf("expected %q, got %q", classA, dev.Name)
	}
	if !dev.Verified {
		t.Error("selected device must be verified")
	}
	if b.ActiveStreams() != 0 {
		t.Errorf("trial stream should be closed, %d still open", b.ActiveStreams())
	}
}

func TestSelect_FallsBackWhenTrialFails(t *testing.T) {
	b := audiotest.New(sysDef, classB, classA)
	b.FailWrite(classA, -1)
	m := newTestManager(b)

	dev, err := m.Select(context.Background())
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if dev.Name != classB {
		t.Fatalf("expected fallback to %q, got %q", classB, dev.Name)
	}

	// A 恢复后，Reset 触发重新枚举，A 重新被选中
	b.FailWrite(classA, 0)
	m.Reset()
	dev, err = m.Select(context.Background())
	if err != nil {
		t.Fatalf("Select after reset failed: %v", err)
	}
	if dev.Name != classA {
		t.Fatalf("expected %q after recovery, got %q", classA, dev.Name)
	}
}

func TestSelect_DefaultThenAny(t *testing.T) {
	b := audiotest.New(sysDef, other)
	b.FailOpen(sysDef, -1)
	m := newTestManager(b)

	dev, err := m.Select(context.Background())
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if dev.Name != other {
		t.Fatalf("expected %q, got %q", other, dev.Name)
	}
	if b.Opens(sysDef) != 1 {
		t.Errorf("default device should be tried once, got %d", b.Opens(sysDef))
	}
}

func TestSelect_NoDeviceAvailable(t *testing.T) {
	b := audiotest.New(classA, classB)
	b.FailOpen(classA, -1)
	b.FailWrite(classB, -1)
	m := newTestManager(b)

	_, err := m.Select(context.Background())
	if !errors.Is(err, ErrNoDeviceAvailable) {
		t.Fatalf("expected ErrNoDeviceAvailable, got %v", err)
	}
	if _, ok := m.Current(); ok {
		t.Error("no device should be cached after failure")
	}
}

func TestSelect_EmptyAndEnumError(t *testing.T) {
	m := newTestManager(audiotest.New())
	if _, err := m.Select(context.Background()); !errors.Is(err, ErrNoDeviceAvailable) {
		t.Fatalf("expected ErrNoDeviceAvailable for empty list, got %v", err)
	}

	b := audiotest.New(classA)
	b.SetEnumError(errors.New("alsa gone"))
	m = newTestManager(b)
	if _, err := m.Select(context.Background()); !errors.Is(err, ErrNoDeviceAvailable) {
		t.Fatalf("expected ErrNoDeviceAvailable for enum error, got %v", err)
	}
}

func TestSelect_CachedWithinTTL(t *testing.T) {
	b := audiotest.New(classA)
	m := newTestManager(b)
	now := time.Now()
	m.now = func() time.Time { return now }

	if _, err := m.Select(context.Background()); err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if m.IsStale() {
		t.Fatal("fresh selection should not be stale")
	}

	now = now.Add(30 * time.Second)
	if _, err := m.Select(context.Background()); err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if b.Enumerations() != 1 {
		t.Fatalf("expected 1 enumeration within TTL, got %d", b.Enumerations())
	}

	now = now.Add(31 * time.Second)
	if !m.IsStale() {
		t.Fatal("selection should be stale after TTL")
	}
	if _, err := m.Select(context.Background()); err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if b.Enumerations() != 2 {
		t.Fatalf("expected re-enumeration after TTL, got %d", b.Enumerations())
	}
}

func TestReset_ForcesEnumeration(t *testing.T) {
	b := audiotest.New(classA)
	m := newTestManager(b)

	if _, err := m.Select(context.Background()); err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	m.Reset()
	if !m.IsStale() {
		t.Fatal("reset manager must be stale")
	}
	if _, err := m.Select(context.Background()); err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if b.Enumerations() != 2 {
		t.Fatalf("expected 2 enumerations, got %d", b.Enumerations())
	}
}

func TestSelect_CancelledContext(t *testing.T) {
	m := newTestManager(audiotest.New(classA))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Select(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestCurrent_DoesNotWaitForTrial(t *testing.T) {
	b := audiotest.New(classA)
	release := b.Hold()
	defer release()
	m := newTestManager(b)

	selected := make(chan error, 1)
	go func() {
		_, err := m.Select(context.Background())
		selected <- err
	}()

	deadline := time.Now().Add(time.Second)
	for b.Opens(classA) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("trial write never started")
		}
		time.Sleep(time.Millisecond)
	}

	got := make(chan bool, 1)
	go func() {
		_, ok := m.Current()
		got <- ok && !m.IsStale()
	}()
	select {
	case ok := <-got:
		if ok {
			t.Error("no device should be cached while the trial is running")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Current blocked behind the trial write")
	}

	release()
	if err := <-selected; err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if dev, ok := m.Current(); !ok || dev.Name != classA {
		t.Fatalf("expected %q cached after trial, got %+v", classA, dev)
	}
}
