package audio

import (
	"errors"
	"testing"
	"time"
)

func TestBuffer_CloneIsIndependent(t *testing.T) {
	b := NewBuffer([]float32{0.1, 0.2}, 22050, 1)
	c := b.Clone()
	c.Samples[0] = 0.9
	if b.Samples[0] != 0.1 {
		t.Fatal("clone shares memory with the original")
	}
	if c.SampleRate != 22050 || c.Channels != 1 {
		t.Fatalf("clone lost format: %+v", c)
	}
}

func TestBuffer_Duration(t *testing.T) {
	b := NewBuffer(make([]float32, 48000*2), 48000, 2)
	if b.Frames() != 48000 {
		t.Fatalf("expected 48000 frames, got %d", b.Frames())
	}
	if b.Duration() != time.Second {
		t.Fatalf("expected 1s, got %v", b.Duration())
	}
}

func TestBuffer_Validate(t *testing.T) {
	tests := []struct {
		name    string
		buf     *Buffer
		wantErr bool
	}{
		{"nil", nil, true},
		{"empty", NewBuffer(nil, 22050, 1), true},
		{"zero rate", NewBuffer([]float32{0}, 0, 1), true},
		{"three channels", &Buffer{Samples: []float32{0, 0, 0}, SampleRate: 22050, Channels: 3}, true},
		{"ok", NewBuffer([]float32{0}, 22050, 1), false},
	}
	for _, tt := range tests {
		err := tt.buf.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: Validate() error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
	if !errors.Is((*Buffer)(nil).Validate(), ErrEmptyAudio) {
		t.Error("nil buffer should report ErrEmptyAudio")
	}
}

func TestSilence(t *testing.T) {
	s := Silence(100*time.Millisecond, 48000, 2)
	if s.Frames() != 4800 {
		t.Fatalf("expected 4800 frames, got %d", s.Frames())
	}
	for _, v := range s.Samples {
		if v != 0 {
			t.Fatal("silence must be all zeros")
		}
	}
	if Silence(0, 48000, 1).Frames() != 1 {
		t.Error("zero duration should still produce one frame")
	}
}

func TestDeviceInfo_SupportsRate(t *testing.T) {
	d := DeviceInfo{SampleRates: []int{44100, 48000}}
	if !d.SupportsRate(48000) {
		t.Error("48000 should be supported")
	}
	if d.SupportsRate(22050) {
		t.Error("22050 should not be supported")
	}
	if !(DeviceInfo{}).SupportsRate(22050) {
		t.Error("a device without declared rates accepts any rate")
	}
}
