package capture

import (
	"math"
	"testing"

	"github.com/Dalmarthas/Beyond-Call/internal/wavfile"
)

func TestParseAVFoundation(t *testing.T) {
	out := `[AVFoundation indev @ 0x7f8] AVFoundation video devices:
[AVFoundation indev @ 0x7f8] [0] FaceTime HD Camera
[AVFoundation indev @ 0x7f8] [1] Capture screen 0
[AVFoundation indev @ 0x7f8] AVFoundation audio devices:
[AVFoundation indev @ 0x7f8] [0] MacBook Pro Microphone
[AVFoundation indev @ 0x7f8] [1] BlackHole 2ch
[AVFoundation indev @ 0x7f8] [2] ZoomAudioDevice
: Input/output error`

	got := parseAVFoundation(out)
	want := []Source{
		{Label: "MacBook Pro Microphone", Format: "avfoundation", Locator: ":0"},
		{Label: "BlackHole 2ch", Format: "avfoundation", Locator: ":1", Loopback: true},
		{Label: "ZoomAudioDevice", Format: "avfoundation", Locator: ":2"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d devices, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("device[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestParseDShow(t *testing.T) {
	out := `[dshow @ 0000] DirectShow video devices (some may be both video and audio devices)
[dshow @ 0000]  "Integrated Camera"
[dshow @ 0000] DirectShow audio devices
[dshow @ 0000]  "Microphone Array (Realtek Audio)"
[dshow @ 0000]     Alternative name "@device_cm_{33D9A762}\wave_{ABC}"
[dshow @ 0000]  "Stereo Mix (Realtek Audio)"
[dshow @ 0000]  "microphone array (realtek audio)"
dummy: Immediate exit requested`

	got := parseDShow(out)
	if len(got) != 2 {
		t.Fatalf("got %d devices, want 2: %+v", len(got), got)
	}
	if got[0].Locator != "audio=Microphone Array (Realtek Audio)" || got[0].Loopback {
		t.Errorf("device[0] = %+v", got[0])
	}
	if !got[1].Loopback {
		t.Errorf("Stereo Mix should be marked loopback: %+v", got[1])
	}
}

func TestParsePulse(t *testing.T) {
	out := `Auto-detected sources for pulse:
* alsa_input.pci-0000_00_1f.3.analog-stereo [Built-in Audio Analog Stereo]
  alsa_output.pci-0000_00_1f.3.analog-stereo.monitor [Monitor of Built-in Audio Analog Stereo]`

	got := parsePulse(out)
	if len(got) != 2 {
		t.Fatalf("got %d devices, want 2: %+v", len(got), got)
	}
	if got[0].Locator != "alsa_input.pci-0000_00_1f.3.analog-stereo" || got[0].Loopback {
		t.Errorf("device[0] = %+v", got[0])
	}
	if got[1].Format != "pulse" || !got[1].Loopback {
		t.Errorf("device[1] = %+v", got[1])
	}
}

func TestIsLoopbackName(t *testing.T) {
	tests := map[string]bool{
		"BlackHole 16ch":         true,
		"Loopback Audio":         true,
		"VB-Cable Output":        true,
		"Monitor of Speakers":    true,
		"Soundflower (2ch)":      true,
		"MacBook Pro Microphone": false,
		"USB Headset":            false,
	}
	for name, want := range tests {
		if got := IsLoopbackName(name); got != want {
			t.Errorf("IsLoopbackName(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestParseMajorVersion(t *testing.T) {
	if v, ok := parseMajorVersion("14.2.1\n"); !ok || v != 14 {
		t.Errorf("parseMajorVersion = %d, %v", v, ok)
	}
	if _, ok := parseMajorVersion("garbage"); ok {
		t.Error("expected failure on garbage")
	}
}

func TestRMS(t *testing.T) {
	s16 := wavfile.Format{SampleRate: 16000, Channels: 1, BitsPerSample: 16}
	if got := rms(s16, s16Block(s16, 16384)); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("s16 rms = %v, want 0.5", got)
	}
	if got := rms(s16, make([]byte, 64)); got != 0 {
		t.Errorf("silence rms = %v, want 0", got)
	}

	f32 := wavfile.Format{SampleRate: 48000, Channels: 2, BitsPerSample: 32, Float: true}
	if got := rms(f32, f32Block(100, -0.25)); math.Abs(got-0.25) > 1e-6 {
		t.Errorf("f32 rms = %v, want 0.25", got)
	}
	if got := rms(f32, nil); got != 0 {
		t.Errorf("empty rms = %v, want 0", got)
	}
}
