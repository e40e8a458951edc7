package capture

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

var loopbackMarkers = []string{
	"blackhole",
	"loopback",
	"soundflower",
	"vb-cable",
	"stereo mix",
	"monitor of",
}

// IsLoopbackName reports whether a device name looks like a virtual loopback.
func IsLoopbackName(name string) bool {
	lower := strings.ToLower(name)
	for _, m := range loopbackMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// SystemAudioSource is the native system-audio device.
var SystemAudioSource = Source{
	Label:    "System Audio (macOS Native)",
	Format:   FormatSystemAudio,
	Locator:  "system",
	Loopback: true,
}

// ListDevices asks ffmpeg for the platform's audio inputs.
func ListDevices(ctx context.Context, ffmpegPath string) ([]Source, error) {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if _, err := exec.LookPath(ffmpegPath); err != nil {
		return nil, fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}

	var args []string
	switch runtime.GOOS {
	case "darwin":
		args = []string{"-hide_banner", "-f", "avfoundation", "-list_devices", "true", "-i", ""}
	case "windows":
		args = []string{"-hide_banner", "-list_devices", "true", "-f", "dshow", "-i", "dummy"}
	default:
		args = []string{"-hide_banner", "-sources", "pulse"}
	}

	// Listing exits non-zero by design; only the text matters.
	out, _ := exec.CommandContext(ctx, ffmpegPath, args...).CombinedOutput()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var devices []Source
	switch runtime.GOOS {
	case "darwin":
		devices = parseAVFoundation(string(out))
		if systemAudioSupported() {
			devices = append([]Source{SystemAudioSource}, devices...)
		}
		if len(devices) == 0 {
			devices = append(devices, Source{Label: "Default Microphone", Format: "avfoundation", Locator: ":0"})
		}
	case "windows":
		devices = parseDShow(string(out))
	default:
		devices = parsePulse(string(out))
	}
	return devices, nil
}

// parseAVFoundation reads the audio section of avfoundation's listing:
//
//	[AVFoundation indev @ 0x...] [0] MacBook Pro Microphone
func parseAVFoundation(out string) []Source {
	var devices []Source
	inAudio := false
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.Contains(line, "AVFoundation audio devices"):
			inAudio = true
			continue
		case strings.Contains(line, "AVFoundation video devices"):
			inAudio = false
			continue
		}
		if !inAudio {
			continue
		}
		i := strings.LastIndex(line, "] [")
		if i < 0 {
			continue
		}
		idx, name, ok := strings.Cut(line[i+3:], "] ")
		idx, name = strings.TrimSpace(idx), strings.TrimSpace(name)
		if !ok || idx == "" || name == "" {
			continue
		}
		devices = append(devices, Source{
			Label:    name,
			Format:   "avfoundation",
			Locator:  ":" + idx,
			Loopback: IsLoopbackName(name),
		})
	}
	return devices
}

// parseDShow reads quoted device names from the DirectShow audio section.
func parseDShow(out string) []Source {
	var devices []Source
	seen := make(map[string]bool)
	inAudio := false
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.Contains(line, "DirectShow audio devices"):
			inAudio = true
			continue
		case strings.Contains(line, "DirectShow video devices"):
			inAudio = false
			continue
		}
		if !inAudio || strings.Contains(line, "Alternative name") {
			continue
		}
		_, rest, ok := strings.Cut(line, `"`)
		if !ok {
			continue
		}
		name, _, ok := strings.Cut(rest, `"`)
		name = strings.TrimSpace(name)
		if !ok || name == "" || seen[strings.ToLower(name)] {
			continue
		}
		seen[strings.ToLower(name)] = true
		devices = append(devices, Source{
			Label:    name,
			Format:   "dshow",
			Locator:  "audio=" + name,
			Loopback: IsLoopbackName(name),
		})
	}
	return devices
}

// parsePulse reads `ffmpeg -sources pulse` output:
//
//	* alsa_input.pci-0000_00_1f.3.analog-stereo [Built-in Audio Analog Stereo]
func parsePulse(out string) []Source {
	var devices []Source
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "*"))
		open := strings.Index(line, " [")
		if open < 0 || !strings.HasSuffix(line, "]") {
			continue
		}
		name := strings.TrimSpace(line[:open])
		desc := strings.TrimSpace(line[open+2 : len(line)-1])
		if name == "" || strings.Contains(name, " ") {
			continue
		}
		devices = append(devices, Source{
			Label:    desc,
			Format:   "pulse",
			Locator:  name,
			Loopback: IsLoopbackName(desc) || strings.HasSuffix(name, ".monitor"),
		})
	}
	return devices
}
