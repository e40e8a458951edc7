// Package telemetry turns capture progress into a normalized meter: bytes
// written plus a smoothed signal level in [0,1].
package telemetry

import (
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	// Gain maps raw RMS of typical speech into a usable meter range.
	Gain = 2.8
	// HistoryWeight is the EMA weight kept from the prior level.
	HistoryWeight = 0.75
	// EmitInterval is the minimum spacing between published samples.
	EmitInterval = 200 * time.Millisecond

	wavHeaderBytes = 44
	// bytesPerSecond is 16 kHz mono s16, the format every adapter transcodes to.
	bytesPerSecond = 32000
)

// Sample is a point-in-time capture measurement.
type Sample struct {
	BytesWritten int64   `json:"bytesWritten"`
	Level        float64 `json:"level"`
}

// Normalize maps a raw RMS value into [0,1].
func Normalize(rms float64) float64 {
	return clamp(rms * Gain)
}

// Smooth applies one EMA step.
func Smooth(prior, next float64) float64 {
	return clamp(HistoryWeight*prior + (1-HistoryWeight)*next)
}

// MeterState is the carried state between Step calls.
type MeterState struct {
	Level    float64
	LastEmit time.Time
}

// Step folds one normalized level into the meter and reports whether the new
// level should be published at now.
func Step(s MeterState, level float64, now time.Time, interval time.Duration) (MeterState, bool) {
	s.Level = Smooth(s.Level, level)
	if !s.LastEmit.IsZero() && now.Sub(s.LastEmit) < interval {
		return s, false
	}
	s.LastEmit = now
	return s, true
}

// EstimatedBytes converts an elapsed-time progress value into the size of the
// 16 kHz mono s16 WAV it corresponds to.
func EstimatedBytes(outTimeUS int64) int64 {
	if outTimeUS <= 0 {
		return wavHeaderBytes
	}
	return wavHeaderBytes + outTimeUS*bytesPerSecond/1_000_000
}

// Field is one parsed key=value telemetry line.
type Field struct {
	Key   string
	Int   int64
	Float float64
	Text  string
}

// Known telemetry keys.
const (
	KeyTotalSize = "total_size"
	KeyOutTimeUS = "out_time_us"
	KeyLevel     = "level"
	KeyFault     = "sck_error"
)

// ParseLine parses a single telemetry line. Unknown keys and malformed values
// report ok=false so the caller can drop them.
func ParseLine(line string) (Field, bool) {
	key, value, found := strings.Cut(strings.TrimSpace(line), "=")
	if !found {
		return Field{}, false
	}
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)

	switch key {
	case KeyTotalSize, KeyOutTimeUS, "out_time_ms":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n < 0 {
			return Field{}, false
		}
		// ffmpeg reports out_time_ms in microseconds as well.
		if key == "out_time_ms" {
			key = KeyOutTimeUS
		}
		return Field{Key: key, Int: n}, true
	case KeyLevel:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || math.IsNaN(f) {
			return Field{}, false
		}
		return Field{Key: key, Float: clamp(f)}, true
	case KeyFault:
		if value == "" {
			return Field{}, false
		}
		return Field{Key: key, Text: value}, true
	}
	return Field{}, false
}

// Progress accumulates parsed fields for one adapter. Bytes never decrease.
type Progress struct {
	Bytes int64
	Level float64
	Fault string
	// HasLevel is set once the producer reported a level itself.
	HasLevel bool
}

// Apply folds f into p.
func (p *Progress) Apply(f Field) {
	switch f.Key {
	case KeyTotalSize:
		p.raiseBytes(f.Int)
	case KeyOutTimeUS:
		p.raiseBytes(EstimatedBytes(f.Int))
	case KeyLevel:
		p.Level = f.Float
		p.HasLevel = true
	case KeyFault:
		if p.Fault == "" {
			p.Fault = f.Text
		}
	}
}

func (p *Progress) raiseBytes(n int64) {
	if n > p.Bytes {
		p.Bytes = n
	}
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
