// Package wavfile reads RIFF/WAVE stream headers and writes WAV files whose
// sizes are patched in on close.
package wavfile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

const (
	formatPCM        = 1
	formatFloat      = 3
	formatExtensible = 0xFFFE

	// HeaderSize is the size of the canonical header Writer emits.
	HeaderSize = 44
)

// ErrUnsupported is returned for sample layouts other than s16 and f32.
var ErrUnsupported = errors.New("unsupported wav format")

// Format describes the interleaved sample layout of a stream.
type Format struct {
	SampleRate    uint32
	Channels      uint16
	BitsPerSample uint16
	Float         bool
}

// BlockAlign is the size in bytes of one frame (one sample per channel).
func (f Format) BlockAlign() int {
	return int(f.Channels) * int(f.BitsPerSample) / 8
}

// ByteRate is the number of bytes per second of audio.
func (f Format) ByteRate() int {
	return int(f.SampleRate) * f.BlockAlign()
}

func (f Format) validate() error {
	if f.SampleRate == 0 || f.Channels == 0 {
		return fmt.Errorf("%w: rate=%d channels=%d", ErrUnsupported, f.SampleRate, f.Channels)
	}
	switch {
	case !f.Float && f.BitsPerSample == 16:
	case f.Float && f.BitsPerSample == 32:
	default:
		return fmt.Errorf("%w: %d-bit float=%v", ErrUnsupported, f.BitsPerSample, f.Float)
	}
	return nil
}

// ReadStreamHeader consumes a WAV header from r up to the first byte of the
// data chunk. r may be a non-seekable pipe.
func ReadStreamHeader(r io.Reader) (Format, error) {
	f, _, _, err := readHeader(r)
	return f, err
}

// readHeader returns the format, the declared data size and the offset of the
// first data byte.
func readHeader(r io.Reader) (Format, uint32, int64, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return Format{}, 0, 0, fmt.Errorf("read riff header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return Format{}, 0, 0, fmt.Errorf("%w: missing RIFF/WAVE magic", ErrUnsupported)
	}
	offset := int64(12)

	var f Format
	haveFmt := false
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return Format{}, 0, 0, fmt.Errorf("read chunk header: %w", err)
		}
		offset += 8
		id := string(hdr[0:4])
		size := binary.LittleEndian.Uint32(hdr[4:8])

		switch id {
		case "fmt ":
			if size < 16 {
				return Format{}, 0, 0, fmt.Errorf("%w: fmt chunk too short", ErrUnsupported)
			}
			body := make([]byte, size+size%2)
			if _, err := io.ReadFull(r, body); err != nil {
				return Format{}, 0, 0, fmt.Errorf("read fmt chunk: %w", err)
			}
			offset += int64(len(body))
			parsed, err := parseFmt(body[:size])
			if err != nil {
				return Format{}, 0, 0, err
			}
			f = parsed
			haveFmt = true
		case "data":
			if !haveFmt {
				return Format{}, 0, 0, fmt.Errorf("%w: data before fmt", ErrUnsupported)
			}
			return f, size, offset, nil
		default:
			skip := int64(size) + int64(size%2)
			if _, err := io.CopyN(io.Discard, r, skip); err != nil {
				return Format{}, 0, 0, fmt.Errorf("skip %q chunk: %w", id, err)
			}
			offset += skip
		}
	}
}

func parseFmt(b []byte) (Format, error) {
	tag := binary.LittleEndian.Uint16(b[0:2])
	f := Format{
		Channels:      binary.LittleEndian.Uint16(b[2:4]),
		SampleRate:    binary.LittleEndian.Uint32(b[4:8]),
		BitsPerSample: binary.LittleEndian.Uint16(b[14:16]),
	}
	if tag == formatExtensible {
		if len(b) < 26 {
			return Format{}, fmt.Errorf("%w: truncated extensible fmt", ErrUnsupported)
		}
		// First two bytes of the sub-format GUID carry the real tag.
		tag = binary.LittleEndian.Uint16(b[24:26])
	}
	switch tag {
	case formatPCM:
	case formatFloat:
		f.Float = true
	default:
		return Format{}, fmt.Errorf("%w: format tag %#x", ErrUnsupported, tag)
	}
	return f, f.validate()
}

func header(f Format, dataBytes uint32) []byte {
	tag := uint16(formatPCM)
	if f.Float {
		tag = formatFloat
	}
	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36)+dataBytes)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, tag)
	binary.Write(&buf, binary.LittleEndian, f.Channels)
	binary.Write(&buf, binary.LittleEndian, f.SampleRate)
	binary.Write(&buf, binary.LittleEndian, uint32(f.ByteRate()))
	binary.Write(&buf, binary.LittleEndian, uint16(f.BlockAlign()))
	binary.Write(&buf, binary.LittleEndian, f.BitsPerSample)
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, dataBytes)
	return buf.Bytes()
}

// Writer writes sample data after a placeholder header; Close patches the
// RIFF and data sizes so the file is valid however early it is closed.
type Writer struct {
	f      *os.File
	format Format
	n      int64
	closed bool
}

// Create opens path for writing and emits the placeholder header.
func Create(path string, format Format) (*Writer, error) {
	if err := format.validate(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create wav: %w", err)
	}
	if _, err := f.Write(header(format, 0)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("write wav header: %w", err)
	}
	return &Writer{f: f, format: format}, nil
}

// Format returns the layout the file was created with.
func (w *Writer) Format() Format { return w.format }

// Size returns the total file size written so far, header included.
func (w *Writer) Size() int64 { return HeaderSize + w.n }

// Write appends raw interleaved samples.
func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	w.n += int64(n)
	return n, err
}

// Close patches the header sizes, syncs and closes the file. It is safe to
// call more than once.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	data := uint32(w.n)
	if w.n > int64(^uint32(0))-36 {
		data = ^uint32(0) - 36
	}
	var errs []error
	if _, err := w.f.WriteAt(header(w.format, data)[:HeaderSize], 0); err != nil {
		errs = append(errs, fmt.Errorf("patch wav header: %w", err))
	}
	if err := w.f.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("sync wav: %w", err))
	}
	if err := w.f.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close wav: %w", err))
	}
	return errors.Join(errs...)
}

// Info describes a finished WAV file.
type Info struct {
	Format    Format
	DataBytes int64
	Duration  time.Duration
}

// Seconds returns the duration in seconds.
func (i Info) Seconds() float64 { return i.Duration.Seconds() }

// Probe reads the header of a finished file. Streamed files whose data size
// was never patched fall back to the file length.
func Probe(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return Info{}, fmt.Errorf("stat wav: %w", err)
	}

	format, declared, offset, err := readHeader(f)
	if err != nil {
		return Info{}, err
	}
	avail := st.Size() - offset
	if avail < 0 {
		avail = 0
	}
	data := int64(declared)
	if declared == 0 || declared == ^uint32(0) || data > avail {
		data = avail
	}

	info := Info{Format: format, DataBytes: data}
	if rate := format.ByteRate(); rate > 0 {
		info.Duration = time.Duration(float64(data) / float64(rate) * float64(time.Second))
	}
	return info, nil
}
