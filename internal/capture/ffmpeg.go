package capture

import "github.com/Dalmarthas/Beyond-Call/internal/apperr"

// NewFFmpegAdapter captures src through ffmpeg, transcoded to 16 kHz mono
// s16 WAV on stdout with progress telemetry on stderr.
func NewFFmpegAdapter(src Source, path string, opts Options) (Adapter, error) {
	if err := validateSource(src); err != nil {
		return nil, apperr.Wrap(apperr.KindAdapterStart, err, "invalid source")
	}
	opts = opts.withDefaults()
	return newStreamAdapter(src, path, opts.FFmpegPath, ffmpegArgs(src), opts), nil
}

func ffmpegArgs(src Source) []string {
	return []string{
		"-hide_banner",
		"-nostats",
		"-loglevel", "error",
		"-progress", "pipe:2",
		"-f", src.Format,
		"-i", src.Locator,
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		"-f", "wav",
		"pipe:1",
	}
}
