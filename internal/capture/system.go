package capture

import (
	"context"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/Dalmarthas/Beyond-Call/internal/apperr"
)

// minSystemAudioMajor is the first macOS release with system-audio capture.
const minSystemAudioMajor = 13

// systemAudioSupported is swapped in tests.
var systemAudioSupported = func() bool {
	if runtime.GOOS != "darwin" {
		return false
	}
	major, ok := macOSMajor(context.Background())
	return ok && major >= minSystemAudioMajor
}

// NewSystemAudioAdapter captures call audio through the native helper, which
// streams WAV on stdout and reports level= and sck_error= lines on stderr.
func NewSystemAudioAdapter(src Source, path string, opts Options) (Adapter, error) {
	if !systemAudioSupported() {
		return nil, apperr.New(apperr.KindAdapterStart,
			"native system-audio capture requires macOS %d or newer; use a microphone or loopback source", minSystemAudioMajor)
	}
	opts = opts.withDefaults()
	return newStreamAdapter(src, path, opts.SystemHelperPath, []string{"--output", "-"}, opts), nil
}

func macOSMajor(ctx context.Context) (int, bool) {
	out, err := exec.CommandContext(ctx, "sw_vers", "-productVersion").Output()
	if err != nil {
		return 0, false
	}
	return parseMajorVersion(string(out))
}

func parseMajorVersion(v string) (int, bool) {
	head, _, _ := strings.Cut(strings.TrimSpace(v), ".")
	n, err := strconv.Atoi(head)
	if err != nil {
		return 0, false
	}
	return n, true
}
