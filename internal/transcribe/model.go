package transcribe

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/Dalmarthas/Beyond-Call/internal/apperr"
)

// MinModelBytes rejects placeholder or truncated model downloads.
const MinModelBytes = 10 << 20

// Multilingual models come first so auto-detection works when both exist.
var modelNames = []string{"ggml-base.bin", "ggml-tiny.bin", "ggml-base.en.bin", "ggml-tiny.en.bin"}

// ResolveModel picks the whisper.cpp model: explicit, then dataDir/models,
// then cwd/models and cwd/../models.
func ResolveModel(explicit, dataDir, cwd string) (string, error) {
	if explicit != "" {
		ok, err := validModel(explicit)
		if err != nil {
			return "", err
		}
		if ok {
			return explicit, nil
		}
	}

	var dirs []string
	if dataDir != "" {
		dirs = append(dirs, filepath.Join(dataDir, "models"))
	}
	if cwd != "" {
		dirs = append(dirs, filepath.Join(cwd, "models"), filepath.Join(cwd, "..", "models"))
	}

	for _, dir := range dirs {
		for _, name := range modelNames {
			p := filepath.Join(dir, name)
			ok, err := validModel(p)
			if err != nil {
				return "", err
			}
			if ok {
				return p, nil
			}
		}
	}
	return "", apperr.New(apperr.KindTranscriptionTool,
		"no whisper model found; set WHISPER_MODEL_PATH or place ggml-base.bin or ggml-tiny.bin in ./models")
}

func validModel(path string) (bool, error) {
	st, err := os.Stat(path)
	if err != nil {
		return false, nil
	}
	if st.Size() < MinModelBytes {
		return false, apperr.New(apperr.KindTranscriptionTool, "whisper model at %s looks invalid (%d bytes)", path, st.Size())
	}
	return true, nil
}

func englishOnly(model string) bool {
	return strings.HasSuffix(filepath.Base(model), ".en.bin")
}
