package capture

import (
	"encoding/binary"
	"math"

	"github.com/Dalmarthas/Beyond-Call/internal/wavfile"
)

// rms computes the root mean square of the interleaved samples in buf,
// scaled to [-1,1] full range.
func rms(f wavfile.Format, buf []byte) float64 {
	var sum float64
	var n int
	switch {
	case f.Float && f.BitsPerSample == 32:
		for i := 0; i+4 <= len(buf); i += 4 {
			v := float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[i:])))
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			sum += v * v
			n++
		}
	case !f.Float && f.BitsPerSample == 16:
		for i := 0; i+2 <= len(buf); i += 2 {
			v := float64(int16(binary.LittleEndian.Uint16(buf[i:]))) / 32768
			sum += v * v
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}
