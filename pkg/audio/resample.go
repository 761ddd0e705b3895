package audio

import (
	"encoding/binary"
	"math"
)

// Resample converts in from fromRate to toRate by linear interpolation.
// The output has exactly len(in)*toRate/fromRate samples (floor).
// Equal rates return a copy. Empty input returns an empty slice.
func Resample(in []int16, fromRate, toRate int) []int16 {
	if len(in) == 0 {
		return []int16{}
	}

	n := len(in) * toRate / fromRate
	out := make([]int16, n)
	ratio := float64(fromRate) / float64(toRate)

	for i := 0; i < n; i++ {
		pos := float64(i) * ratio
		k := int(pos)
		if k >= len(in) {
			out[i] = 0
			continue
		}
		if k+1 >= len(in) {
			out[i] = in[k]
			continue
		}
		frac := pos - float64(k)
		v := float64(in[k]) + (float64(in[k+1])-float64(in[k]))*frac
		out[i] = clampInt16(math.Round(v))
	}
	return out
}

// Int16ToBytes serializes samples as little-endian 16-bit PCM.
func Int16ToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// BytesToInt16 parses little-endian 16-bit PCM into samples.
// Trailing odd bytes are the caller's problem; use len(data)%2 checks
// before calling when the input is untrusted.
func BytesToInt16(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}
