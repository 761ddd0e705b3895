package audio

import "fmt"

// Sample rates on the two sides of the bridge. The client leg carries
// narrow-band PCMU, the agent leg carries wide-band linear PCM.
const (
	NarrowbandRate = 8000
	WidebandRate   = 48000
)

// PCMUToWideband converts one client frame of 8 kHz PCMU into 48 kHz
// PCM16-LE bytes for the agent leg. tail is the smoother output carried
// from the previous frame of the same direction; pass the returned tail
// into the next call. The input frame is not retained or modified.
func PCMUToWideband(frame []byte, tail int16) ([]byte, int16) {
	samples := DecodeMuLaw(frame)
	Gate(samples, DefaultGateThreshold)
	SoftLimit(samples, DefaultLimit)
	samples, tail = Smooth(samples, tail, DefaultSmoothing)
	wide := Resample(samples, NarrowbandRate, WidebandRate)
	return Int16ToBytes(wide), tail
}

// WidebandToPCMU converts one agent frame of 48 kHz PCM16-LE into
// 8 kHz PCMU bytes for the client leg, carrying the direction's
// smoother tail like PCMUToWideband. Frames with an odd byte length
// are malformed and rejected without touching the tail.
func WidebandToPCMU(frame []byte, tail int16) ([]byte, int16, error) {
	if len(frame)%2 != 0 {
		return nil, tail, fmt.Errorf("pcm16 frame has odd length %d", len(frame))
	}
	samples := BytesToInt16(frame)
	Gate(samples, DefaultGateThreshold)
	SoftLimit(samples, DefaultLimit)
	samples, tail = Smooth(samples, tail, DefaultSmoothing)
	narrow := Resample(samples, WidebandRate, NarrowbandRate)
	return EncodeMuLaw(narrow), tail, nil
}

// Uniform reports whether every byte in b equals the first. A PCMU
// frame that compands to a single repeated byte is pure silence and
// not worth sending to the client.
func Uniform(b []byte) bool {
	if len(b) == 0 {
		return true
	}
	first := b[0]
	for _, v := range b[1:] {
		if v != first {
			return false
		}
	}
	return true
}
