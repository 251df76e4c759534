package media

import (
	"encoding/base64"

	"github.com/zaf/g711"
)

// Carrier media format: mu-law, 8 kHz, mono, 20 ms frames, base64 on the
// wire.
const (
	// SampleRate is the telephony sample rate in Hz.
	SampleRate = 8000

	// FrameDuration is the wall-clock length of one media frame.
	FrameMillis = 20

	// FrameBytes is the mu-law payload size of one 20 ms frame:
	// 8000 samples/s * 0.020 s * 1 byte/sample.
	FrameBytes = SampleRate * FrameMillis / 1000
)

// DecodePayload decodes a base64 media payload into raw mu-law bytes.
func DecodePayload(b64 string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(b64)
}

// EncodePayload encodes raw mu-law bytes into a base64 media payload.
func EncodePayload(ulaw []byte) string {
	return base64.StdEncoding.EncodeToString(ulaw)
}

// Rechunk splits synthesized mu-law audio into 20 ms frames for paced
// playout. The final frame is padded with mu-law silence (0xFF) so every
// frame on the wire is exactly FrameBytes long.
func Rechunk(ulaw []byte) [][]byte {
	if len(ulaw) == 0 {
		return nil
	}
	n := (len(ulaw) + FrameBytes - 1) / FrameBytes
	frames := make([][]byte, 0, n)
	for off := 0; off < len(ulaw); off += FrameBytes {
		end := off + FrameBytes
		if end <= len(ulaw) {
			frames = append(frames, ulaw[off:end])
			continue
		}
		frame := make([]byte, FrameBytes)
		copy(frame, ulaw[off:])
		for i := len(ulaw) - off; i < FrameBytes; i++ {
			frame[i] = 0xFF // mu-law silence
		}
		frames = append(frames, frame)
	}
	return frames
}

// ULawToPCM16 decodes mu-law bytes to 16-bit linear PCM samples, the
// format transcription capabilities consume.
func ULawToPCM16(ulaw []byte) []int16 {
	if len(ulaw) == 0 {
		return nil
	}
	decoded := g711.DecodeUlaw(ulaw)
	out := make([]int16, len(decoded)/2)
	for i := range out {
		out[i] = int16(decoded[2*i]) | int16(decoded[2*i+1])<<8
	}
	return out
}

// PCM16ToULaw encodes 16-bit linear PCM samples to mu-law bytes, used when
// a synthesizer produces linear audio.
func PCM16ToULaw(pcm []int16) []byte {
	if len(pcm) == 0 {
		return nil
	}
	raw := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		raw[2*i] = byte(s)
		raw[2*i+1] = byte(s >> 8)
	}
	return g711.EncodeUlaw(raw)
}
