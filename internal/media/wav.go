package media

import "encoding/binary"

// wavHeaderSize is the byte length of the canonical RIFF header produced
// by WrapWAV: RIFF chunk (12) + fmt chunk (26) + fact chunk (12) + data
// chunk header (8).
const wavHeaderSize = 58

// WrapWAV wraps raw mu-law audio in a RIFF container (format tag 7,
// G.711 mu-law, 8 kHz mono) so carriers and browsers can play it directly.
func WrapWAV(ulaw []byte) []byte {
	out := make([]byte, wavHeaderSize+len(ulaw))
	le := binary.LittleEndian

	copy(out[0:4], "RIFF")
	le.PutUint32(out[4:8], uint32(wavHeaderSize-8+len(ulaw)))
	copy(out[8:12], "WAVE")

	// fmt chunk, extended form with zero-length extension as mandated for
	// non-PCM formats.
	copy(out[12:16], "fmt ")
	le.PutUint32(out[16:20], 18)
	le.PutUint16(out[20:22], 7) // WAVE_FORMAT_MULAW
	le.PutUint16(out[22:24], 1) // mono
	le.PutUint32(out[24:28], SampleRate)
	le.PutUint32(out[28:32], SampleRate) // byte rate, one byte per sample
	le.PutUint16(out[32:34], 1)          // block align
	le.PutUint16(out[34:36], 8)          // bits per sample
	le.PutUint16(out[36:38], 0)          // extension size

	// fact chunk, required for compressed formats.
	copy(out[38:42], "fact")
	le.PutUint32(out[42:46], 4)
	le.PutUint32(out[46:50], uint32(len(ulaw)))

	copy(out[50:54], "data")
	le.PutUint32(out[54:58], uint32(len(ulaw)))
	copy(out[wavHeaderSize:], ulaw)

	return out
}
