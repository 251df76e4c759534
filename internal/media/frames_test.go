package media

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestRechunkExactMultiple(t *testing.T) {
	in := bytes.Repeat([]byte{0x42}, FrameBytes*3)
	frames := Rechunk(in)
	if len(frames) != 3 {
		t.Fatalf("frames = %d, want 3", len(frames))
	}
	for i, f := range frames {
		if len(f) != FrameBytes {
			t.Fatalf("frame %d length = %d, want %d", i, len(f), FrameBytes)
		}
	}
}

func TestRechunkPadsFinalFrame(t *testing.T) {
	in := bytes.Repeat([]byte{0x42}, FrameBytes+10)
	frames := Rechunk(in)
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(frames))
	}
	last := frames[1]
	if len(last) != FrameBytes {
		t.Fatalf("last frame length = %d, want %d", len(last), FrameBytes)
	}
	for i := 0; i < 10; i++ {
		if last[i] != 0x42 {
			t.Fatalf("byte %d = %#x, want audio", i, last[i])
		}
	}
	for i := 10; i < FrameBytes; i++ {
		if last[i] != 0xFF {
			t.Fatalf("pad byte %d = %#x, want mu-law silence", i, last[i])
		}
	}
}

func TestRechunkEmpty(t *testing.T) {
	if frames := Rechunk(nil); frames != nil {
		t.Fatalf("frames = %v, want nil", frames)
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	in := []byte{0x00, 0x7F, 0xFF, 0x42}
	out, err := DecodePayload(EncodePayload(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(out, in) {
		t.Fatalf("round trip = %v, want %v", out, in)
	}
}

func TestDecodePayloadRejectsGarbage(t *testing.T) {
	if _, err := DecodePayload("not base64 !!!"); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestWrapWAVHeader(t *testing.T) {
	audio := bytes.Repeat([]byte{0xFF}, 320)
	wav := WrapWAV(audio)

	if len(wav) != wavHeaderSize+len(audio) {
		t.Fatalf("length = %d, want %d", len(wav), wavHeaderSize+len(audio))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Fatalf("bad RIFF preamble: %q %q", wav[0:4], wav[8:12])
	}

	le := binary.LittleEndian
	if got := le.Uint32(wav[4:8]); got != uint32(wavHeaderSize-8+len(audio)) {
		t.Fatalf("riff size = %d", got)
	}
	if got := le.Uint16(wav[20:22]); got != 7 {
		t.Fatalf("format tag = %d, want 7 (mu-law)", got)
	}
	if got := le.Uint16(wav[22:24]); got != 1 {
		t.Fatalf("channels = %d, want mono", got)
	}
	if got := le.Uint32(wav[24:28]); got != SampleRate {
		t.Fatalf("sample rate = %d, want %d", got, SampleRate)
	}
	if string(wav[38:42]) != "fact" {
		t.Fatalf("missing fact chunk: %q", wav[38:42])
	}
	if got := le.Uint32(wav[46:50]); got != uint32(len(audio)) {
		t.Fatalf("fact sample count = %d, want %d", got, len(audio))
	}
	if string(wav[50:54]) != "data" {
		t.Fatalf("missing data chunk: %q", wav[50:54])
	}
	if got := le.Uint32(wav[54:58]); got != uint32(len(audio)) {
		t.Fatalf("data size = %d, want %d", got, len(audio))
	}
	if !bytes.Equal(wav[wavHeaderSize:], audio) {
		t.Fatal("audio body mangled")
	}
}

func TestPCMULawRoundTripLength(t *testing.T) {
	pcm := make([]int16, 160)
	for i := range pcm {
		pcm[i] = int16(i * 100)
	}
	ulaw := PCM16ToULaw(pcm)
	if len(ulaw) != len(pcm) {
		t.Fatalf("ulaw length = %d, want %d", len(ulaw), len(pcm))
	}
	back := ULawToPCM16(ulaw)
	if len(back) != len(pcm) {
		t.Fatalf("pcm length = %d, want %d", len(back), len(pcm))
	}
}
