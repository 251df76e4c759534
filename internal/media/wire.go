package media

// Frame is the carrier's bidirectional media-stream message. The same
// schema is used in both directions; Event selects which section is
// populated.
type Frame struct {
	Event          string     `json:"event"`
	SequenceNumber string     `json:"sequenceNumber,omitempty"`
	StreamSid      string     `json:"streamSid,omitempty"`
	Start          *StartInfo `json:"start,omitempty"`
	Media          *MediaInfo `json:"media,omitempty"`
	DTMF           *DTMFInfo  `json:"dtmf,omitempty"`
	Stop           *StopInfo  `json:"stop,omitempty"`
	Mark           *MarkInfo  `json:"mark,omitempty"`
}

// Frame event values.
const (
	FrameStart = "start"
	FrameMedia = "media"
	FrameDTMF  = "dtmf"
	FrameStop  = "stop"
	FrameMark  = "mark"
	FrameClear = "clear"
)

// StartInfo accompanies the first frame of a stream.
type StartInfo struct {
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid"`
	AccountSid       string            `json:"accountSid,omitempty"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// MediaInfo carries one base64 mu-law audio payload.
type MediaInfo struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// DTMFInfo carries one keypad digit.
type DTMFInfo struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

// StopInfo accompanies the final frame of a stream.
type StopInfo struct {
	CallSid string `json:"callSid,omitempty"`
}

// MarkInfo names a playout boundary; the carrier echoes marks back once
// all preceding media has been played.
type MarkInfo struct {
	Name string `json:"name"`
}
