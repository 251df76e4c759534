package media

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// ErrStreamClosed is returned by writes after the stream has shut down.
var ErrStreamClosed = errors.New("media: stream closed")

// Stream wraps one carrier media-stream websocket connection. Reads are
// owned by the caller's single read loop; writes are serialized internally
// so the player and control paths can send concurrently.
//
// Malformed frames are logged and skipped, never fatal: a protocol hiccup
// must not kill the session.
type Stream struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	closed  bool

	// StreamSid is learned from the start frame and stamped onto every
	// outbound frame.
	StreamSid string
}

// NewStream wraps an accepted websocket connection.
func NewStream(conn *websocket.Conn, logger *slog.Logger) *Stream {
	return &Stream{
		conn:   conn,
		logger: logger.With("subsystem", "media-stream"),
	}
}

// ReadFrame blocks for the next frame. Unparseable messages are skipped.
// Returns an error only when the connection is gone.
func (s *Stream) ReadFrame() (*Frame, error) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("media: reading frame: %w", err)
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.Warn("malformed media frame, skipping", "error", err)
			continue
		}
		if f.Event == "" {
			s.logger.Warn("media frame without event, skipping")
			continue
		}
		if f.Event == FrameStart && f.Start != nil {
			s.StreamSid = f.Start.StreamSid
		}
		return &f, nil
	}
}

func (s *Stream) writeFrame(f *Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("media: encoding frame: %w", err)
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("media: writing frame: %w", err)
	}
	return nil
}

// SendMedia sends one mu-law frame to the caller.
func (s *Stream) SendMedia(ulaw []byte) error {
	return s.writeFrame(&Frame{
		Event:     FrameMedia,
		StreamSid: s.StreamSid,
		Media:     &MediaInfo{Payload: EncodePayload(ulaw)},
	})
}

// SendMark sends a named playout boundary; the carrier echoes it back once
// all media queued before it has played.
func (s *Stream) SendMark(name string) error {
	return s.writeFrame(&Frame{
		Event:     FrameMark,
		StreamSid: s.StreamSid,
		Mark:      &MarkInfo{Name: name},
	})
}

// SendClear flushes the carrier's outbound audio buffer, cutting off any
// queued playout immediately.
func (s *Stream) SendClear() error {
	return s.writeFrame(&Frame{
		Event:     FrameClear,
		StreamSid: s.StreamSid,
	})
}

// Close shuts down the websocket. Safe to call more than once.
func (s *Stream) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}
