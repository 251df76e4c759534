package media

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// FrameWriter is the outbound half of a media stream, as consumed by the
// player.
type FrameWriter interface {
	SendMedia(ulaw []byte) error
	SendMark(name string) error
	SendClear() error
}

// Player paces synthesized audio onto a media stream as 20 ms mu-law
// frames on a 20 ms cadence. At most one playout is active per session:
// starting a new one cancels the current one and clears the carrier's
// buffer.
type Player struct {
	writer FrameWriter
	logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	current chan struct{} // closed when the active playout finishes
}

// NewPlayer creates a player for the stream.
func NewPlayer(writer FrameWriter, logger *slog.Logger) *Player {
	return &Player{
		writer: writer,
		logger: logger.With("subsystem", "player"),
	}
}

// Play starts pacing the audio and returns a channel that is closed when
// playout completes or is cancelled. Any playout already in progress is
// stopped first.
func (p *Player) Play(ctx context.Context, ulaw []byte) <-chan struct{} {
	p.Stop()

	playCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	p.mu.Lock()
	p.cancel = cancel
	p.current = done
	p.mu.Unlock()

	frames := Rechunk(ulaw)
	go p.pace(playCtx, frames, done)
	return done
}

// Stop cancels the active playout, if any, and flushes the carrier's
// outbound buffer so audio cuts off immediately.
func (p *Player) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	current := p.current
	p.cancel = nil
	p.current = nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-current
	if err := p.writer.SendClear(); err != nil {
		p.logger.Debug("clear after stop failed", "error", err)
	}
}

// pace sends one frame per 20 ms tick until the audio is exhausted or the
// context is cancelled, then marks the stream boundary.
func (p *Player) pace(ctx context.Context, frames [][]byte, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(FrameMillis * time.Millisecond)
	defer ticker.Stop()

	for _, frame := range frames {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := p.writer.SendMedia(frame); err != nil {
			p.logger.Debug("media send failed, abandoning playout", "error", err)
			return
		}
	}

	if err := p.writer.SendMark("playout-complete"); err != nil {
		p.logger.Debug("mark send failed", "error", err)
	}
}
