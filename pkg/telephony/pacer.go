package telephony

import (
	"context"
	"encoding/base64"
	"time"
)

// MediaSender is the narrow outbound surface Pacer needs. *Link
// satisfies it.
type MediaSender interface {
	SendMedia(ctx context.Context, base64Payload string) error
	SendClear(ctx context.Context) error
}

// Pacer walks a synthesized audio blob out in fixed-size chunks at a
// fixed inter-chunk delay, matching the caller's real-time playback
// rate (original_source/src/call_handler.py::_send_audio_to_twilio).
// Between chunks it checks interrupted; if that ever reports true it
// sends a clear frame and stops, which is the outbound half of the
// Barge-in Monitor (spec.md §4.6, SPEC_FULL.md §C).
type Pacer struct {
	ChunkSize int
	Interval  time.Duration
}

// NewPacer returns a Pacer using the spec's 640-byte/~20ms defaults.
func NewPacer() Pacer {
	return Pacer{ChunkSize: 640, Interval: 20 * time.Millisecond}
}

// Send streams audio through sender in chunks, calling interrupted
// before each chunk and onChunk (if non-nil) with each chunk's byte
// count after it has been sent. It returns true if sending completed
// in full, false if it was cut short by an interruption or a send
// error.
func (p Pacer) Send(ctx context.Context, sender MediaSender, audio []byte, interrupted func() bool, onChunk func(n int)) (bool, error) {
	chunkSize := p.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 640
	}

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	offset := 0
	for offset < len(audio) {
		if interrupted() {
			return false, sender.SendClear(ctx)
		}

		end := offset + chunkSize
		if end > len(audio) {
			end = len(audio)
		}
		chunk := audio[offset:end]
		offset = end

		payload := base64.StdEncoding.EncodeToString(chunk)
		if err := sender.SendMedia(ctx, payload); err != nil {
			return false, err
		}
		if onChunk != nil {
			onChunk(len(chunk))
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
	return true, nil
}
