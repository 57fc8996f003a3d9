package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// Link wraps one accepted media-stream websocket connection. All
// outbound sends are funneled through a single mutex so a SendClear can
// never be interleaved with (and thus overtaken by) a SendMedia call
// already in flight — spec.md §5c requires that a clear always precedes
// any subsequent media for the same interruption.
type Link struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	streamSID string
}

// Accept upgrades r into a Link. Matches the teacher's use of
// coder/websocket for its TTS client, now on the server side.
func Accept(w http.ResponseWriter, r *http.Request) (*Link, error) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return nil, fmt.Errorf("telephony: accept failed: %w", err)
	}
	return &Link{conn: conn}, nil
}

// Close closes the underlying connection with a normal closure status.
func (l *Link) Close() error {
	return l.conn.Close(websocket.StatusNormalClosure, "")
}

// ReadFrame blocks for the next inbound text frame and decodes it. A
// JSON decode failure returns ErrMalformedFrame wrapping the parse
// error; callers should log and continue reading rather than tear the
// call down (spec.md §4.2).
func (l *Link) ReadFrame(ctx context.Context) (Frame, error) {
	_, raw, err := l.conn.Read(ctx)
	if err != nil {
		return Frame{}, err
	}

	var in inboundFrame
	if err := json.Unmarshal(raw, &in); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	f := Frame{Event: in.Event}
	switch in.Event {
	case "start":
		if in.Start != nil {
			f.Start = StartPayload{
				CallSID:      in.Start.CallSID,
				StreamSID:    in.Start.StreamSID,
				CustomParams: in.Start.CustomParameters,
			}
			l.streamSID = in.Start.StreamSID
		}
	case "media":
		if in.Media != nil {
			f.MediaPayload = in.Media.Payload
		}
	case "mark":
		if in.Mark != nil {
			f.MarkName = in.Mark.Name
		}
	}
	return f, nil
}

// SendMedia writes one base64-already-encoded media frame.
func (l *Link) SendMedia(ctx context.Context, base64Payload string) error {
	return l.writeJSON(ctx, outboundMediaFrame{
		Event:     "media",
		StreamSID: l.streamSID,
		Media:     outboundMediaObj{Payload: base64Payload},
	})
}

// SendClear tells the telephony provider to flush any audio it has
// buffered for playback — the barge-in stop signal (spec.md §4.6).
func (l *Link) SendClear(ctx context.Context) error {
	return l.writeJSON(ctx, outboundClearFrame{
		Event:     "clear",
		StreamSID: l.streamSID,
	})
}

// SendMark requests a playback-position echo, used to detect when the
// greeting has finished playing (spec.md §4.1, mark name "greeting_end").
func (l *Link) SendMark(ctx context.Context, name string) error {
	return l.writeJSON(ctx, outboundMarkFrame{
		Event:     "mark",
		StreamSID: l.streamSID,
		Mark:      outboundMarkObj{Name: name},
	})
}

func (l *Link) writeJSON(ctx context.Context, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.conn.Write(ctx, websocket.MessageText, body)
}
