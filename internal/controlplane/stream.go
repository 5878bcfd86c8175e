package controlplane

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gantrylabs/gantry/internal/sse"
	"github.com/gantrylabs/gantry/pkg/api"
)

// streamBuffer decouples the container reader from the caller writer so a
// slow caller does not immediately stall decoding.
const streamBuffer = 16

// streamErrorEvent is the terminal record written when a supervised stream
// fails after output has already reached the caller. Its shape matches the
// error events the agent itself emits, so clients handle both the same way.
type streamErrorEvent struct {
	Type      string        `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error"`
	Code      api.ErrorCode `json:"code,omitempty"`
}

// RelayStream pipes a container SSE response to the caller under
// supervision: activity renewal per record, a periodic container health
// check, and a hang timeout. The response is not committed until the first
// record arrives, so failures before any output can still become plain
// HTTP errors; after that the only channel left is a terminal error event,
// which RelayStream writes itself before returning nil.
func (i *Instance) RelayStream(ctx context.Context, w http.ResponseWriter, body io.Reader) error {
	type chunk struct {
		payload []byte
		err     error
	}
	chunks := make(chan chunk, streamBuffer)

	dec := sse.NewDecoder(body)
	go func() {
		for {
			payload, err := dec.Next()
			if err != nil {
				select {
				case chunks <- chunk{err: err}:
				case <-ctx.Done():
				}
				return
			}
			select {
			case chunks <- chunk{payload: payload}:
			case <-ctx.Done():
				return
			}
		}
	}()

	hang := time.NewTimer(i.cfg.StreamHangTimeout)
	defer hang.Stop()
	health := time.NewTicker(i.cfg.StreamHealthInterval)
	defer health.Stop()

	var enc *sse.Encoder
	for {
		select {
		case c := <-chunks:
			if c.err != nil {
				if errors.Is(c.err, io.EOF) {
					return nil
				}
				return i.failStream(enc, fmt.Errorf("container stream broke: %w", c.err))
			}

			if enc == nil {
				sse.SetHeaders(w.Header())
				w.WriteHeader(http.StatusOK)
				enc = sse.NewEncoder(w)
			}
			i.RenewActivity(ctx)
			if err := enc.WriteData(c.payload); err != nil {
				// Caller went away; nothing left to notify.
				return nil
			}

			if !hang.Stop() {
				select {
				case <-hang.C:
				default:
				}
			}
			hang.Reset(i.cfg.StreamHangTimeout)

		case <-hang.C:
			return i.failStream(enc, fmt.Errorf("stream stalled: no output for %s", i.cfg.StreamHangTimeout))

		case <-health.C:
			if !i.Healthy(ctx) {
				return i.failStream(enc, errors.New("container became unhealthy mid-stream"))
			}

		case <-ctx.Done():
			return nil
		}
	}
}

// failStream reports a mid-stream failure. With no output written yet the
// error propagates so the handler can answer with a classified HTTP status;
// afterwards it becomes a terminal error event on the committed stream.
func (i *Instance) failStream(enc *sse.Encoder, err error) error {
	if enc == nil {
		return err
	}
	i.log.Warn("stream failed after output", "error", err)
	_ = enc.Encode(streamErrorEvent{
		Type:      "error",
		Timestamp: time.Now().UTC(),
		Error:     err.Error(),
		Code:      api.CodeStreamInterrupted,
	})
	return nil
}
