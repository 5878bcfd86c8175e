// Package sse implements the server-sent-events framing used for command
// output and process log streams: an encoder that writes one JSON payload
// per "data:" record, and a chunk-tolerant decoder that reassembles records
// from an arbitrarily fragmented byte stream.
package sse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// SetHeaders applies the response headers required before the first event
// is written: stream content type, no caching, and no proxy buffering.
func SetHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// Encoder writes SSE records to w, flushing after each one when w supports
// it so events reach the client immediately.
type Encoder struct {
	w       io.Writer
	flusher http.Flusher
}

// NewEncoder returns an Encoder for w. If w is an http.ResponseWriter that
// implements http.Flusher, every record is flushed as it is written.
func NewEncoder(w io.Writer) *Encoder {
	e := &Encoder{w: w}
	if f, ok := w.(http.Flusher); ok {
		e.flusher = f
	}
	return e
}

// Encode marshals v to JSON and writes it as a single data record.
func (e *Encoder) Encode(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return e.WriteData(payload)
}

// WriteData writes an already-serialized payload as a single data record.
func (e *Encoder) WriteData(payload []byte) error {
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

var (
	recordSep  = []byte("\n\n")
	dataPrefix = []byte("data:")
)

// Decoder reassembles SSE records from r. Records may arrive split across
// any number of reads; the decoder buffers the trailing partial record and
// completes it on a later chunk.
type Decoder struct {
	r   io.Reader
	buf []byte
	err error
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Next returns the payload of the next data record. Records without a data
// line (comments, keep-alives) are skipped. At end of stream it returns the
// final unterminated record if one is pending, then io.EOF.
func (d *Decoder) Next() ([]byte, error) {
	for {
		if i := bytes.Index(d.buf, recordSep); i >= 0 {
			record := d.buf[:i]
			d.buf = d.buf[i+len(recordSep):]
			if payload, ok := extractData(record); ok {
				return payload, nil
			}
			continue
		}

		if d.err != nil {
			if d.err == io.EOF && len(d.buf) > 0 {
				record := d.buf
				d.buf = nil
				if payload, ok := extractData(record); ok {
					return payload, nil
				}
			}
			return nil, d.err
		}

		chunk := make([]byte, 4096)
		n, err := d.r.Read(chunk)
		if n > 0 {
			d.buf = append(d.buf, chunk[:n]...)
		}
		if err != nil {
			d.err = err
		}
	}
}

// Decode reads the next data record and unmarshals it into v.
func (d *Decoder) Decode(v any) error {
	payload, err := d.Next()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("unmarshal event: %w", err)
	}
	return nil
}

// extractData collects the data lines of one record. Multi-line data fields
// are joined with newlines per the SSE specification.
func extractData(record []byte) ([]byte, bool) {
	var parts [][]byte
	for _, line := range bytes.Split(record, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		value := line[len(dataPrefix):]
		if len(value) > 0 && value[0] == ' ' {
			value = value[1:]
		}
		parts = append(parts, value)
	}
	if parts == nil {
		return nil, false
	}
	return bytes.Join(parts, []byte("\n")), true
}
