package envelope

import (
	"bytes"
)

var frameBoundary = []byte("\n\n")

// Frame is one raw event frame
type Frame struct {
	Event string
	Data  []byte
}

// Decoder reassembles frames from chunks that may split a frame at any byte.
// A Decoder is not safe for concurrent use.
type Decoder struct {
	buf []byte
}

// Feed appends chunk to the pending bytes and returns every complete frame.
// Comment frames and frames lacking an event or data line are dropped.
func (d *Decoder) Feed(chunk []byte) []Frame {
	d.buf = append(d.buf, chunk...)

	var frames []Frame
	for {
		idx := bytes.Index(d.buf, frameBoundary)
		if idx < 0 {
			break
		}
		raw := d.buf[:idx]
		d.buf = d.buf[idx+len(frameBoundary):]

		if f, ok := parseFrame(raw); ok {
			frames = append(frames, f)
		}
	}

	if len(d.buf) == 0 {
		d.buf = nil
	}
	return frames
}

// Remainder returns the buffered bytes of an incomplete trailing frame
func (d *Decoder) Remainder() []byte {
	return d.buf
}

// Reset drops any buffered bytes
func (d *Decoder) Reset() {
	d.buf = nil
}

func parseFrame(raw []byte) (Frame, bool) {
	var (
		event    string
		data     [][]byte
		hasEvent bool
	)
	for _, line := range bytes.Split(raw, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		switch {
		case len(line) == 0, line[0] == ':':
			continue
		case bytes.HasPrefix(line, []byte("event:")):
			event = string(bytes.TrimSpace(line[len("event:"):]))
			hasEvent = true
		case bytes.HasPrefix(line, []byte("data:")):
			value := line[len("data:"):]
			value = bytes.TrimPrefix(value, []byte(" "))
			data = append(data, value)
		}
	}
	if !hasEvent || event == "" || len(data) == 0 {
		return Frame{}, false
	}
	return Frame{Event: event, Data: bytes.Join(data, []byte("\n"))}, true
}
