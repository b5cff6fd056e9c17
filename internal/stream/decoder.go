// Package stream decodes the chat completion event stream returned by the chat endpoint into text deltas.
//
// The stream is newline delimited: each "data: <json>" line carries a fragment shaped like
// {"choices":[{"delta":{"content":"..."}}]}, lines starting with ":" are comments, blank lines separate
// events and "data: [DONE]" ends the stream. Frames are not aligned with network reads, so the decoder keeps
// a rolling buffer and only interprets complete lines.
package stream

import (
	"bytes"
	"errors"
	"io"
	"iter"

	"github.com/tidwall/gjson"
)

const (
	dataPrefix   = "data: "
	doneSentinel = "[DONE]"
	deltaPath    = "choices.0.delta.content"
	readSize     = 4096
)

type lineKind int

const (
	lineSkip lineKind = iota
	lineDelta
	lineDone
	lineIncomplete
)

// Decoder incrementally turns stream bytes into content deltas. The zero value is ready to use.
type Decoder struct {
	buf  []byte
	done bool
}

// Feed appends p to the pending buffer and returns the deltas of every complete line that could be
// decoded, in arrival order. The returned bool is true once the [DONE] sentinel has been seen; any bytes
// after it are discarded and later calls return nothing.
//
// A data line whose JSON does not parse is treated as a frame that is still incomplete: it stays at the
// front of the buffer and decoding stops until more bytes arrive.
func (d *Decoder) Feed(p []byte) ([]string, bool) {
	if d.done {
		return nil, true
	}
	d.buf = append(d.buf, p...)

	var deltas []string
	off := 0
	for {
		i := bytes.IndexByte(d.buf[off:], '\n')
		if i < 0 {
			break
		}
		delta, kind := decodeLine(d.buf[off : off+i])
		if kind == lineIncomplete {
			break
		}
		if kind == lineDone {
			d.done = true
			d.buf = nil
			return deltas, true
		}
		if kind == lineDelta {
			deltas = append(deltas, delta)
		}
		off += i + 1
	}
	d.buf = append(d.buf[:0], d.buf[off:]...)
	return deltas, false
}

// Flush decodes whatever is left in the buffer once the stream has ended. Lines here may lack a trailing
// newline. A line that still fails to parse is dropped.
func (d *Decoder) Flush() []string {
	if d.done {
		return nil
	}
	rest := d.buf
	d.buf = nil
	d.done = true

	var deltas []string
	for _, line := range bytes.Split(rest, []byte{'\n'}) {
		delta, kind := decodeLine(line)
		if kind == lineDone {
			break
		}
		if kind == lineDelta {
			deltas = append(deltas, delta)
		}
	}
	return deltas
}

// Done reports whether the [DONE] sentinel was seen or the decoder was flushed.
func (d *Decoder) Done() bool {
	return d.done
}

func decodeLine(line []byte) (string, lineKind) {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	if len(bytes.TrimSpace(line)) == 0 || line[0] == ':' {
		return "", lineSkip
	}
	if !bytes.HasPrefix(line, []byte(dataPrefix)) {
		return "", lineSkip
	}

	payload := bytes.TrimSpace(line[len(dataPrefix):])
	if string(payload) == doneSentinel {
		return "", lineDone
	}
	if !gjson.ValidBytes(payload) {
		return "", lineIncomplete
	}

	res := gjson.GetBytes(payload, deltaPath)
	if res.Type != gjson.String || res.Str == "" {
		return "", lineSkip
	}
	return res.Str, lineDelta
}

// Read decodes r until the [DONE] sentinel or the end of input and yields each delta in order. A read
// error other than io.EOF is yielded once and ends the sequence; deltas decoded before it have already
// been yielded.
func Read(r io.Reader) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		var d Decoder
		buf := make([]byte, readSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				deltas, done := d.Feed(buf[:n])
				for _, delta := range deltas {
					if !yield(delta, nil) {
						return
					}
				}
				if done {
					return
				}
			}
			if errors.Is(err, io.EOF) {
				for _, delta := range d.Flush() {
					if !yield(delta, nil) {
						return
					}
				}
				return
			}
			if err != nil {
				yield("", err)
				return
			}
		}
	}
}
