package dialer

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
)

// netstringEncoder writes <length>:<data>, frames as used by baresip ctrl_tcp.
type netstringEncoder struct {
	w io.Writer
}

func newNetstringEncoder(w io.Writer) *netstringEncoder {
	return &netstringEncoder{w: w}
}

func (e *netstringEncoder) Encode(data []byte) error {
	frame := make([]byte, 0, len(data)+16)
	frame = append(frame, fmt.Sprintf("%d:", len(data))...)
	frame = append(frame, data...)
	frame = append(frame, ',')
	_, err := e.w.Write(frame)
	return err
}

type netstringDecoder struct {
	r      io.Reader
	buffer []byte
}

func newNetstringDecoder(r io.Reader) *netstringDecoder {
	return &netstringDecoder{r: r}
}

// Decode returns the next frame payload. Garbage before a valid length
// prefix is skipped one byte at a time.
func (d *netstringDecoder) Decode() ([]byte, error) {
	for {
		if payload, ok := d.tryParse(); ok {
			return payload, nil
		}
		chunk := make([]byte, 4096)
		n, err := d.r.Read(chunk)
		if err != nil {
			return nil, err
		}
		d.buffer = append(d.buffer, chunk[:n]...)
	}
}

func (d *netstringDecoder) tryParse() ([]byte, bool) {
	for len(d.buffer) >= 3 {
		colonIdx := bytes.IndexByte(d.buffer, ':')
		if colonIdx == -1 {
			return nil, false
		}
		length, err := strconv.Atoi(string(d.buffer[:colonIdx]))
		if err != nil || length < 0 {
			d.buffer = d.buffer[1:]
			continue
		}
		total := colonIdx + 1 + length + 1
		if len(d.buffer) < total {
			return nil, false
		}
		if d.buffer[total-1] != ',' {
			d.buffer = d.buffer[1:]
			continue
		}
		payload := make([]byte, length)
		copy(payload, d.buffer[colonIdx+1:colonIdx+1+length])
		d.buffer = d.buffer[total:]
		return payload, true
	}
	return nil, false
}
