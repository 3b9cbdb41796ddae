package wire

import "bytes"

// maxBufferedLine caps the partial-line buffer. A worker that emits a
// pathological unbroken line gets it truncated into a diagnostic rather
// than growing the buffer without bound.
const maxBufferedLine = 1024 * 1024

// Decoder incrementally decodes a byte stream into events.
//
// The worker's output arrives in arbitrary read-sized chunks; one OS read
// is never assumed to be one record. A trailing partial line is buffered
// until the next chunk completes it.
type Decoder struct {
	buf bytes.Buffer
}

// Feed appends a chunk of stream bytes and returns the events decoded
// from every line completed by this chunk.
func (d *Decoder) Feed(p []byte) []Event {
	d.buf.Write(p)

	var events []Event
	for {
		data := d.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := make([]byte, idx)
		copy(line, data[:idx])
		d.buf.Next(idx + 1)

		line = bytes.TrimRight(line, "\r")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		events = append(events, DecodeLine(line))
	}

	if d.buf.Len() > maxBufferedLine {
		line := append([]byte(nil), d.buf.Bytes()...)
		d.buf.Reset()
		events = append(events, DecodeLine(line))
	}
	return events
}

// Flush decodes whatever partial line remains. Call once at stream end;
// a worker that exits mid-line still gets its last fragment surfaced as
// a diagnostic instead of being silently dropped.
func (d *Decoder) Flush() []Event {
	if d.buf.Len() == 0 {
		return nil
	}
	line := bytes.TrimSpace(d.buf.Bytes())
	d.buf.Reset()
	if len(line) == 0 {
		return nil
	}
	return []Event{DecodeLine(line)}
}
