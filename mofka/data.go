package mofka

import "sync"

// Data is an event's opaque payload, presented as one or more segments.
// The segments must remain valid until the Data is closed. A Data built
// with an owned free callback runs it exactly once, on the first Close.
type Data struct {
	segments [][]byte
	free     *sync.Once
	release  func()
}

// NewData wraps borrowed segments; Close is a no-op.
func NewData(segments ...[]byte) Data {
	return Data{segments: segments}
}

// DataFromSegments wraps borrowed segments.
func DataFromSegments(segments [][]byte) Data {
	return Data{segments: segments}
}

// OwnedData wraps segments whose backing memory is released by free.
func OwnedData(free func(), segments [][]byte) Data {
	return Data{segments: segments, free: &sync.Once{}, release: free}
}

// Segments returns the payload segments.
func (d Data) Segments() [][]byte { return d.segments }

// Size returns the total payload size.
func (d Data) Size() uint64 {
	var total uint64
	for _, s := range d.segments {
		total += uint64(len(s))
	}
	return total
}

// Bytes flattens the segments into one slice.
func (d Data) Bytes() []byte {
	out := make([]byte, 0, d.Size())
	for _, s := range d.segments {
		out = append(out, s...)
	}
	return out
}

// Close releases the backing memory if the Data owns it. Closing more than
// once, or closing copies, runs the free callback only once.
func (d Data) Close() {
	if d.free != nil && d.release != nil {
		d.free.Do(d.release)
	}
}
