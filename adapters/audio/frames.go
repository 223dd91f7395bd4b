package audio

// FrameWriter packs a PCM16 byte stream into fixed-size device buffers.
// Bytes that do not fill a buffer are kept for the next Write, so chunk
// boundaries never reach the device as silence.
type FrameWriter struct {
	out     []int16
	pending []byte
	write   func() error
}

// NewFrameWriter creates a writer that fills out and calls write for every full buffer
func NewFrameWriter(out []int16, write func() error) *FrameWriter {
	return &FrameWriter{
		out:     out,
		pending: make([]byte, 0, len(out)*2),
		write:   write,
	}
}

// Write plays every full buffer available and keeps the remainder
func (w *FrameWriter) Write(pcm []byte) error {
	w.pending = append(w.pending, pcm...)

	frameBytes := len(w.out) * 2
	offset := 0
	for len(w.pending)-offset >= frameBytes {
		BytesToInt16(w.out, w.pending[offset:offset+frameBytes])
		offset += frameBytes
		if err := w.write(); err != nil {
			w.pending = append(w.pending[:0], w.pending[offset:]...)
			return err
		}
	}
	w.pending = append(w.pending[:0], w.pending[offset:]...)
	return nil
}

// Flush plays the remainder zero padded to a full buffer
func (w *FrameWriter) Flush() error {
	if len(w.pending) < 2 {
		w.pending = w.pending[:0]
		return nil
	}
	BytesToInt16(w.out, w.pending)
	w.pending = w.pending[:0]
	return w.write()
}

// Pending returns the number of buffered bytes not yet played
func (w *FrameWriter) Pending() int {
	return len(w.pending)
}
