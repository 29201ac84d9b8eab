package adcdma

// Frame is one conversion frame copied out of the converter's buffer.
// It is passed by value so the converter may reuse its buffer at once.
type Frame struct {
	n   int
	buf [MaxFrameBytes]byte
}

// Bytes is the frame's payload
func (f *Frame) Bytes() []byte {
	return f.buf[:f.n]
}

// Len is the payload length in bytes
func (f *Frame) Len() int {
	return f.n
}

// handoff runs in the converter's delivery context.  It must not block,
// allocate, or touch the store; a full queue drops the frame.
func (a *Acquisition) handoff(q chan<- Frame, buf []byte) {
	if len(buf) > MaxFrameBytes {
		a.oversize.Add(1)
		return
	}
	var f Frame
	f.n = copy(f.buf[:], buf)
	select {
	case q <- f:
		a.queued.Add(1)
	default:
		a.queueDrops.Add(1)
	}
}
