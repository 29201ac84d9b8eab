package adcdma

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/nasa-jpl/adcstream/calib"
	"golang.org/x/sync/semaphore"
)

// store is the shared sample store.  Every channel has its own ring but all
// rings share one cursor and filled flag, so position i of every channel was
// converted on the same tick.  chans, cursor and filled are only touched while
// guard is held; the remaining fields are fixed at construction.
type store struct {
	guard *semaphore.Weighted

	cals      *calib.Set
	dataWait  time.Duration
	queryWait time.Duration

	chans [][]uint32
	masks []uint32
	size  int

	// cursor is the next position written, always < size
	cursor int
	// filled is set when the cursor wraps and cleared by a read of the
	// whole buffer
	filled bool
}

func newStore(cfg Config, cals *calib.Set) *store {
	s := &store{
		guard:     semaphore.NewWeighted(1),
		cals:      cals,
		dataWait:  cfg.DataTimeout,
		queryWait: cfg.QueryTimeout,
		chans:     make([][]uint32, len(cfg.Channels)),
		masks:     make([]uint32, len(cfg.Channels)),
		size:      cfg.BufferSize,
	}
	for i, ch := range cfg.Channels {
		s.chans[i] = make([]uint32, cfg.BufferSize)
		s.masks[i] = ch.Mask()
	}
	return s
}

// lock acquires the store, waiting at most timeout
func (s *store) lock(timeout time.Duration) error {
	if s.guard.TryAcquire(1) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.guard.Acquire(ctx, 1); err != nil {
		return ErrTimeout
	}
	return nil
}

func (s *store) unlock() {
	s.guard.Release(1)
}

// demux splits one frame of interleaved little endian codes into the
// channel rings and returns the number of ticks written.  A trailing
// partial tick is discarded.  The caller holds the lock.
func (s *store) demux(frame []byte) int {
	n := len(s.chans)
	tick := n * CodeBytes
	ticks := 0
	for off := 0; off+tick <= len(frame); off += tick {
		for ch := 0; ch < n; ch++ {
			code := uint32(binary.LittleEndian.Uint16(frame[off+ch*CodeBytes:]))
			s.chans[ch][s.cursor] = code & s.masks[ch]
		}
		s.advance()
		ticks++
	}
	return ticks
}

func (s *store) advance() {
	s.cursor++
	if s.cursor == s.size {
		s.cursor = 0
		s.filled = true
	}
}

// available is the number of samples a read returns
func (s *store) available() int {
	if s.filled {
		return s.size
	}
	return s.cursor
}

// latest returns the position of the most recent sample
func (s *store) latest() (int, bool) {
	if s.cursor > 0 {
		return s.cursor - 1, true
	}
	if s.filled {
		return s.size - 1, true
	}
	return 0, false
}
