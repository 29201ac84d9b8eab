package adcdma

import (
	"errors"
	"fmt"
	"math"

	"github.com/nasa-jpl/adcstream/calib"
)

// Samples is a copy of the sample store
type Samples struct {
	// Channels holds one slice per configured channel, all of length Count
	Channels [][]uint32 `json:"channels"`

	// Count is the number of samples per channel
	Count int `json:"count"`
}

// Stats summarizes the samples of one channel
type Stats struct {
	Min uint32 `json:"min"`
	Max uint32 `json:"max"`
	Avg uint32 `json:"avg"`
}

func (a *Acquisition) current() (*store, error) {
	s := a.store.Load()
	if s == nil {
		return nil, fmt.Errorf("adcdma: no acquisition resources: %w", ErrInvalidState)
	}
	return s, nil
}

// Data copies up to maxSamples samples per channel out of the store.
//
// When the buffers have wrapped the whole buffer is returned in storage order,
// which starts mid-cycle rather than at the oldest sample.  Only a read of the
// whole buffer clears the full flag; a shorter read leaves the wrapped buffer
// to be read again.  Otherwise the samples written so far in this cycle are
// returned.
func (a *Acquisition) Data(maxSamples int) (Samples, error) {
	if maxSamples <= 0 {
		return Samples{}, fmt.Errorf("adcdma: data: maxSamples %d: %w", maxSamples, ErrInvalidArgument)
	}
	s, err := a.current()
	if err != nil {
		return Samples{}, err
	}
	n := maxSamples
	if n > s.size {
		n = s.size
	}
	dst := make([][]uint32, len(s.chans))
	for i := range dst {
		dst[i] = make([]uint32, n)
	}
	count, err := a.dataInto(s, dst)
	if err != nil {
		return Samples{}, err
	}
	for i := range dst {
		dst[i] = dst[i][:count]
	}
	return Samples{Channels: dst, Count: count}, nil
}

// DataInto is Data without allocation.  dst must hold one slice per
// configured channel; the copy is limited by the shortest of them.
func (a *Acquisition) DataInto(dst [][]uint32) (int, error) {
	s, err := a.current()
	if err != nil {
		return 0, err
	}
	if len(dst) != len(s.chans) {
		return 0, fmt.Errorf("adcdma: data: %d output buffers for %d channels: %w", len(dst), len(s.chans), ErrInvalidArgument)
	}
	for i := range dst {
		if dst[i] == nil {
			return 0, fmt.Errorf("adcdma: data: output buffer %d is nil: %w", i, ErrInvalidArgument)
		}
	}
	return a.dataInto(s, dst)
}

func (a *Acquisition) dataInto(s *store, dst [][]uint32) (int, error) {
	if err := s.lock(s.dataWait); err != nil {
		return 0, fmt.Errorf("adcdma: data: %w", err)
	}
	defer s.unlock()
	n := s.available()
	for i := range dst {
		if len(dst[i]) < n {
			n = len(dst[i])
		}
	}
	for i := range dst {
		copy(dst[i], s.chans[i][:n])
	}
	if n == s.size {
		s.filled = false
	}
	return n, nil
}

// LatestVoltage converts the most recent sample of every channel to
// millivolts
func (a *Acquisition) LatestVoltage() ([]uint32, error) {
	s, err := a.current()
	if err != nil {
		return nil, err
	}
	raw := make([]uint32, len(s.chans))
	if err := s.lock(s.queryWait); err != nil {
		return nil, fmt.Errorf("adcdma: latest voltage: %w", err)
	}
	pos, ok := s.latest()
	if ok {
		for i := range raw {
			raw[i] = s.chans[i][pos]
		}
	}
	s.unlock()
	if !ok {
		return nil, fmt.Errorf("adcdma: latest voltage: no samples yet: %w", ErrNotFound)
	}
	return s.millivolts(raw)
}

// RawToMillivolts converts one code per channel, in configured order
func (a *Acquisition) RawToMillivolts(codes []uint32) ([]uint32, error) {
	s, err := a.current()
	if err != nil {
		return nil, err
	}
	return s.millivolts(codes)
}

func (s *store) millivolts(codes []uint32) ([]uint32, error) {
	cals := s.cals
	if len(codes) > cals.Len() {
		return nil, fmt.Errorf("adcdma: %d codes for %d channels: %w", len(codes), cals.Len(), ErrInvalidArgument)
	}
	mv := make([]uint32, len(codes))
	for i, code := range codes {
		v, err := cals.Millivolts(i, code)
		if err != nil {
			if errors.Is(err, calib.ErrChannel) {
				return nil, fmt.Errorf("adcdma: %w: %w", ErrInvalidArgument, err)
			}
			return nil, err
		}
		mv[i] = v
	}
	return mv, nil
}

// Calibration reports the calibration of each configured channel
func (a *Acquisition) Calibration() ([]calib.Calibration, error) {
	s, err := a.current()
	if err != nil {
		return nil, err
	}
	out := make([]calib.Calibration, s.cals.Len())
	for i := range out {
		out[i], _ = s.cals.Calibration(i)
	}
	return out, nil
}

// Statistics computes min, max and mean of the samples written in the current
// cycle, positions [0, cursor), of every channel
func (a *Acquisition) Statistics() ([]Stats, error) {
	s, err := a.current()
	if err != nil {
		return nil, err
	}
	if err := s.lock(s.queryWait); err != nil {
		return nil, fmt.Errorf("adcdma: statistics: %w", err)
	}
	defer s.unlock()
	n := s.cursor
	if n == 0 {
		return nil, fmt.Errorf("adcdma: statistics: no samples yet: %w", ErrNotFound)
	}
	out := make([]Stats, len(s.chans))
	for i, ch := range s.chans {
		st := Stats{Min: math.MaxUint32}
		var sum uint64
		for _, v := range ch[:n] {
			if v < st.Min {
				st.Min = v
			}
			if v > st.Max {
				st.Max = v
			}
			sum += uint64(v)
		}
		st.Avg = uint32(sum / uint64(n))
		out[i] = st
	}
	return out, nil
}
