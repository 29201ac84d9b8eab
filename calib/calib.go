// Package calib converts raw converter codes to millivolts.
//
// A channel is either Calibrated, carrying a curve produced by the converter's
// factory calibration, or Uncalibrated, in which case a fixed linear formula
// against the reference voltage is used.  The linear formula is integer-exact
// and deterministic; two hosts given the same code always agree on the result.
package calib

import (
	"errors"
	"io"

	"periph.io/x/conn/v3/physic"
)

var (
	// ErrChannel is returned when a channel index is outside the set
	ErrChannel = errors.New("calib: channel index out of range")

	// DefaultReference is the converter reference used by the fallback formula
	DefaultReference = 3300 * physic.MilliVolt
)

// Curve maps a raw code to millivolts
type Curve interface {
	Millivolts(code uint32) uint32
}

// Calibration is either Calibrated (holding a Curve) or Uncalibrated.
// The zero value is Uncalibrated.
type Calibration struct {
	curve Curve
}

// Calibrated wraps a hardware curve.  A nil curve yields Uncalibrated.
func Calibrated(c Curve) Calibration {
	return Calibration{curve: c}
}

// Uncalibrated returns the calibration of a channel without a hardware curve
func Uncalibrated() Calibration {
	return Calibration{}
}

// Curve returns the hardware curve and true, or nil and false when the
// channel is uncalibrated.
func (c Calibration) Curve() (Curve, bool) {
	return c.curve, c.curve != nil
}

// String is "calibrated" or "uncalibrated"
func (c Calibration) String() string {
	if c.curve == nil {
		return "uncalibrated"
	}
	return "calibrated"
}

// Linear is the fallback code * reference / fullScale
type Linear struct {
	Reference physic.ElectricPotential
	FullScale uint32
}

// NewLinear returns the fallback for a converter of the given bit width
func NewLinear(reference physic.ElectricPotential, bits uint8) Linear {
	return Linear{Reference: reference, FullScale: FullScale(bits)}
}

// Millivolts applies the fallback formula with truncating integer division
func (l Linear) Millivolts(code uint32) uint32 {
	if l.FullScale == 0 {
		return 0
	}
	mv := uint64(l.Reference / physic.MilliVolt)
	return uint32(uint64(code) * mv / uint64(l.FullScale))
}

// FullScale is the largest code of a converter with the given bit width
func FullScale(bits uint8) uint32 {
	if bits >= 32 {
		return ^uint32(0)
	}
	return uint32(1)<<bits - 1
}

// LineFit is a first order curve, mV = Slope*code + Offset, the shape
// of the line fitting scheme burnt into the converter's eFuses.
type LineFit struct {
	// Slope in millivolts per code
	Slope float64 `json:"slope" yaml:"Slope"`

	// Offset in millivolts
	Offset float64 `json:"offset" yaml:"Offset"`
}

// Millivolts evaluates the line, clamped at zero and rounded to the nearest mV
func (l LineFit) Millivolts(code uint32) uint32 {
	v := l.Slope*float64(code) + l.Offset
	if v <= 0 {
		return 0
	}
	return uint32(v + 0.5)
}

// Set holds one Calibration and one fallback per configured channel
type Set struct {
	cals     []Calibration
	fallback []Linear
}

// NewSet creates a Set where every channel starts Uncalibrated.
// bits holds the bit width of each channel in configured order.
func NewSet(reference physic.ElectricPotential, bits []uint8) *Set {
	s := &Set{
		cals:     make([]Calibration, len(bits)),
		fallback: make([]Linear, len(bits)),
	}
	for i, b := range bits {
		s.fallback[i] = NewLinear(reference, b)
	}
	return s
}

// Len is the number of channels in the set
func (s *Set) Len() int {
	return len(s.cals)
}

// SetCalibration replaces the calibration of one channel
func (s *Set) SetCalibration(ch int, c Calibration) error {
	if ch < 0 || ch >= len(s.cals) {
		return ErrChannel
	}
	s.cals[ch] = c
	return nil
}

// Calibration returns the calibration of one channel
func (s *Set) Calibration(ch int) (Calibration, error) {
	if ch < 0 || ch >= len(s.cals) {
		return Calibration{}, ErrChannel
	}
	return s.cals[ch], nil
}

// Millivolts converts a raw code of channel ch
func (s *Set) Millivolts(ch int, code uint32) (uint32, error) {
	if ch < 0 || ch >= len(s.cals) {
		return 0, ErrChannel
	}
	if curve, ok := s.cals[ch].Curve(); ok {
		return curve.Millivolts(code), nil
	}
	return s.fallback[ch].Millivolts(code), nil
}

// Release closes every curve that holds resources.  The set must not be
// used afterwards.
func (s *Set) Release() error {
	var errs []error
	for i := range s.cals {
		if curve, ok := s.cals[i].Curve(); ok {
			if c, ok := curve.(io.Closer); ok {
				if err := c.Close(); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}
	return errors.Join(errs...)
}
