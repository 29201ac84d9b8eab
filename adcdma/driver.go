package adcdma

import "github.com/nasa-jpl/adcstream/calib"

// FrameFunc receives one completed conversion frame.  It runs in the
// converter's delivery context; buf is recycled as soon as it returns.
type FrameFunc func(buf []byte)

// Converter is a multi-channel ADC operating in continuous mode.
//
// Open allocates the converter handle for frames of frameBytes; Close
// releases it.  A converter must not invoke the frame callback after Stop
// or Close has returned.
type Converter interface {
	Open(frameBytes int) error
	Configure(channels []Channel, sampleRateHz uint32) error
	RegisterFrameCallback(fn FrameFunc) error
	Start() error
	Stop() error
	Close() error
}

// Calibrator is implemented by converters with factory calibration.
// TryCreateCalibration returns an error when no calibration exists for the
// channel; the channel then falls back to the linear conversion.
type Calibrator interface {
	TryCreateCalibration(ch Channel) (calib.Curve, error)
}
