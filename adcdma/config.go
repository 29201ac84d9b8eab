package adcdma

import (
	"fmt"
	"time"

	"github.com/nasa-jpl/adcstream/calib"
	"periph.io/x/conn/v3/physic"
)

const (
	// MaxChannels is the number of inputs on the converter unit
	MaxChannels = 8

	// MaxFrameBytes bounds the size of one conversion frame.  Frames are
	// carried through the queue by value in an array of this size.
	MaxFrameBytes = 1024

	// CodeBytes is the width of one interleaved code in a frame
	CodeBytes = 2
)

// Attenuation is the input attenuation of a channel
type Attenuation uint8

// attenuation steps supported by the converter
const (
	Atten0dB Attenuation = iota
	Atten2_5dB
	Atten6dB
	Atten12dB
)

func (a Attenuation) String() string {
	switch a {
	case Atten0dB:
		return "0dB"
	case Atten2_5dB:
		return "2.5dB"
	case Atten6dB:
		return "6dB"
	case Atten12dB:
		return "12dB"
	default:
		return fmt.Sprintf("Attenuation(%d)", uint8(a))
	}
}

// Channel describes one sampled input
type Channel struct {
	// ID is the converter's channel number
	ID uint8 `json:"id" yaml:"ID" koanf:"ID"`

	// Attenuation is the gain setting of the input
	Attenuation Attenuation `json:"attenuation" yaml:"Attenuation" koanf:"Attenuation"`

	// BitWidth is the resolution of the channel's codes
	BitWidth uint8 `json:"bitWidth" yaml:"BitWidth" koanf:"BitWidth"`
}

// Mask returns the bits of a code that hold the conversion result
func (c Channel) Mask() uint32 {
	return calib.FullScale(c.BitWidth)
}

// Config holds everything fixed at Init
type Config struct {
	// Channels are sampled in this order and appear interleaved in frames in
	// this order
	Channels []Channel

	// SampleRateHz is the conversion rate handed to the converter
	SampleRateHz uint32

	// BufferSize is the number of samples per channel kept before the oldest
	// are overwritten
	BufferSize int

	// QueueDepth is the number of frames that may wait for the consumer
	// before new frames are dropped
	QueueDepth int

	// FrameBytes is the size of one conversion frame
	FrameBytes int

	// Reference is the converter reference voltage used by the uncalibrated
	// conversion
	Reference physic.ElectricPotential

	// ReceiveTimeout bounds each queue receive of the consumer, and so how
	// long Stop waits for it to exit
	ReceiveTimeout time.Duration

	// StoreTimeout bounds how long the consumer waits for the store before it
	// drops a frame
	StoreTimeout time.Duration

	// DataTimeout bounds Data and DataInto
	DataTimeout time.Duration

	// QueryTimeout bounds LatestVoltage and Statistics
	QueryTimeout time.Duration
}

// DefaultConfig is two 12 bit inputs (channels 6 and 7) at 12 dB sampled at
// 20 kHz into 256 sample buffers
func DefaultConfig() Config {
	return Config{
		Channels: []Channel{
			{ID: 6, Attenuation: Atten12dB, BitWidth: 12},
			{ID: 7, Attenuation: Atten12dB, BitWidth: 12},
		},
		SampleRateHz:   20000,
		BufferSize:     256,
		QueueDepth:     10,
		FrameBytes:     256,
		Reference:      calib.DefaultReference,
		ReceiveTimeout: 100 * time.Millisecond,
		StoreTimeout:   10 * time.Millisecond,
		DataTimeout:    100 * time.Millisecond,
		QueryTimeout:   10 * time.Millisecond,
	}
}

// Validate reports the first problem with c wrapped in ErrInvalidArgument
func (c Config) Validate() error {
	if len(c.Channels) == 0 || len(c.Channels) > MaxChannels {
		return fmt.Errorf("%w: %d channels configured, must be 1 to %d", ErrInvalidArgument, len(c.Channels), MaxChannels)
	}
	for i, ch := range c.Channels {
		if ch.ID >= MaxChannels {
			return fmt.Errorf("%w: channel %d has ID %d, must be < %d", ErrInvalidArgument, i, ch.ID, MaxChannels)
		}
		if ch.BitWidth == 0 || ch.BitWidth > 8*CodeBytes {
			return fmt.Errorf("%w: channel %d has bit width %d, must be 1 to %d", ErrInvalidArgument, i, ch.BitWidth, 8*CodeBytes)
		}
		if ch.Attenuation > Atten12dB {
			return fmt.Errorf("%w: channel %d has attenuation %v", ErrInvalidArgument, i, ch.Attenuation)
		}
	}
	if c.SampleRateHz == 0 {
		return fmt.Errorf("%w: sample rate must be positive", ErrInvalidArgument)
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("%w: buffer size must be positive", ErrInvalidArgument)
	}
	if c.QueueDepth <= 0 {
		return fmt.Errorf("%w: queue depth must be positive", ErrInvalidArgument)
	}
	if c.FrameBytes <= 0 || c.FrameBytes > MaxFrameBytes || c.FrameBytes%CodeBytes != 0 {
		return fmt.Errorf("%w: frame size %d must be an even number of bytes up to %d", ErrInvalidArgument, c.FrameBytes, MaxFrameBytes)
	}
	if c.Reference <= 0 {
		return fmt.Errorf("%w: reference voltage must be positive", ErrInvalidArgument)
	}
	if c.ReceiveTimeout <= 0 || c.StoreTimeout <= 0 || c.DataTimeout <= 0 || c.QueryTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidArgument)
	}
	return nil
}

func (c Config) clone() Config {
	out := c
	out.Channels = append([]Channel(nil), c.Channels...)
	return out
}
