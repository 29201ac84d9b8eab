/*Package sim provides a simulated continuous mode converter.

The converter can be driven two ways.  Emit and EmitRaw deliver a frame
synchronously from the caller's goroutine, which makes tests deterministic.
Generate runs a free-running waveform generator paced at the configured
sample rate, which stands in for hardware when running the server without a
converter attached.

Every step of the driver lifecycle can be made to fail by setting the
matching Fail field before the call.
*/
package sim

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"sync/atomic"

	"github.com/nasa-jpl/adcstream/adcdma"
	"github.com/nasa-jpl/adcstream/calib"
	"golang.org/x/time/rate"
)

var (
	// ErrNotOpen is returned when the converter is used before Open
	ErrNotOpen = errors.New("sim: converter not open")

	// ErrAlreadyOpen is returned by a second Open without Close
	ErrAlreadyOpen = errors.New("sim: converter already open")

	// ErrNotRunning is returned by Emit when the converter is not started
	ErrNotRunning = errors.New("sim: converter not running")

	// ErrNoCallback is returned by Start when no frame callback is registered
	ErrNoCallback = errors.New("sim: no frame callback registered")

	// ErrNoCalibration is returned by TryCreateCalibration for channels
	// without an entry in Curves
	ErrNoCalibration = errors.New("sim: channel has no factory calibration")
)

// Converter is a simulated multi-channel ADC.  The zero value is ready to
// use and delivers frames only through Emit.
type Converter struct {
	// Fail* are returned by the matching lifecycle call when non-nil
	FailOpen      error
	FailConfigure error
	FailRegister  error
	FailStart     error
	FailStop      error
	FailClose     error

	// Curves holds the factory calibration of each channel, by channel ID
	Curves map[uint8]calib.Curve

	// Generate makes Start spawn the waveform generator
	Generate bool

	// TagChannels sets the channel ID in the top four bits of every
	// generated code, as converters with a 12 bit result in a 16 bit word do
	TagChannels bool

	mu         sync.Mutex
	open       bool
	running    bool
	frameBytes int
	channels   []adcdma.Channel
	rateHz     uint32
	fn         adcdma.FrameFunc
	buf        []byte
	cancel     context.CancelFunc
	done       chan struct{}

	frames atomic.Uint64
}

// Open allocates the frame buffer
func (c *Converter) Open(frameBytes int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailOpen != nil {
		return c.FailOpen
	}
	if c.open {
		return ErrAlreadyOpen
	}
	c.open = true
	c.frameBytes = frameBytes
	c.buf = make([]byte, 0, adcdma.MaxFrameBytes)
	return nil
}

// Configure records the channel pattern and the sample rate
func (c *Converter) Configure(channels []adcdma.Channel, sampleRateHz uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailConfigure != nil {
		return c.FailConfigure
	}
	if !c.open {
		return ErrNotOpen
	}
	c.channels = append([]adcdma.Channel(nil), channels...)
	c.rateHz = sampleRateHz
	return nil
}

// RegisterFrameCallback sets the function frames are delivered to
func (c *Converter) RegisterFrameCallback(fn adcdma.FrameFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailRegister != nil {
		return c.FailRegister
	}
	if !c.open {
		return ErrNotOpen
	}
	c.fn = fn
	return nil
}

// Start arms the converter and, if Generate is set, spawns the generator
func (c *Converter) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailStart != nil {
		return c.FailStart
	}
	if !c.open {
		return ErrNotOpen
	}
	if c.fn == nil {
		return ErrNoCallback
	}
	c.running = true
	if c.Generate {
		ctx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		c.done = make(chan struct{})
		go c.generate(ctx, c.done)
	}
	return nil
}

// Stop disarms the converter.  No frame is delivered after Stop returns.
func (c *Converter) Stop() error {
	c.mu.Lock()
	if c.FailStop != nil {
		c.mu.Unlock()
		return c.FailStop
	}
	c.running = false
	done := c.done
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
		c.done = nil
	}
	c.mu.Unlock()
	if done != nil {
		<-done
	}
	return nil
}

// Close releases the converter.  It may be opened again.
func (c *Converter) Close() error {
	if err := c.Stop(); err != nil && !errors.Is(err, c.FailStop) {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailClose != nil {
		return c.FailClose
	}
	c.open = false
	c.running = false
	c.fn = nil
	c.buf = nil
	return nil
}

// TryCreateCalibration returns the curve in Curves for the channel
func (c *Converter) TryCreateCalibration(ch adcdma.Channel) (calib.Curve, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if curve, ok := c.Curves[ch.ID]; ok && curve != nil {
		return curve, nil
	}
	return nil, ErrNoCalibration
}

// Running reports whether the converter is started
func (c *Converter) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Frames is the number of frames delivered since the converter was created
func (c *Converter) Frames() uint64 {
	return c.frames.Load()
}

// FrameBytes is the frame size passed to Open
func (c *Converter) FrameBytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frameBytes
}

// Emit encodes codes as one little endian frame and delivers it.
// Codes are interleaved by the caller in configured channel order.
func (c *Converter) Emit(codes ...uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return ErrNotRunning
	}
	c.buf = c.buf[:0]
	for _, code := range codes {
		c.buf = binary.LittleEndian.AppendUint16(c.buf, code)
	}
	c.deliver(c.buf)
	return nil
}

// EmitRaw delivers b as one frame without interpretation
func (c *Converter) EmitRaw(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return ErrNotRunning
	}
	c.buf = append(c.buf[:0], b...)
	c.deliver(c.buf)
	return nil
}

// deliver runs with mu held, which is what keeps Stop from returning while a
// frame is in flight
func (c *Converter) deliver(b []byte) {
	c.frames.Add(1)
	c.fn(b)
}

func (c *Converter) generate(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	c.mu.Lock()
	nch := len(c.channels)
	ticks := c.frameBytes / (adcdma.CodeBytes * nch)
	if ticks == 0 {
		ticks = 1
	}
	perFrame := float64(c.rateHz) / float64(ticks)
	c.mu.Unlock()

	lim := rate.NewLimiter(rate.Limit(perFrame), 1)
	var n uint64
	for {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		c.mu.Lock()
		if !c.running {
			c.mu.Unlock()
			return
		}
		c.buf = c.buf[:0]
		for t := 0; t < ticks; t++ {
			for i, ch := range c.channels {
				code := Sample(ch, i, c.rateHz, n)
				if c.TagChannels && ch.BitWidth <= 12 {
					code |= uint16(ch.ID&0xF) << 12
				}
				c.buf = binary.LittleEndian.AppendUint16(c.buf, code)
			}
			n++
		}
		c.deliver(c.buf)
		c.mu.Unlock()
	}
}

// Sample is the generator's code for the i-th configured channel on tick n.
// Each channel carries a full scale sine at (i+1) * 10 Hz.
func Sample(ch adcdma.Channel, i int, rateHz uint32, n uint64) uint16 {
	fs := float64(calib.FullScale(ch.BitWidth))
	if rateHz == 0 {
		return uint16(fs / 2)
	}
	f := float64(10 * (i + 1))
	t := float64(n) / float64(rateHz)
	v := fs/2 + fs/2*math.Sin(2*math.Pi*f*t)
	return uint16(math.Round(v))
}
