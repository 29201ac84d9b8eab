/*Package serialadc drives a microcontroller ADC that streams conversion frames
over RS232 or TCP.

The converter is commanded with carriage return terminated ASCII lines:

	CONF <rate> <frameBytes> <id>:<atten>:<bits> ...   configure, replies OK
	CAL? <id>                                          factory line fit, replies "<slope> <offset>" or NONE
	RUN                                                start streaming, replies OK
	HALT                                               stop streaming, no reply

Errors are replied as "ERR <message>".  While running, every completed DMA
frame is sent as one CRC protected packet, see EncodePacket.
*/
package serialadc

import (
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nasa-jpl/adcstream/adcdma"
	"github.com/nasa-jpl/adcstream/calib"
	"github.com/nasa-jpl/adcstream/comm"
)

var (
	// ErrNoCalibration is returned by TryCreateCalibration when the converter
	// has no line fit for a channel
	ErrNoCalibration = errors.New("serialadc: no factory calibration")

	// ErrNoCallback is returned by Start when no frame callback is registered
	ErrNoCallback = errors.New("serialadc: no frame callback registered")

	// ErrRunning is returned by commands that are invalid while streaming
	ErrRunning = errors.New("serialadc: converter is streaming")
)

// Converter is an adcdma.Converter and adcdma.Calibrator for a streaming
// serial ADC
type Converter struct {
	port *comm.Port

	mu         sync.Mutex
	frameBytes int
	fn         adcdma.FrameFunc
	running    bool
	halt       atomic.Bool
	done       chan struct{}

	packets   atomic.Uint64
	crcErrors atomic.Uint64
	truncated atomic.Uint64
}

// New returns a converter at addr.  serial selects RS232 over TCP.
func New(addr string, serial bool, baud int) *Converter {
	return &Converter{port: comm.NewPort(addr, serial, baud)}
}

// SetTimeout sets how long a command reply may take.  Stop may take up to
// three times as long.
func (c *Converter) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.port.Timeout = d
}

// Open connects to the converter
func (c *Converter) Open(frameBytes int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frameBytes = frameBytes
	return c.port.Open()
}

// Configure sends the channel pattern and sample rate
func (c *Converter) Configure(channels []adcdma.Channel, sampleRateHz uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrRunning
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "CONF %d %d", sampleRateHz, c.frameBytes)
	for _, ch := range channels {
		fmt.Fprintf(&sb, " %d:%d:%d", ch.ID, ch.Attenuation, ch.BitWidth)
	}
	return c.command(sb.String())
}

// command sends cmd and expects OK
func (c *Converter) command(cmd string) error {
	resp, err := c.port.SendRecv([]byte(cmd))
	if err != nil {
		return err
	}
	return checkReply(cmd, string(resp))
}

func checkReply(cmd, resp string) error {
	resp = strings.TrimSpace(resp)
	if resp == "OK" {
		return nil
	}
	if strings.HasPrefix(resp, "ERR") {
		return fmt.Errorf("serialadc: %s: %s", cmd, strings.TrimSpace(strings.TrimPrefix(resp, "ERR")))
	}
	return fmt.Errorf("serialadc: %s: unexpected reply %q", cmd, resp)
}

// TryCreateCalibration queries the converter's line fit for ch
func (c *Converter) TryCreateCalibration(ch adcdma.Channel) (calib.Curve, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil, ErrRunning
	}
	resp, err := c.port.SendRecv([]byte(fmt.Sprintf("CAL? %d", ch.ID)))
	if err != nil {
		return nil, err
	}
	return parseLineFit(string(resp))
}

func parseLineFit(resp string) (calib.Curve, error) {
	resp = strings.TrimSpace(resp)
	if resp == "NONE" {
		return nil, ErrNoCalibration
	}
	fields := strings.Fields(resp)
	if len(fields) != 2 {
		return nil, fmt.Errorf("serialadc: malformed calibration reply %q", resp)
	}
	slope, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return nil, fmt.Errorf("serialadc: calibration slope: %w", err)
	}
	offset, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return nil, fmt.Errorf("serialadc: calibration offset: %w", err)
	}
	return calib.LineFit{Slope: slope, Offset: offset}, nil
}

// RegisterFrameCallback sets the function frames are delivered to
func (c *Converter) RegisterFrameCallback(fn adcdma.FrameFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fn = fn
	return nil
}

// Start commands the converter to stream and spawns the packet reader
func (c *Converter) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	if c.fn == nil {
		return ErrNoCallback
	}
	if err := c.command("RUN"); err != nil {
		return err
	}
	c.halt.Store(false)
	c.done = make(chan struct{})
	c.running = true
	go c.read(c.fn, c.done)
	return nil
}

// Stop commands the converter to halt and waits for the packet reader to
// exit, which takes at most the port timeout
func (c *Converter) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil
	}
	err := c.port.Send([]byte("HALT"))
	c.halt.Store(true)
	<-c.done
	c.running = false
	if err != nil {
		return err
	}
	// the tail of the stream must not be taken for a command reply
	return c.port.Discard()
}

// Close halts the converter and closes the port
func (c *Converter) Close() error {
	err := c.Stop()
	return errors.Join(err, c.port.Close())
}

// Stats returns the number of good packets, of packets discarded for a bad
// checksum or length, and of packets cut short by a read timeout
func (c *Converter) Stats() (packets, crcErrors, truncated uint64) {
	return c.packets.Load(), c.crcErrors.Load(), c.truncated.Load()
}

func (c *Converter) read(fn adcdma.FrameFunc, done chan<- struct{}) {
	defer close(done)
	c.decode(NewDecoder(c.port), fn)
}

// decode hands packets to fn until halted or the stream fails.  On a serial
// port an expired read timeout looks like end of file; when it lands inside a
// packet the packet is dropped and the decoder resyncs.
func (c *Converter) decode(dec *Decoder, fn adcdma.FrameFunc) {
	for !c.halt.Load() {
		payload, err := dec.Next()
		if c.halt.Load() {
			return
		}
		switch {
		case err == nil:
			c.packets.Add(1)
			fn(payload)
		case errors.Is(err, ErrCRC), errors.Is(err, ErrPacketLength):
			c.crcErrors.Add(1)
		case errors.Is(err, ErrTruncated) && (c.port.Idle(err) || c.port.Serial && errors.Is(err, io.ErrUnexpectedEOF)):
			c.truncated.Add(1)
		case c.port.Idle(err):
		default:
			log.Printf("serialadc: stream ended: %v\n", err)
			return
		}
	}
}
