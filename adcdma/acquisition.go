/*Package adcdma runs a multi-channel ADC in continuous mode and keeps the most
recent samples of every channel in memory.

The converter delivers one frame of interleaved codes per conversion cycle to a
callback.  The callback copies the frame into a bounded queue without blocking;
when the queue is full the frame is dropped and counted.  A single consumer
goroutine drains the queue, splits each frame into per-channel ring buffers and
publishes them under a lock.  Callers read snapshots, statistics and
calibrated voltages with a bounded wait.

Typical use:

	acq := adcdma.New(conv)
	if err := acq.Init(adcdma.DefaultConfig()); err != nil {
		return err
	}
	defer acq.Deinit()
	if err := acq.Start(); err != nil {
		return err
	}
	mv, err := acq.LatestVoltage()
*/
package adcdma

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nasa-jpl/adcstream/calib"
	"golang.org/x/time/rate"
)

// State is a lifecycle state of an Acquisition
type State int

// lifecycle states
const (
	Uninitialized State = iota
	Initialized
	Running
	Stopped
	Deinitialized
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Deinitialized:
		return "deinitialized"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Counters are the frame accounting of an Acquisition since Init
type Counters struct {
	// Queued frames were accepted into the queue
	Queued uint64 `json:"queued"`

	// QueueDrops were refused because the queue was full
	QueueDrops uint64 `json:"queueDrops"`

	// Oversize frames exceeded MaxFrameBytes and were refused
	Oversize uint64 `json:"oversize"`

	// LockDrops were dequeued but dropped because the store stayed locked
	LockDrops uint64 `json:"lockDrops"`

	// Processed frames were demultiplexed into the store
	Processed uint64 `json:"processed"`

	// Ticks is the number of per-channel samples written
	Ticks uint64 `json:"ticks"`
}

// Acquisition owns a converter, the frame queue, the sample store and the
// consumer goroutine.  Its methods are safe for concurrent use.
type Acquisition struct {
	conv Converter

	mu    sync.Mutex // serializes lifecycle transitions
	state State
	cfg   Config
	queue chan Frame
	done  chan struct{}

	store   atomic.Pointer[store]
	running atomic.Bool

	queued     atomic.Uint64
	queueDrops atomic.Uint64
	oversize   atomic.Uint64
	lockDrops  atomic.Uint64
	processed  atomic.Uint64
	ticks      atomic.Uint64

	dropLog *rate.Limiter
}

// New returns an Uninitialized Acquisition for the converter
func New(conv Converter) *Acquisition {
	return &Acquisition{
		conv:    conv,
		dropLog: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// State returns the current lifecycle state
func (a *Acquisition) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Config returns the configuration passed to Init
func (a *Acquisition) Config() Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.clone()
}

// Counters returns a snapshot of the frame accounting
func (a *Acquisition) Counters() Counters {
	return Counters{
		Queued:     a.queued.Load(),
		QueueDrops: a.queueDrops.Load(),
		Oversize:   a.oversize.Load(),
		LockDrops:  a.lockDrops.Load(),
		Processed:  a.processed.Load(),
		Ticks:      a.ticks.Load(),
	}
}

// Init allocates the queue, store and calibration and configures the
// converter.  On any failure everything created so far is released and the
// originating error is returned.
func (a *Acquisition) Init(cfg Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != Uninitialized && a.state != Deinitialized {
		return fmt.Errorf("adcdma: init while %v: %w", a.state, ErrInvalidState)
	}
	if a.conv == nil {
		return fmt.Errorf("adcdma: init: nil converter: %w", ErrInvalidArgument)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("adcdma: init: %w", err)
	}
	cfg = cfg.clone()

	q := make(chan Frame, cfg.QueueDepth)
	bits := make([]uint8, len(cfg.Channels))
	for i, ch := range cfg.Channels {
		bits[i] = ch.BitWidth
	}
	cals := calib.NewSet(cfg.Reference, bits)

	if err := a.conv.Open(cfg.FrameBytes); err != nil {
		log.Printf("adcdma: failed to open converter: %v\n", err)
		return driverErr("open", err)
	}
	rollback := func() {
		cals.Release()
		if err := a.conv.Close(); err != nil {
			log.Printf("adcdma: error closing converter during rollback: %v\n", err)
		}
	}
	if err := a.conv.Configure(cfg.Channels, cfg.SampleRateHz); err != nil {
		log.Printf("adcdma: failed to configure converter: %v\n", err)
		rollback()
		return driverErr("configure", err)
	}
	a.calibrate(cals, cfg.Channels)
	s := newStore(cfg, cals)

	err := a.conv.RegisterFrameCallback(func(buf []byte) {
		a.handoff(q, buf)
	})
	if err != nil {
		log.Printf("adcdma: failed to register frame callback: %v\n", err)
		rollback()
		return driverErr("register callback", err)
	}

	a.resetCounters()
	a.cfg = cfg
	a.queue = q
	a.store.Store(s)
	a.state = Initialized
	log.Printf("adcdma: initialized %d channels at %d Hz, %d sample buffers\n",
		len(cfg.Channels), cfg.SampleRateHz, cfg.BufferSize)
	return nil
}

// calibrate asks the converter for a curve per channel.  Channels without one
// stay Uncalibrated; this is never an error.
func (a *Acquisition) calibrate(cals *calib.Set, channels []Channel) {
	c, ok := a.conv.(Calibrator)
	if !ok {
		log.Println("adcdma: converter has no factory calibration, using linear conversion")
		return
	}
	for i, ch := range channels {
		curve, err := c.TryCreateCalibration(ch)
		if err != nil || curve == nil {
			log.Printf("adcdma: channel %d not calibrated (%v), using linear conversion\n", ch.ID, err)
			continue
		}
		cals.SetCalibration(i, calib.Calibrated(curve))
	}
}

func (a *Acquisition) resetCounters() {
	a.queued.Store(0)
	a.queueDrops.Store(0)
	a.oversize.Store(0)
	a.lockDrops.Store(0)
	a.processed.Store(0)
	a.ticks.Store(0)
}

// Start arms the converter and spawns the consumer
func (a *Acquisition) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != Initialized && a.state != Stopped {
		return fmt.Errorf("adcdma: start while %v: %w", a.state, ErrInvalidState)
	}
	if err := a.conv.Start(); err != nil {
		log.Printf("adcdma: failed to start converter: %v\n", err)
		return driverErr("start", err)
	}
	a.running.Store(true)
	a.done = make(chan struct{})
	go a.consume(a.queue, a.store.Load(), a.done, a.cfg.ReceiveTimeout, a.cfg.StoreTimeout)
	a.state = Running
	log.Println("adcdma: started")
	return nil
}

// Stop disarms the converter and waits for the consumer to observe the
// cleared running flag, which takes at most one receive timeout
func (a *Acquisition) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != Running {
		return fmt.Errorf("adcdma: stop while %v: %w", a.state, ErrInvalidState)
	}
	if err := a.conv.Stop(); err != nil {
		log.Printf("adcdma: failed to stop converter: %v\n", err)
		return driverErr("stop", err)
	}
	a.halt()
	a.state = Stopped
	log.Println("adcdma: stopped")
	return nil
}

func (a *Acquisition) halt() {
	a.running.Store(false)
	<-a.done
	a.done = nil
}

// Deinit stops the acquisition if it is running and releases the converter
// handle, calibration, store and queue in that order.  Teardown always runs to
// completion; converter errors are returned joined.  Calling Deinit on an
// acquisition that holds no resources does nothing.
func (a *Acquisition) Deinit() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == Uninitialized || a.state == Deinitialized {
		return nil
	}
	var errs []error
	if a.state == Running {
		if err := a.conv.Stop(); err != nil {
			log.Printf("adcdma: failed to stop converter during deinit: %v\n", err)
			errs = append(errs, driverErr("stop", err))
		}
		a.halt()
	}
	if err := a.conv.Close(); err != nil {
		log.Printf("adcdma: failed to close converter: %v\n", err)
		errs = append(errs, driverErr("close", err))
	}
	if s := a.store.Swap(nil); s != nil {
		if err := s.cals.Release(); err != nil {
			errs = append(errs, fmt.Errorf("adcdma: release calibration: %w", err))
		}
	}
	a.queue = nil
	a.state = Deinitialized
	log.Println("adcdma: deinitialized")
	return errors.Join(errs...)
}

// consume is the only reader of q and the only writer of s
func (a *Acquisition) consume(q <-chan Frame, s *store, done chan<- struct{}, recvTimeout, storeTimeout time.Duration) {
	defer close(done)
	timer := time.NewTimer(recvTimeout)
	defer timer.Stop()
	for a.running.Load() {
		select {
		case f := <-q:
			a.process(s, &f, storeTimeout)
		case <-timer.C:
			timer.Reset(recvTimeout)
			continue
		}
		if !timer.Stop() {
			<-timer.C
		}
		timer.Reset(recvTimeout)
	}
}

func (a *Acquisition) process(s *store, f *Frame, timeout time.Duration) {
	if err := s.lock(timeout); err != nil {
		a.lockDrops.Add(1)
		if a.dropLog.Allow() {
			log.Printf("adcdma: store busy, dropped frame (%d dropped so far)\n", a.lockDrops.Load())
		}
		return
	}
	n := s.demux(f.Bytes())
	s.unlock()
	a.processed.Add(1)
	a.ticks.Add(uint64(n))
}
