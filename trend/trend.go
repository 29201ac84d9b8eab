/*Package trend keeps a slow history of an acquisition's calibrated voltage.

It captures the latest voltage of every channel every <duration> and stores up
to N of them to return over HTTP.
*/
package trend

import (
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/nasa-jpl/adcstream/adcdma"
	"github.com/nasa-jpl/adcstream/generichttp"
)

// ErrRunning is returned when Start is called on a running Trend
var ErrRunning = errors.New("trend: already running")

// Source provides the voltage to record
type Source interface {
	LatestVoltage() ([]uint32, error)
}

// circle is a ring buffer.  It is not concurrent safe.
type circle[T any] struct {
	buf    []T
	cursor int
	filled bool
}

func (c *circle[T]) init(size int) {
	c.buf = make([]T, size)
	c.cursor = 0
	c.filled = false
}

func (c *circle[T]) append(v T) {
	if c.cursor == len(c.buf) {
		c.cursor = 0
		c.filled = true
	}
	c.buf[c.cursor] = v
	c.cursor++
}

// contiguous copies the values from least to most recent
func (c *circle[T]) contiguous() []T {
	if !c.filled {
		return append([]T{}, c.buf[:c.cursor]...)
	}
	out := make([]T, 0, len(c.buf))
	out = append(out, c.buf[c.cursor:]...)
	return append(out, c.buf[:c.cursor]...)
}

// Trend is a voltage monitor that stores ring buffers of readings and can
// serve them over HTTP
type Trend struct {
	src  Source
	tick time.Duration

	mu   sync.Mutex
	mv   circle[[]uint32]
	time circle[time.Time]

	stop chan struct{}
	done chan struct{}
}

// History is the recorded trend from least to most recent
type History struct {
	Millivolts [][]uint32  `json:"mv"`
	Time       []time.Time `json:"timestamp"`
}

// New creates a new Trend which records up to capacity readings.
// A capacity below one keeps only the latest reading.
func New(src Source, tick time.Duration, capacity int) *Trend {
	if capacity < 1 {
		capacity = 1
	}
	t := &Trend{src: src, tick: tick}
	t.mv.init(capacity)
	t.time.init(capacity)
	return t
}

// Start triggers operation of the monitor
func (t *Trend) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop != nil {
		return ErrRunning
	}
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go t.runner(t.stop, t.done)
	return nil
}

// Stop kills the monitor and waits for it to exit.  It may be restarted.
func (t *Trend) Stop() {
	t.mu.Lock()
	stop, done := t.stop, t.done
	t.stop, t.done = nil, nil
	t.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (t *Trend) runner(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.tick)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			t.Sample(now)
		case <-stop:
			return
		}
	}
}

// Sample records one reading stamped with now.  Intervals where the
// acquisition has no sample, or is busy, are skipped.
func (t *Trend) Sample(now time.Time) {
	mv, err := t.src.LatestVoltage()
	if err != nil {
		if !errors.Is(err, adcdma.ErrNotFound) && !errors.Is(err, adcdma.ErrTimeout) {
			log.Printf("trend: error getting voltage, %q\n", err)
		}
		return
	}
	t.mu.Lock()
	t.mv.append(mv)
	t.time.append(now)
	t.mu.Unlock()
}

// History returns a copy of the recorded readings
func (t *Trend) History() History {
	t.mu.Lock()
	defer t.mu.Unlock()
	return History{Millivolts: t.mv.contiguous(), Time: t.time.contiguous()}
}

// HTTPYield returns an object over HTTP which contains arrays of voltages and timestamps
func (t *Trend) HTTPYield(w http.ResponseWriter, r *http.Request) {
	generichttp.ReplyJSON(w, t.History())
}

// Inject adds a /trend route to a generichttp.HTTPer
func Inject(other generichttp.HTTPer, t *Trend) {
	other.RT()[generichttp.MethodPath{Method: http.MethodGet, Path: "/trend"}] = t.HTTPYield
}
