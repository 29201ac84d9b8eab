package adcdma

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nasa-jpl/adcstream/calib"
)

// funcConverter hands the registered callback to the test
type funcConverter struct {
	mu sync.Mutex
	fn FrameFunc
}

func (c *funcConverter) Open(int) error                   { return nil }
func (c *funcConverter) Configure([]Channel, uint32) error { return nil }
func (c *funcConverter) Start() error                     { return nil }
func (c *funcConverter) Stop() error                      { return nil }
func (c *funcConverter) Close() error                     { return nil }

func (c *funcConverter) RegisterFrameCallback(fn FrameFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fn = fn
	return nil
}

func (c *funcConverter) deliver(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fn(b)
}

func frame(codes ...uint16) []byte {
	b := make([]byte, 0, 2*len(codes))
	for _, c := range codes {
		b = binary.LittleEndian.AppendUint16(b, c)
	}
	return b
}

func testStore(size int, widths ...uint8) *store {
	cfg := DefaultConfig()
	cfg.BufferSize = size
	cfg.Channels = nil
	for i, w := range widths {
		cfg.Channels = append(cfg.Channels, Channel{ID: uint8(i), BitWidth: w})
	}
	return newStore(cfg, calib.NewSet(cfg.Reference, widths))
}

func TestDemuxWrapsAndSetsFull(t *testing.T) {
	s := testStore(3, 12)
	if n := s.demux(frame(1, 2)); n != 2 {
		t.Fatalf("expected 2 ticks, got %d", n)
	}
	if s.cursor != 2 || s.filled {
		t.Errorf("expected cursor 2 not full, got %d %v", s.cursor, s.filled)
	}
	s.demux(frame(3))
	if s.cursor != 0 || !s.filled {
		t.Errorf("expected cursor 0 and full, got %d %v", s.cursor, s.filled)
	}
	s.demux(frame(4))
	if s.chans[0][0] != 4 || s.cursor != 1 {
		t.Errorf("oldest sample not overwritten: %v cursor %d", s.chans[0], s.cursor)
	}
	if pos, ok := s.latest(); !ok || pos != 0 {
		t.Errorf("expected latest at 0, got %d %v", pos, ok)
	}
}

func TestDemuxCursorFollowsTickCount(t *testing.T) {
	const size = 5
	s := testStore(size, 12)
	for n := 0; n <= 3*size; n++ {
		if s.cursor != n%size {
			t.Errorf("after %d ticks: expected cursor %d, got %d", n, n%size, s.cursor)
		}
		if s.filled != (n >= size) {
			t.Errorf("after %d ticks: expected full=%v, got %v", n, n >= size, s.filled)
		}
		if n > 0 && s.chans[0][(n-1)%size] != uint32(n) {
			t.Errorf("after %d ticks: slot %d holds %d", n, (n-1)%size, s.chans[0][(n-1)%size])
		}
		s.demux(frame(uint16(n + 1)))
	}
}

func TestDemuxPerChannelMask(t *testing.T) {
	s := testStore(4, 8, 16)
	s.demux(frame(0xFFFF, 0xFFFF))
	if s.chans[0][0] != 0xFF || s.chans[1][0] != 0xFFFF {
		t.Errorf("expected 0xFF and 0xFFFF, got %#x %#x", s.chans[0][0], s.chans[1][0])
	}
}

func TestDemuxOddTrailingByte(t *testing.T) {
	s := testStore(4, 12)
	b := append(frame(5), 0x01)
	if n := s.demux(b); n != 1 {
		t.Errorf("expected 1 tick, got %d", n)
	}
}

func TestLockTimesOut(t *testing.T) {
	s := testStore(4, 12)
	if err := s.lock(time.Millisecond); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if err := s.lock(5 * time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("bounded wait did not return in time")
	}
	s.unlock()
	if err := s.lock(time.Millisecond); err != nil {
		t.Errorf("lock not released: %v", err)
	}
}

func TestHandoffDropsWhenFull(t *testing.T) {
	a := New(nil)
	q := make(chan Frame, 2)
	for i := 0; i < 5; i++ {
		a.handoff(q, frame(uint16(i)))
	}
	c := a.Counters()
	if c.Queued != 2 || c.QueueDrops != 3 {
		t.Errorf("expected 2 queued and 3 dropped, got %+v", c)
	}
	f := <-q
	if binary.LittleEndian.Uint16(f.Bytes()) != 0 {
		t.Error("queue did not keep the oldest frames")
	}
}

func TestProcessDropsWhenStoreBusy(t *testing.T) {
	a := New(nil)
	s := testStore(4, 12)
	s.lock(time.Millisecond)
	var f Frame
	f.n = copy(f.buf[:], frame(1))
	a.process(s, &f, time.Millisecond)
	if c := a.Counters(); c.LockDrops != 1 || c.Processed != 0 {
		t.Errorf("expected one lock drop, got %+v", c)
	}
	s.unlock()
	a.process(s, &f, time.Millisecond)
	if c := a.Counters(); c.Processed != 1 || c.Ticks != 1 {
		t.Errorf("expected one processed frame, got %+v", c)
	}
}

func TestSaturationNeverBlocksDelivery(t *testing.T) {
	conv := &funcConverter{}
	a := New(conv)
	cfg := DefaultConfig()
	cfg.QueueDepth = 4
	cfg.ReceiveTimeout = 5 * time.Millisecond
	cfg.StoreTimeout = 20 * time.Millisecond
	if err := a.Init(cfg); err != nil {
		t.Fatal(err)
	}
	defer a.Deinit()
	if err := a.Start(); err != nil {
		t.Fatal(err)
	}

	// hold the store so the consumer stalls on every frame
	s := a.store.Load()
	if err := s.lock(time.Second); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		var last uint64
		for i := 0; i < 200; i++ {
			conv.deliver(frame(1, 2))
			drops := a.Counters().QueueDrops
			if drops < last {
				t.Errorf("drop counter went backwards: %d -> %d", last, drops)
			}
			last = drops
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("frame delivery blocked on a stalled consumer")
	}
	s.unlock()

	c := a.Counters()
	if c.QueueDrops == 0 {
		t.Errorf("expected queue drops, got %+v", c)
	}
	if c.Queued+c.QueueDrops != 200 {
		t.Errorf("every frame must be queued or dropped, got %+v", c)
	}
}

func TestDriverErrClassification(t *testing.T) {
	boom := errors.New("boom")
	err := driverErr("start", boom)
	if !errors.Is(err, ErrHardwareFailure) || !errors.Is(err, boom) {
		t.Errorf("expected a hardware failure wrapping the cause, got %v", err)
	}
	err = driverErr("open", ErrNoMemory)
	if !errors.Is(err, ErrNoMemory) || errors.Is(err, ErrHardwareFailure) {
		t.Errorf("expected ErrNoMemory kept as is, got %v", err)
	}
}
