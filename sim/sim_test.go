package sim_test

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/nasa-jpl/adcstream/adcdma"
	"github.com/nasa-jpl/adcstream/calib"
	"github.com/nasa-jpl/adcstream/sim"
)

var twoChannels = []adcdma.Channel{
	{ID: 6, Attenuation: adcdma.Atten12dB, BitWidth: 12},
	{ID: 7, Attenuation: adcdma.Atten12dB, BitWidth: 12},
}

type recorder struct {
	mu     sync.Mutex
	frames [][]byte
}

func (r *recorder) frame(b []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, append([]byte(nil), b...))
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func started(t *testing.T, c *sim.Converter, r *recorder) {
	t.Helper()
	if err := c.Open(8); err != nil {
		t.Fatal(err)
	}
	if err := c.Configure(twoChannels, 1000); err != nil {
		t.Fatal(err)
	}
	if err := c.RegisterFrameCallback(r.frame); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
}

func TestEmitEncodesLittleEndian(t *testing.T) {
	c := &sim.Converter{}
	r := &recorder{}
	started(t, c, r)
	if err := c.Emit(0x0102, 0x0A0B); err != nil {
		t.Fatal(err)
	}
	expected := [][]byte{{0x02, 0x01, 0x0B, 0x0A}}
	if diff := cmp.Diff(expected, r.frames); diff != "" {
		t.Errorf("frame mismatch (-want +got):\n%s", diff)
	}
	if c.Frames() != 1 {
		t.Errorf("expected 1 frame counted, got %d", c.Frames())
	}
}

func TestEmitRequiresStart(t *testing.T) {
	c := &sim.Converter{}
	if err := c.Emit(1); !errors.Is(err, sim.ErrNotRunning) {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
	r := &recorder{}
	started(t, c, r)
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := c.Emit(1); !errors.Is(err, sim.ErrNotRunning) {
		t.Errorf("expected ErrNotRunning after Stop, got %v", err)
	}
}

func TestLifecycleOrder(t *testing.T) {
	c := &sim.Converter{}
	if err := c.Configure(twoChannels, 10); !errors.Is(err, sim.ErrNotOpen) {
		t.Errorf("Configure before Open: expected ErrNotOpen, got %v", err)
	}
	if err := c.Open(8); err != nil {
		t.Fatal(err)
	}
	if err := c.Open(8); !errors.Is(err, sim.ErrAlreadyOpen) {
		t.Errorf("second Open: expected ErrAlreadyOpen, got %v", err)
	}
	if err := c.Start(); !errors.Is(err, sim.ErrNoCallback) {
		t.Errorf("Start without callback: expected ErrNoCallback, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Open(8); err != nil {
		t.Errorf("reopen after Close: %v", err)
	}
}

func TestFailureInjection(t *testing.T) {
	boom := errors.New("boom")
	c := &sim.Converter{FailOpen: boom}
	if err := c.Open(8); !errors.Is(err, boom) {
		t.Errorf("expected injected error, got %v", err)
	}
	c.FailOpen = nil
	c.FailConfigure = boom
	if err := c.Open(8); err != nil {
		t.Fatal(err)
	}
	if err := c.Configure(twoChannels, 10); !errors.Is(err, boom) {
		t.Errorf("expected injected error, got %v", err)
	}
}

func TestCalibrationFromCurves(t *testing.T) {
	c := &sim.Converter{Curves: map[uint8]calib.Curve{6: calib.LineFit{Slope: 1}}}
	if _, err := c.TryCreateCalibration(twoChannels[0]); err != nil {
		t.Errorf("channel 6: %v", err)
	}
	if _, err := c.TryCreateCalibration(twoChannels[1]); !errors.Is(err, sim.ErrNoCalibration) {
		t.Errorf("channel 7: expected ErrNoCalibration, got %v", err)
	}
}

func TestGeneratorStopsDelivering(t *testing.T) {
	c := &sim.Converter{Generate: true, TagChannels: true}
	r := &recorder{}
	started(t, c, r)
	deadline := time.Now().Add(2 * time.Second)
	for r.count() < 3 {
		if time.Now().After(deadline) {
			t.Fatal("generator delivered no frames")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
	n := r.count()
	time.Sleep(50 * time.Millisecond)
	if r.count() != n {
		t.Errorf("frames delivered after Stop returned: %d -> %d", n, r.count())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.frames {
		if len(f) != 8 {
			t.Fatalf("expected 8 byte frames, got %d", len(f))
		}
		for i := 0; i < len(f); i += 2 {
			code := binary.LittleEndian.Uint16(f[i:])
			id := twoChannels[(i/2)%2].ID
			if uint8(code>>12) != id {
				t.Errorf("code %#04x at offset %d lacks channel tag %d", code, i, id)
			}
		}
	}
}

func TestSampleWithinFullScale(t *testing.T) {
	ch := twoChannels[0]
	for n := uint64(0); n < 2000; n++ {
		if s := sim.Sample(ch, 0, 1000, n); uint32(s) > calib.FullScale(ch.BitWidth) {
			t.Fatalf("sample %d at tick %d exceeds full scale", s, n)
		}
	}
	if s := sim.Sample(ch, 0, 1000, 0); s != 2048 {
		t.Errorf("expected mid scale at t=0, got %d", s)
	}
}
