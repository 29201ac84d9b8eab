package serialadc_test

import (
	"bufio"
	"encoding/binary"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nasa-jpl/adcstream/adcdma"
	"github.com/nasa-jpl/adcstream/serialadc"
)

// device emulates the converter firmware on a TCP socket
type device struct {
	ln net.Listener

	mu       sync.Mutex // serializes writes to the connection
	commands []string
	corrupt  bool
}

func newDevice(t *testing.T) *device {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal("could not listen, test aborted")
	}
	d := &device{ln: ln}
	t.Cleanup(func() { ln.Close() })
	go d.serve()
	return d
}

func (d *device) addr() string {
	return d.ln.Addr().String()
}

func (d *device) serve() {
	conn, err := d.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	rd := bufio.NewReader(conn)
	var stop chan struct{}
	for {
		line, err := rd.ReadString('\r')
		if err != nil {
			if stop != nil {
				close(stop)
			}
			return
		}
		cmd := strings.TrimSuffix(line, "\r")
		d.mu.Lock()
		d.commands = append(d.commands, cmd)
		d.mu.Unlock()
		switch {
		case strings.HasPrefix(cmd, "CONF"):
			d.write(conn, []byte("OK\r"))
		case cmd == "CAL? 6":
			d.write(conn, []byte("0.8 142\r"))
		case strings.HasPrefix(cmd, "CAL?"):
			d.write(conn, []byte("NONE\r"))
		case cmd == "RUN":
			d.write(conn, []byte("OK\r"))
			stop = make(chan struct{})
			go d.stream(conn, stop)
		case cmd == "HALT":
			if stop != nil {
				close(stop)
				stop = nil
			}
		default:
			d.write(conn, []byte("ERR unknown command\r"))
		}
	}
}

func (d *device) write(conn net.Conn, b []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conn.Write(b)
}

func (d *device) stream(conn net.Conn, stop <-chan struct{}) {
	// two ticks of (2048, 1000)
	payload := make([]byte, 8)
	for off := 0; off < len(payload); off += 4 {
		binary.LittleEndian.PutUint16(payload[off:], 2048)
		binary.LittleEndian.PutUint16(payload[off+2:], 1000)
	}
	tick := time.NewTicker(2 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-stop:
			return
		case <-tick.C:
			pkt := serialadc.EncodePacket(nil, payload)
			d.mu.Lock()
			if d.corrupt {
				pkt[len(pkt)-1] ^= 0xFF
				d.corrupt = false
			}
			conn.Write(pkt)
			d.mu.Unlock()
		}
	}
}

func (d *device) sent(prefix string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.commands {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func TestStreamingAcquisition(t *testing.T) {
	dev := newDevice(t)
	conv := serialadc.New(dev.addr(), false, 0)
	conv.SetTimeout(50 * time.Millisecond)

	cfg := adcdma.DefaultConfig()
	cfg.FrameBytes = 8
	acq := adcdma.New(conv)
	if err := acq.Init(cfg); err != nil {
		t.Fatal(err)
	}
	defer acq.Deinit()
	if !dev.sent("CONF 20000 8 6:3:12 7:3:12") {
		t.Error("converter was not configured with the channel pattern")
	}
	cals, err := acq.Calibration()
	if err != nil {
		t.Fatal(err)
	}
	if cals[0].String() != "calibrated" || cals[1].String() != "uncalibrated" {
		t.Errorf("unexpected calibration %v", cals)
	}

	dev.mu.Lock()
	dev.corrupt = true
	dev.mu.Unlock()
	if err := acq.Start(); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for acq.Counters().Processed < 5 {
		if time.Now().After(deadline) {
			t.Fatalf("no frames processed, counters %+v", acq.Counters())
		}
		time.Sleep(5 * time.Millisecond)
	}
	mv, err := acq.LatestVoltage()
	if err != nil {
		t.Fatal(err)
	}
	// 0.8*2048 + 142 on the calibrated channel, linear on the other
	if mv[0] != 1780 || mv[1] != 805 {
		t.Errorf("expected [1780 805] mV, got %v", mv)
	}
	if _, bad, _ := conv.Stats(); bad == 0 {
		t.Error("corrupted packet was not counted")
	}

	if err := acq.Stop(); err != nil {
		t.Fatal(err)
	}
	if !dev.sent("HALT") {
		t.Error("HALT was not sent")
	}
	queued := acq.Counters().Queued
	time.Sleep(20 * time.Millisecond)
	if acq.Counters().Queued != queued {
		t.Error("frames delivered after Stop returned")
	}
}

func TestCommandError(t *testing.T) {
	dev := newDevice(t)
	conv := serialadc.New(dev.addr(), false, 0)
	conv.SetTimeout(50 * time.Millisecond)
	if err := conv.Open(8); err != nil {
		t.Fatal(err)
	}
	defer conv.Close()
	if err := conv.Start(); !errors.Is(err, serialadc.ErrNoCallback) {
		t.Errorf("expected ErrNoCallback, got %v", err)
	}
	if _, err := conv.TryCreateCalibration(adcdma.Channel{ID: 3}); !errors.Is(err, serialadc.ErrNoCalibration) {
		t.Errorf("expected ErrNoCalibration, got %v", err)
	}
}
