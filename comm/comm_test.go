package comm_test

import (
	"bufio"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/nasa-jpl/adcstream/comm"
)

// tcpEchoServer echoes every connection back to itself
func tcpEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal("could not listen, test aborted")
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() { io.Copy(conn, conn) }()
		}
	}()
	return ln.Addr().String()
}

func TestSendRecvStripsTerminator(t *testing.T) {
	p := comm.NewPort(tcpEchoServer(t), false, 0)
	if err := p.Open(); err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	resp, err := p.SendRecv([]byte("CAL? 6"))
	if err != nil {
		t.Fatal(err)
	}
	if string(resp) != "CAL? 6" {
		t.Errorf("expected echo of the command, got %q", resp)
	}
}

func TestNotConnected(t *testing.T) {
	p := comm.NewPort("127.0.0.1:1", false, 0)
	if err := p.Send([]byte("RUN")); !errors.Is(err, comm.ErrNotConnected) {
		t.Errorf("Send: expected ErrNotConnected, got %v", err)
	}
	if _, err := p.Read(make([]byte, 1)); !errors.Is(err, comm.ErrNotConnected) {
		t.Errorf("Read: expected ErrNotConnected, got %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close of an unopened port: %v", err)
	}
}

func TestStreamFollowsReply(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		bufio.NewReader(conn).ReadBytes('\r')
		// reply and stream arrive in one write
		conn.Write([]byte("OK\r\x01\x02\x03"))
		time.Sleep(time.Second)
	}()

	p := comm.NewPort(ln.Addr().String(), false, 0)
	p.Timeout = 100 * time.Millisecond
	if err := p.Open(); err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	resp, err := p.SendRecv([]byte("RUN"))
	if err != nil {
		t.Fatal(err)
	}
	if string(resp) != "OK" {
		t.Fatalf("expected OK, got %q", resp)
	}
	buf := make([]byte, 3)
	if _, err := io.ReadFull(p, buf); err != nil {
		t.Fatal(err)
	}
	if buf[0] != 1 || buf[2] != 3 {
		t.Errorf("stream bytes lost behind the reply: %v", buf)
	}
	_, err = p.Read(buf)
	if !p.Idle(err) {
		t.Errorf("expected an idle line, got %v", err)
	}
}

func TestOpenRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	p := comm.NewPort(addr, false, 0)
	start := time.Now()
	if err := p.Open(); err == nil {
		t.Fatal("expected an error connecting to a closed port")
	}
	if time.Since(start) > 2*time.Second {
		t.Error("a refused connection was retried")
	}
}
