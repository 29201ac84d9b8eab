/*Package comm opens and talks to converters attached over RS232 or TCP.

A Port carries two kinds of traffic over one connection: short ASCII command
exchanges terminated by a carriage return, and a binary stream read through
Read.  Commands are serialized; the stream has a single reader.

	p := comm.NewPort("/dev/ttyUSB0", true, 921600)
	if err := p.Open(); err != nil {
		return err
	}
	defer p.Close()
	resp, err := p.SendRecv([]byte("CAL? 6"))
*/
package comm

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	terminator = byte('\r')

	// ErrNotConnected is generated when Send, Recv or Read is called on a
	// port that is not open
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// Port is a connection to a remote device.  Its methods are safe for
// concurrent use, except that only one goroutine may Read at a time.
type Port struct {
	// Addr is a device path such as /dev/ttyUSB0 when Serial is set, else a
	// host:port
	Addr string

	// Serial selects RS232 over TCP
	Serial bool

	// Baud is the serial line rate
	Baud int

	// Timeout bounds connecting and each command reply.  It is also the
	// longest a stream Read blocks before reporting an idle line.
	Timeout time.Duration

	mu   sync.Mutex // serializes command exchanges
	conn io.ReadWriteCloser
	rd   *bufio.Reader
}

// NewPort creates a new Port with a one second timeout
func NewPort(addr string, serial bool, baud int) *Port {
	return &Port{Addr: addr, Serial: serial, Baud: baud, Timeout: time.Second}
}

// SerialConf yields the serial.Config used to open the port
func (p *Port) SerialConf() *serial.Config {
	return &serial.Config{
		Name:        p.Addr,
		Baud:        p.Baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: p.Timeout}
}

// Open the connection.  Connection attempts are retried with exponential
// backoff for a few seconds, except when the remote refuses outright.
func (p *Port) Open() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		return nil
	}
	var last error
	op := func() error {
		err := p.open()
		if err == nil {
			return nil
		}
		last = err
		if strings.Contains(strings.ToLower(err.Error()), "refused") {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", p.Addr, last)
	}
	return nil
}

func (p *Port) open() error {
	var (
		conn io.ReadWriteCloser
		err  error
	)
	if p.Serial {
		conn, err = serial.OpenPort(p.SerialConf())
	} else {
		conn, err = net.DialTimeout("tcp", p.Addr, p.Timeout)
	}
	if err != nil {
		return err
	}
	p.conn = conn
	p.rd = bufio.NewReaderSize(conn, 4096)
	return nil
}

// Close the connection
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	p.rd = nil
	return err
}

// Send writes b followed by the terminator
func (p *Port) Send(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.send(b)
}

func (p *Port) send(b []byte) error {
	if p.conn == nil {
		return ErrNotConnected
	}
	if nc, ok := p.conn.(net.Conn); ok {
		nc.SetWriteDeadline(time.Now().Add(p.Timeout))
	}
	msg := make([]byte, 0, len(b)+1)
	msg = append(append(msg, b...), terminator)
	_, err := p.conn.Write(msg)
	return err
}

// Recv reads one reply and strips the terminator
func (p *Port) Recv() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recv()
}

func (p *Port) recv() ([]byte, error) {
	if p.conn == nil {
		return nil, ErrNotConnected
	}
	if nc, ok := p.conn.(net.Conn); ok {
		nc.SetReadDeadline(time.Now().Add(p.Timeout))
		defer nc.SetReadDeadline(time.Time{})
	}
	buf, err := p.rd.ReadBytes(terminator)
	if err != nil {
		if len(buf) > 0 && !bytes.HasSuffix(buf, []byte{terminator}) {
			return buf, ErrTerminatorNotFound
		}
		return nil, err
	}
	return bytes.TrimSuffix(buf, []byte{terminator}), nil
}

// SendRecv sends a command and returns the reply with the terminator stripped
func (p *Port) SendRecv(b []byte) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.send(b); err != nil {
		return nil, err
	}
	return p.recv()
}

// Read reads stream bytes that follow the command replies.  It blocks for at
// most Timeout; use Idle to tell an idle line from a failure.
func (p *Port) Read(b []byte) (int, error) {
	p.mu.Lock()
	conn, rd := p.conn, p.rd
	p.mu.Unlock()
	if conn == nil {
		return 0, ErrNotConnected
	}
	if nc, ok := conn.(net.Conn); ok {
		nc.SetReadDeadline(time.Now().Add(p.Timeout))
	}
	return rd.Read(b)
}

// Idle is true when err means the line was quiet for a read timeout
func (p *Port) Idle(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	// the serial driver reports an expired read timeout as end of file
	return p.Serial && errors.Is(err, io.EOF)
}

// Discard drops received bytes until the line has been quiet for one
// Timeout, giving up after four
func (p *Port) Discard() error {
	buf := make([]byte, 512)
	deadline := time.Now().Add(4 * p.Timeout)
	for time.Now().Before(deadline) {
		_, err := p.Read(buf)
		if err != nil {
			if p.Idle(err) {
				return nil
			}
			return err
		}
	}
	return fmt.Errorf("%s did not go quiet", p.Addr)
}
