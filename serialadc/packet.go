package serialadc

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/nasa-jpl/adcstream/adcdma"
	"github.com/snksoft/crc"
)

// packets are encoded as
// [SYNC0] [SYNC1] [LEN lo] [LEN hi] [0..MaxFrameBytes payload bytes] [CRC hi] [CRC lo]
// the CRC is CRC-16 XMODEM over the payload only
const (
	sync0 = 0xA5
	sync1 = 0x5A

	headerLen = 4
	crcLen    = 2
)

var (
	crcTable = crc.NewTable(crc.XMODEM)

	// ErrCRC is returned when a packet fails its checksum
	ErrCRC = errors.New("serialadc: CRC mismatch, packet discarded")

	// ErrPacketLength is returned when a packet header announces more than
	// one frame of payload
	ErrPacketLength = errors.New("serialadc: packet length exceeds frame size")

	// ErrTruncated wraps the read error when the stream stops inside a packet
	ErrTruncated = errors.New("serialadc: packet truncated")
)

func crcHelper(buf []byte) []byte {
	crcUint := crcTable.InitCrc()
	crcUint = crcTable.UpdateCrc(crcUint, buf)
	crcBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(crcBytes, crcTable.CRC16(crcUint))
	return crcBytes
}

// EncodePacket appends the packet carrying payload to dst
func EncodePacket(dst, payload []byte) []byte {
	dst = append(dst, sync0, sync1)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(payload)))
	dst = append(dst, payload...)
	return append(dst, crcHelper(payload)...)
}

// Decoder reads packets from a stream.  The payload returned by Next is
// only valid until the following call.
type Decoder struct {
	r   *bufio.Reader
	buf []byte
}

// NewDecoder returns a Decoder reading from r
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r:   bufio.NewReader(r),
		buf: make([]byte, adcdma.MaxFrameBytes+crcLen),
	}
}

// Next returns the payload of the next packet.  Bytes ahead of a sync
// sequence are skipped, so a decoder resynchronizes after a damaged packet.
// A read error after the sync sequence is wrapped in ErrTruncated and the
// partial packet is dropped.
func (d *Decoder) Next() ([]byte, error) {
	if err := d.sync(); err != nil {
		return nil, err
	}
	var hdr [2]byte
	if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTruncated, err)
	}
	n := int(binary.LittleEndian.Uint16(hdr[:]))
	if n > adcdma.MaxFrameBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrPacketLength, n)
	}
	pkt := d.buf[:n+crcLen]
	if _, err := io.ReadFull(d.r, pkt); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTruncated, err)
	}
	payload := pkt[:n]
	sum := crcTable.CRC16(crcTable.UpdateCrc(crcTable.InitCrc(), payload))
	if binary.BigEndian.Uint16(pkt[n:]) != sum {
		return nil, ErrCRC
	}
	return payload, nil
}

func (d *Decoder) sync() error {
	prev := byte(0)
	for {
		b, err := d.r.ReadByte()
		if err != nil {
			return err
		}
		if prev == sync0 && b == sync1 {
			return nil
		}
		prev = b
	}
}
