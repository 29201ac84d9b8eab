package serialadc_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/nasa-jpl/adcstream/adcdma"
	"github.com/nasa-jpl/adcstream/serialadc"
)

func TestDecoderSkipsNoise(t *testing.T) {
	var stream []byte
	stream = append(stream, 0x00, 0xA5, 0x13) // noise, including a lone sync byte
	stream = serialadc.EncodePacket(stream, []byte{1, 2, 3, 4})
	stream = serialadc.EncodePacket(stream, []byte{5, 6})

	dec := serialadc.NewDecoder(bytes.NewReader(stream))
	p, err := dec.Next()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(p, []byte{1, 2, 3, 4}) {
		t.Errorf("first payload: got %v", p)
	}
	p, err = dec.Next()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(p, []byte{5, 6}) {
		t.Errorf("second payload: got %v", p)
	}
	if _, err := dec.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF at end of stream, got %v", err)
	}
}

func TestDecoderRejectsBadCRC(t *testing.T) {
	pkt := serialadc.EncodePacket(nil, []byte{1, 2, 3, 4})
	pkt[5] ^= 0xFF
	good := serialadc.EncodePacket(nil, []byte{9, 9})
	dec := serialadc.NewDecoder(bytes.NewReader(append(pkt, good...)))
	if _, err := dec.Next(); !errors.Is(err, serialadc.ErrCRC) {
		t.Errorf("expected ErrCRC, got %v", err)
	}
	p, err := dec.Next()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(p, []byte{9, 9}) {
		t.Errorf("decoder did not recover after a bad packet, got %v", p)
	}
}

func TestDecoderRejectsLongPackets(t *testing.T) {
	hdr := []byte{0xA5, 0x5A, 0xFF, 0xFF}
	dec := serialadc.NewDecoder(bytes.NewReader(hdr))
	if _, err := dec.Next(); !errors.Is(err, serialadc.ErrPacketLength) {
		t.Errorf("expected ErrPacketLength, got %v", err)
	}
}

func TestEncodeMaxFrame(t *testing.T) {
	payload := make([]byte, adcdma.MaxFrameBytes)
	for i := range payload {
		payload[i] = byte(i)
	}
	dec := serialadc.NewDecoder(bytes.NewReader(serialadc.EncodePacket(nil, payload)))
	p, err := dec.Next()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(p, payload) {
		t.Error("full size payload corrupted")
	}
}
