// Package recorder writes snapshots of the sample store to FITS and CSV files
package recorder

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/nasa-jpl/adcstream/adcdma"
	"periph.io/x/conn/v3/physic"
)

// ErrEmpty is returned when a snapshot holds no samples
var ErrEmpty = errors.New("recorder: snapshot holds no samples")

// Metadata describes the acquisition a snapshot came from
type Metadata struct {
	Channels     []adcdma.Channel
	SampleRateHz uint32
	ReferenceMV  int64
	Time         time.Time
}

// MetadataFor fills Metadata from an acquisition's configuration
func MetadataFor(cfg adcdma.Config, t time.Time) Metadata {
	return Metadata{
		Channels:     cfg.Channels,
		SampleRateHz: cfg.SampleRateHz,
		ReferenceMV:  int64(cfg.Reference / physic.MilliVolt),
		Time:         t,
	}
}

func (m Metadata) cards() []fitsio.Card {
	cards := []fitsio.Card{
		{Name: "DATE-OBS", Value: m.Time.UTC().Format("2006-01-02T15:04:05.000"), Comment: "UTC time of the snapshot"},
		{Name: "SAMPRATE", Value: int(m.SampleRateHz), Comment: "[Hz] conversion rate"},
		{Name: "REFMV", Value: int(m.ReferenceMV), Comment: "[mV] converter reference"},
		{Name: "BUNIT", Value: "ADU", Comment: "raw converter codes"},
	}
	for i, ch := range m.Channels {
		cards = append(cards,
			fitsio.Card{Name: fmt.Sprintf("CHAN%d", i), Value: int(ch.ID), Comment: "converter channel of row"},
			fitsio.Card{Name: fmt.Sprintf("ATTEN%d", i), Value: ch.Attenuation.String()},
			fitsio.Card{Name: fmt.Sprintf("BITS%d", i), Value: int(ch.BitWidth)},
		)
	}
	return cards
}

// WriteFits streams a fits file to w.  The image has one row per channel and
// one column per sample.
func WriteFits(w io.Writer, s adcdma.Samples, meta Metadata) error {
	if s.Count == 0 || len(s.Channels) == 0 {
		return ErrEmpty
	}
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	dims := []int{s.Count, len(s.Channels)}
	im := fitsio.NewImage(32, dims)
	defer im.Close()
	err = im.Header().Append(meta.cards()...)
	if err != nil {
		return err
	}
	ints := make([]int32, 0, s.Count*len(s.Channels))
	for _, ch := range s.Channels {
		for _, v := range ch[:s.Count] {
			ints = append(ints, int32(v))
		}
	}
	err = im.Write(ints)
	if err != nil {
		return err
	}
	return fits.Write(im)
}

// WriteCSV writes one column per channel, headed by the channel ID
func WriteCSV(w io.Writer, s adcdma.Samples, channels []adcdma.Channel) error {
	cw := csv.NewWriter(w)
	row := make([]string, len(s.Channels))
	for i := range row {
		if i < len(channels) {
			row[i] = strconv.Itoa(int(channels[i].ID))
		} else {
			row[i] = strconv.Itoa(i)
		}
	}
	if err := cw.Write(row); err != nil {
		return err
	}
	for n := 0; n < s.Count; n++ {
		for i, ch := range s.Channels {
			row[i] = strconv.FormatUint(uint64(ch[n]), 10)
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Recorder saves snapshots as files under Root
type Recorder struct {
	// Root is the folder files are written to
	Root string `yaml:"Root"`

	// Prefix begins every file name
	Prefix string `yaml:"Prefix"`

	mu  sync.Mutex
	seq int
}

// Save writes a FITS snapshot and returns its path.  File names are
// <Prefix>_<UTC time>_<sequence>.fits.
func (r *Recorder) Save(s adcdma.Samples, meta Metadata) (string, error) {
	if err := os.MkdirAll(r.Root, 0755); err != nil {
		return "", err
	}
	r.mu.Lock()
	r.seq++
	seq := r.seq
	r.mu.Unlock()

	fn := fmt.Sprintf("%s_%s_%04d.fits", r.Prefix, meta.Time.UTC().Format("20060102T150405"), seq)
	path := filepath.Join(r.Root, fn)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	err = WriteFits(f, s, meta)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}
