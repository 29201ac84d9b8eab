package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-yaml/yaml"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"periph.io/x/conn/v3/physic"

	"github.com/nasa-jpl/adcstream/adcdma"
	"github.com/nasa-jpl/adcstream/generichttp"
	"github.com/nasa-jpl/adcstream/generichttp/daq"
	"github.com/nasa-jpl/adcstream/serialadc"
	"github.com/nasa-jpl/adcstream/server/middleware/locker"
	"github.com/nasa-jpl/adcstream/sim"
	"github.com/nasa-jpl/adcstream/trend"
)

// SerialSetup describes how to reach a serial attached converter
type SerialSetup struct {
	// Addr holds the network or filesystem address of the converter,
	// e.g. 192.168.100.123:2006 for a converter connected to port 6
	// on a digi portserver, or /dev/ttyUSB0 for a converter on a USB cable
	Addr string `yaml:"Addr" koanf:"Addr"`

	// Baud is the serial baud rate, unused over TCP
	Baud int `yaml:"Baud" koanf:"Baud"`

	// IsTCP is true when Addr is a host:port
	IsTCP bool `yaml:"IsTCP" koanf:"IsTCP"`

	// Timeout bounds each command exchange, e.g. "1s"
	Timeout string `yaml:"Timeout" koanf:"Timeout"`
}

// TrendSetup configures the voltage history
type TrendSetup struct {
	// Period between readings, e.g. "1s"
	Period string `yaml:"Period" koanf:"Period"`

	// Capacity is the number of readings kept
	Capacity int `yaml:"Capacity" koanf:"Capacity"`
}

// RecorderSetup configures where capture snapshots go
type RecorderSetup struct {
	Root   string `yaml:"Root" koanf:"Root"`
	Prefix string `yaml:"Prefix" koanf:"Prefix"`
}

// Config is a struct that holds the initialization parameters for the
// acquisition and its HTTP interface.  It is to be populated by koanf or
// LoadYaml.
type Config struct {
	// Addr is the address to listen at
	Addr string `yaml:"Addr" koanf:"Addr"`

	// Endpoint is the path the ADC routes are served under,
	// ex. Endpoint="/omc/adc" will produce routes of /omc/adc/voltage, etc.
	Endpoint string `yaml:"Endpoint" koanf:"Endpoint"`

	// Driver is "sim" or "serial"
	Driver string `yaml:"Driver" koanf:"Driver"`

	Serial SerialSetup `yaml:"Serial" koanf:"Serial"`

	Channels []adcdma.Channel `yaml:"Channels" koanf:"Channels"`

	SampleRateHz uint32 `yaml:"SampleRateHz" koanf:"SampleRateHz"`
	BufferSize   int    `yaml:"BufferSize" koanf:"BufferSize"`
	QueueDepth   int    `yaml:"QueueDepth" koanf:"QueueDepth"`
	FrameBytes   int    `yaml:"FrameBytes" koanf:"FrameBytes"`

	// Reference is the converter reference voltage, e.g. "3.3V"
	Reference string `yaml:"Reference" koanf:"Reference"`

	// MonitorPeriod is how often run logs the latest voltage, e.g. "1s".
	// Empty disables the log.
	MonitorPeriod string `yaml:"MonitorPeriod" koanf:"MonitorPeriod"`

	Trend TrendSetup `yaml:"Trend" koanf:"Trend"`

	Recorder RecorderSetup `yaml:"Recorder" koanf:"Recorder"`
}

// DefaultConfig is the simulated converter with the acquisition defaults
func DefaultConfig() Config {
	acq := adcdma.DefaultConfig()
	return Config{
		Addr:          ":8000",
		Endpoint:      "adc",
		Driver:        "sim",
		Serial:        SerialSetup{Addr: "/dev/ttyUSB0", Baud: 921600, Timeout: "1s"},
		Channels:      acq.Channels,
		SampleRateHz:  acq.SampleRateHz,
		BufferSize:    acq.BufferSize,
		QueueDepth:    acq.QueueDepth,
		FrameBytes:    acq.FrameBytes,
		Reference:     acq.Reference.String(),
		MonitorPeriod: "1s",
		Trend:         TrendSetup{Period: "1s", Capacity: 3600},
		Recorder:      RecorderSetup{Root: ".", Prefix: "adc"},
	}
}

// LoadYaml converts a (path to a) yaml file into a Config struct
func LoadYaml(path string) (Config, error) {
	cfg := DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	err = yaml.NewDecoder(f).Decode(&cfg)
	return cfg, err
}

// duration parses s, with empty meaning zero
func duration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// Acquisition converts c into the configuration of an Acquisition.  Fields
// left zero keep the acquisition defaults.
func (c Config) Acquisition() (adcdma.Config, error) {
	out := adcdma.DefaultConfig()
	if len(c.Channels) != 0 {
		out.Channels = c.Channels
	}
	if c.SampleRateHz != 0 {
		out.SampleRateHz = c.SampleRateHz
	}
	if c.BufferSize != 0 {
		out.BufferSize = c.BufferSize
	}
	if c.QueueDepth != 0 {
		out.QueueDepth = c.QueueDepth
	}
	if c.FrameBytes != 0 {
		out.FrameBytes = c.FrameBytes
	}
	if c.Reference != "" {
		var ref physic.ElectricPotential
		if err := ref.Set(c.Reference); err != nil {
			return out, fmt.Errorf("reference %q: %w", c.Reference, err)
		}
		out.Reference = ref
	}
	return out, out.Validate()
}

// BuildConverter returns the converter driver named by c.Driver
func BuildConverter(c Config) (adcdma.Converter, error) {
	switch strings.ToLower(c.Driver) {
	case "sim", "mock", "":
		return &sim.Converter{Generate: true, TagChannels: true}, nil
	case "serial", "serialadc":
		conv := serialadc.New(c.Serial.Addr, !c.Serial.IsTCP, c.Serial.Baud)
		d, err := duration(c.Serial.Timeout)
		if err != nil {
			return nil, fmt.Errorf("serial timeout: %w", err)
		}
		if d > 0 {
			conv.SetTimeout(d)
		}
		return conv, nil
	default:
		return nil, fmt.Errorf("driver %q not understood", c.Driver)
	}
}

// Open builds the converter, then initializes and starts an acquisition
func Open(c Config) (*adcdma.Acquisition, error) {
	cfg, err := c.Acquisition()
	if err != nil {
		return nil, err
	}
	conv, err := BuildConverter(c)
	if err != nil {
		return nil, err
	}
	acq := adcdma.New(conv)
	if err := acq.Init(cfg); err != nil {
		return nil, err
	}
	if err := acq.Start(); err != nil {
		return nil, errors.Join(err, acq.Deinit())
	}
	return acq, nil
}

// BuildMux mounts the ADC routes, guarded by a locker, under c.Endpoint.
// The mux also serves /metrics from reg and /endpoints, which returns a map
// of the mount point to its routes as JSON.
func BuildMux(c Config, acq daq.ADC, tr *trend.Trend, reg *prometheus.Registry) chi.Router {
	root := chi.NewRouter()
	root.Use(middleware.Logger)

	httper := daq.NewHTTPADC(acq)
	if tr != nil {
		trend.Inject(httper, tr)
	}
	lock := locker.New()
	locker.Inject(httper, lock)

	// prepare the URL, "omc/adc" => "/omc/adc"
	hndlS := generichttp.SubMuxSanitize(c.Endpoint)
	supergraph := map[string][]string{hndlS: httper.RT().Endpoints()}

	r := chi.NewRouter()
	r.Use(lock.Check)
	httper.RT().Bind(r)
	root.Mount(hndlS, r)

	root.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		err := json.NewEncoder(w).Encode(supergraph)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return root
}

// FormatReading renders one reading as "ch6=1650mV ch7=3300mV"
func FormatReading(channels []adcdma.Channel, mv []uint32) string {
	var b strings.Builder
	for i, v := range mv {
		if i > 0 {
			b.WriteByte(' ')
		}
		id := i
		if i < len(channels) {
			id = int(channels[i].ID)
		}
		fmt.Fprintf(&b, "ch%d=%dmV", id, v)
	}
	return b.String()
}

// Capture waits until a whole buffer of samples has been written since it was
// called, then returns a copy of the store
func Capture(ctx context.Context, acq *adcdma.Acquisition, poll time.Duration) (adcdma.Samples, error) {
	size := acq.Config().BufferSize
	start := acq.Counters().Ticks
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for acq.Counters().Ticks-start < uint64(size) {
		select {
		case <-ctx.Done():
			return adcdma.Samples{}, ctx.Err()
		case <-ticker.C:
		}
	}
	return acq.Data(size)
}
