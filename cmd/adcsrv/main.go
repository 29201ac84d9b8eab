package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/theckman/yacspin"
	"golang.org/x/sync/errgroup"

	"github.com/nasa-jpl/adcstream/adcdma"
	"github.com/nasa-jpl/adcstream/monitor"
	"github.com/nasa-jpl/adcstream/recorder"
	"github.com/nasa-jpl/adcstream/trend"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "adcsrv.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(DefaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `adcsrv samples a multi-channel ADC continuously and exposes the most recent
samples, statistics and calibrated voltages over HTTP.

Usage:
	adcsrv <command>

Commands:
	run
	capture
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `adcsrv is amenable to configuration via its .yml file.  For a primer on YAML, see
https://yaml.org/start.html

run starts acquisition and serves it until interrupted.  capture starts
acquisition, waits for one full buffer per channel, prints its statistics and
writes it to a FITS file under Recorder.Root.

Driver is one of:
- "sim", a simulated converter generating a sine wave on every channel
- "serial", a converter streaming frames over RS232 or a TCP port server;
  set Serial.Addr, Serial.Baud and Serial.IsTCP

Channels lists the converter inputs in the order they appear in a frame.
Attenuation is 0 (0dB), 1 (2.5dB), 2 (6dB) or 3 (12dB).  Reference is the
converter reference voltage, e.g. "3.3V", used for channels without a factory
calibration.

The HTTP routes are listed at /endpoints once running.  Prometheus metrics are
served at /metrics.`
	fmt.Println(str)
}

func loadconf() Config {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	return c
}

func mkconf() {
	c := loadconf()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := loadconf()
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("adcsrv version %v\n", Version)
}

// monitorLoop logs the latest voltage every period, and any new drops
func monitorLoop(ctx context.Context, acq *adcdma.Acquisition, period time.Duration) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	channels := acq.Config().Channels
	var last adcdma.Counters
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		mv, err := acq.LatestVoltage()
		switch {
		case err == nil:
			log.Println(FormatReading(channels, mv))
		case errors.Is(err, adcdma.ErrNotFound), errors.Is(err, adcdma.ErrTimeout):
		default:
			log.Println(err)
		}
		c := acq.Counters()
		if c.QueueDrops != last.QueueDrops || c.LockDrops != last.LockDrops || c.Oversize != last.Oversize {
			log.Printf("frames dropped: queue full %d, store busy %d, oversize %d\n", c.QueueDrops, c.LockDrops, c.Oversize)
		}
		last = c
	}
}

func run() error {
	c := loadconf()
	trendPeriod, err := duration(c.Trend.Period)
	if err != nil {
		return fmt.Errorf("trend period: %w", err)
	}
	monPeriod, err := duration(c.MonitorPeriod)
	if err != nil {
		return fmt.Errorf("monitor period: %w", err)
	}

	acq, err := Open(c)
	if err != nil {
		return err
	}
	defer acq.Deinit()

	reg := prometheus.NewRegistry()
	if err := monitor.Register(reg, acq); err != nil {
		return err
	}
	var tr *trend.Trend
	if trendPeriod > 0 && c.Trend.Capacity > 0 {
		tr = trend.New(acq, trendPeriod, c.Trend.Capacity)
		if err := tr.Start(); err != nil {
			return err
		}
		defer tr.Stop()
	}

	srv := &http.Server{Addr: c.Addr, Handler: BuildMux(c, acq, tr, reg)}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Println("now listening for requests at ", c.Addr)
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if monPeriod > 0 {
		g.Go(func() error {
			return monitorLoop(ctx, acq, monPeriod)
		})
	}
	return g.Wait()
}

func capture() error {
	c := loadconf()
	acq, err := Open(c)
	if err != nil {
		return err
	}
	defer acq.Deinit()
	cfg := acq.Config()

	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " capturing",
		SuffixAutoColon:   true,
		Message:           fmt.Sprintf("%d samples on %d channels", cfg.BufferSize, len(cfg.Channels)),
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		return err
	}
	spinner.Start()

	// a buffer takes BufferSize/SampleRateHz seconds to fill; allow slack for
	// slow transports
	fill := time.Duration(cfg.BufferSize) * time.Second / time.Duration(cfg.SampleRateHz)
	ctx, cancel := context.WithTimeout(context.Background(), 10*fill+5*time.Second)
	defer cancel()
	samples, err := Capture(ctx, acq, 10*time.Millisecond)
	if err != nil {
		spinner.StopFailMessage(err.Error())
		spinner.StopFail()
		return err
	}
	spinner.Stop()

	stats, err := acq.Statistics()
	if err != nil {
		log.Println(err)
	}
	for i, st := range stats {
		log.Printf("ch%d: min %d max %d avg %d\n", cfg.Channels[i].ID, st.Min, st.Max, st.Avg)
	}
	n := samples.Count
	if n > 8 {
		n = 8
	}
	for i, ch := range samples.Channels {
		log.Printf("ch%d first samples: %v\n", cfg.Channels[i].ID, ch[:n])
	}
	rec := &recorder.Recorder{Root: c.Recorder.Root, Prefix: c.Recorder.Prefix}
	path, err := rec.Save(samples, recorder.MetadataFor(cfg, time.Now()))
	if err != nil {
		return err
	}
	log.Println("wrote", path)
	return nil
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		if err := run(); err != nil {
			log.Fatal(err)
		}
		return
	case "capture":
		if err := capture(); err != nil {
			log.Fatal(err)
		}
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
