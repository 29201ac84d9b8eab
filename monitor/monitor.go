/*Package monitor exposes an acquisition to Prometheus.

The frame counters are exported as counters, the lifecycle state as a gauge,
and the latest calibrated sample of every channel as a gauge labeled by the
converter channel.
*/
package monitor

import (
	"strconv"

	"github.com/nasa-jpl/adcstream/adcdma"
	"github.com/prometheus/client_golang/prometheus"
)

// Subsystem prefixes every metric name
const Subsystem = "adc"

// Source is the part of an acquisition the collectors read
type Source interface {
	Counters() adcdma.Counters
	State() adcdma.State
	Config() adcdma.Config
	LatestVoltage() ([]uint32, error)
}

// Collectors returns every collector for src, ready to register
func Collectors(src Source) []prometheus.Collector {
	counter := func(name, help string, get func(adcdma.Counters) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Subsystem: Subsystem,
				Name:      name,
				Help:      help,
			},
			func() float64 { return float64(get(src.Counters())) },
		)
	}
	return []prometheus.Collector{
		counter("frames_queued_total", "Frames accepted into the handoff queue.",
			func(c adcdma.Counters) uint64 { return c.Queued }),
		counter("frames_queue_dropped_total", "Frames dropped because the handoff queue was full.",
			func(c adcdma.Counters) uint64 { return c.QueueDrops }),
		counter("frames_oversize_total", "Frames dropped for exceeding the frame size limit.",
			func(c adcdma.Counters) uint64 { return c.Oversize }),
		counter("frames_lock_dropped_total", "Frames dropped because the sample store stayed locked.",
			func(c adcdma.Counters) uint64 { return c.LockDrops }),
		counter("frames_processed_total", "Frames demultiplexed into the sample store.",
			func(c adcdma.Counters) uint64 { return c.Processed }),
		counter("samples_total", "Per-channel samples written to the sample store.",
			func(c adcdma.Counters) uint64 { return c.Ticks }),
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Subsystem: Subsystem,
				Name:      "state",
				Help:      "Lifecycle state: 0 uninitialized, 1 initialized, 2 running, 3 stopped, 4 deinitialized.",
			},
			func() float64 { return float64(src.State()) },
		),
		&voltage{
			src:  src,
			desc: prometheus.NewDesc(prometheus.BuildFQName("", Subsystem, "latest_millivolts"), "Most recent calibrated sample.", []string{"channel"}, nil),
		},
	}
}

// Register registers every collector for src with reg
func Register(reg prometheus.Registerer, src Source) error {
	for _, c := range Collectors(src) {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

type voltage struct {
	src  Source
	desc *prometheus.Desc
}

func (v *voltage) Describe(ch chan<- *prometheus.Desc) {
	ch <- v.desc
}

// Collect emits nothing until the store holds a sample
func (v *voltage) Collect(ch chan<- prometheus.Metric) {
	mv, err := v.src.LatestVoltage()
	if err != nil {
		return
	}
	channels := v.src.Config().Channels
	for i, m := range mv {
		if i >= len(channels) {
			break
		}
		ch <- prometheus.MustNewConstMetric(v.desc, prometheus.GaugeValue, float64(m), strconv.Itoa(int(channels[i].ID)))
	}
}
