// Package daq provides a generic HTTP interface to a streaming ADC
//
// This is not the last word in speed, due to HTTP having reasonable latency in
// most client languages, but it is the last word in ease of use.  Clients that
// want a live view should use the /stream websocket instead of polling.
package daq

import (
	"errors"
	"go/types"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nasa-jpl/adcstream/adcdma"
	"github.com/nasa-jpl/adcstream/calib"
	"github.com/nasa-jpl/adcstream/generichttp"
	"github.com/nasa-jpl/adcstream/recorder"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	// MinStreamPeriod bounds how fast a stream client may ask for readings
	MinStreamPeriod = 10 * time.Millisecond
)

// ADC is the acquisition surface served over HTTP.  *adcdma.Acquisition
// satisfies it.
type ADC interface {
	State() adcdma.State
	Config() adcdma.Config
	Counters() adcdma.Counters
	Start() error
	Stop() error
	Data(int) (adcdma.Samples, error)
	LatestVoltage() ([]uint32, error)
	Statistics() ([]adcdma.Stats, error)
	Calibration() ([]calib.Calibration, error)
}

// Status maps an acquisition error to an HTTP status code
func Status(err error) int {
	switch {
	case errors.Is(err, adcdma.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, adcdma.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, adcdma.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, adcdma.ErrTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func fail(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), Status(err))
}

// Reading is the calibrated latest sample of every channel
type Reading struct {
	Time       time.Time `json:"time"`
	Channels   []uint8   `json:"channels"`
	Millivolts []uint32  `json:"mv"`
}

type channelStats struct {
	Channel uint8 `json:"channel"`
	adcdma.Stats
}

type channelCal struct {
	Channel     uint8  `json:"channel"`
	Calibration string `json:"calibration"`
}

// HTTPADC wraps an ADC in an HTTP interface
type HTTPADC struct {
	ADC ADC

	// StreamPeriod is the default interval between readings on /stream
	StreamPeriod time.Duration

	upgrader websocket.Upgrader

	RouteTable generichttp.RouteTable2
}

// NewHTTPADC returns a new HTTP wrapper around an ADC
func NewHTTPADC(adc ADC) *HTTPADC {
	h := &HTTPADC{
		ADC:          adc,
		StreamPeriod: 250 * time.Millisecond,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	rt := generichttp.RouteTable2{
		{Method: http.MethodGet, Path: "/state"}:       h.GetState,
		{Method: http.MethodPost, Path: "/start"}:      h.Start,
		{Method: http.MethodPost, Path: "/stop"}:       h.Stop,
		{Method: http.MethodGet, Path: "/data"}:        h.GetData,
		{Method: http.MethodGet, Path: "/data/csv"}:    h.GetDataCSV,
		{Method: http.MethodGet, Path: "/data/fits"}:   h.GetDataFits,
		{Method: http.MethodGet, Path: "/voltage"}:     h.GetVoltage,
		{Method: http.MethodGet, Path: "/statistics"}:  h.GetStatistics,
		{Method: http.MethodGet, Path: "/counters"}:    h.GetCounters,
		{Method: http.MethodGet, Path: "/calibration"}: h.GetCalibration,
		{Method: http.MethodGet, Path: "/stream"}:      h.Stream,
		{Method: http.MethodGet, Path: "/channels"}:    h.GetChannels,
		{Method: http.MethodGet, Path: "/sample-rate"}: h.GetSampleRate,
		{Method: http.MethodGet, Path: "/buffer-size"}: h.GetBufferSize,
	}
	h.RouteTable = rt
	return h
}

// RT satisfies generichttp.HTTPer
func (h *HTTPADC) RT() generichttp.RouteTable2 {
	return h.RouteTable
}

// GetState returns the lifecycle state as {"str": state}
func (h *HTTPADC) GetState(w http.ResponseWriter, r *http.Request) {
	hp := generichttp.HumanPayload{T: types.String, String: h.ADC.State().String()}
	hp.EncodeAndRespond(w, r)
}

// Start resumes acquisition
func (h *HTTPADC) Start(w http.ResponseWriter, r *http.Request) {
	if err := h.ADC.Start(); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Stop halts acquisition, keeping the samples
func (h *HTTPADC) Stop(w http.ResponseWriter, r *http.Request) {
	if err := h.ADC.Stop(); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// samples reads the optional max query parameter, defaulting to the whole
// buffer.  A read of the whole wrapped buffer clears the acquisition's full
// flag, after which only the current cycle is returned.
func (h *HTTPADC) samples(r *http.Request) (adcdma.Samples, error) {
	max := h.ADC.Config().BufferSize
	if max == 0 {
		// not initialized; let Data report the state
		max = 1
	}
	if str := r.URL.Query().Get("max"); str != "" {
		n, err := strconv.Atoi(str)
		if err != nil {
			return adcdma.Samples{}, errors.Join(adcdma.ErrInvalidArgument, err)
		}
		max = n
	}
	return h.ADC.Data(max)
}

// GetData returns a snapshot of the sample store as JSON.
//
// This GET is not free of side effects: once the buffer has wrapped, a read
// without max (or with max of at least the buffer size) consumes the wrapped
// buffer and the next read returns only the samples written since.  A read
// limited by max leaves the wrapped buffer in place.  The same holds for
// GetDataCSV and GetDataFits.
func (h *HTTPADC) GetData(w http.ResponseWriter, r *http.Request) {
	s, err := h.samples(r)
	if err != nil {
		fail(w, err)
		return
	}
	generichttp.ReplyJSON(w, s)
}

// GetDataCSV returns a snapshot as CSV, one column per channel.  Like GetData,
// a whole buffer read consumes the wrapped buffer.
func (h *HTTPADC) GetDataCSV(w http.ResponseWriter, r *http.Request) {
	s, err := h.samples(r)
	if err != nil {
		fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=\"adc.csv\"")
	if err := recorder.WriteCSV(w, s, h.ADC.Config().Channels); err != nil {
		log.Println(err)
	}
}

// GetDataFits returns a snapshot as a FITS image, one row per channel.  Like
// GetData, a whole buffer read consumes the wrapped buffer.
func (h *HTTPADC) GetDataFits(w http.ResponseWriter, r *http.Request) {
	s, err := h.samples(r)
	if err != nil {
		fail(w, err)
		return
	}
	if s.Count == 0 {
		fail(w, adcdma.ErrNotFound)
		return
	}
	meta := recorder.MetadataFor(h.ADC.Config(), time.Now())
	w.Header().Set("Content-Type", "image/fits")
	if err := recorder.WriteFits(w, s, meta); err != nil {
		log.Println(err)
	}
}

func (h *HTTPADC) reading() (Reading, error) {
	mv, err := h.ADC.LatestVoltage()
	if err != nil {
		return Reading{}, err
	}
	chans := h.ADC.Config().Channels
	ids := make([]uint8, len(chans))
	for i, ch := range chans {
		ids[i] = ch.ID
	}
	return Reading{Time: time.Now(), Channels: ids, Millivolts: mv}, nil
}

// GetVoltage returns the latest calibrated sample of every channel
func (h *HTTPADC) GetVoltage(w http.ResponseWriter, r *http.Request) {
	rd, err := h.reading()
	if err != nil {
		fail(w, err)
		return
	}
	generichttp.ReplyJSON(w, rd)
}

// GetStatistics returns min, max and mean of the current cycle per channel
func (h *HTTPADC) GetStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.ADC.Statistics()
	if err != nil {
		fail(w, err)
		return
	}
	chans := h.ADC.Config().Channels
	out := make([]channelStats, len(stats))
	for i, st := range stats {
		out[i].Stats = st
		if i < len(chans) {
			out[i].Channel = chans[i].ID
		}
	}
	generichttp.ReplyJSON(w, out)
}

// GetCounters returns the frame accounting
func (h *HTTPADC) GetCounters(w http.ResponseWriter, r *http.Request) {
	generichttp.ReplyJSON(w, h.ADC.Counters())
}

// GetCalibration reports which channels use a factory calibration
func (h *HTTPADC) GetCalibration(w http.ResponseWriter, r *http.Request) {
	cals, err := h.ADC.Calibration()
	if err != nil {
		fail(w, err)
		return
	}
	chans := h.ADC.Config().Channels
	out := make([]channelCal, len(cals))
	for i, c := range cals {
		out[i].Calibration = c.String()
		if i < len(chans) {
			out[i].Channel = chans[i].ID
		}
	}
	generichttp.ReplyJSON(w, out)
}

// GetChannels returns the channel configuration
func (h *HTTPADC) GetChannels(w http.ResponseWriter, r *http.Request) {
	generichttp.ReplyJSON(w, h.ADC.Config().Channels)
}

// GetSampleRate returns the conversion rate as {"uint": Hz}
func (h *HTTPADC) GetSampleRate(w http.ResponseWriter, r *http.Request) {
	hp := generichttp.HumanPayload{T: types.Uint64, Uint64: uint64(h.ADC.Config().SampleRateHz)}
	hp.EncodeAndRespond(w, r)
}

// GetBufferSize returns the per-channel buffer length as {"int": n}
func (h *HTTPADC) GetBufferSize(w http.ResponseWriter, r *http.Request) {
	hp := generichttp.HumanPayload{T: types.Int, Int: h.ADC.Config().BufferSize}
	hp.EncodeAndRespond(w, r)
}

// Stream upgrades to a websocket and pushes a Reading every period.  The
// period may be given in milliseconds with the period query parameter.
// Intervals with no sample yet are skipped.
func (h *HTTPADC) Stream(w http.ResponseWriter, r *http.Request) {
	period := h.StreamPeriod
	if str := r.URL.Query().Get("period"); str != "" {
		ms, err := strconv.Atoi(str)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		period = time.Duration(ms) * time.Millisecond
	}
	if period < MinStreamPeriod {
		period = MinStreamPeriod
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("daq: websocket upgrade: %v", err)
		return
	}
	done := make(chan struct{})
	go readPump(conn, done)
	h.writePump(conn, period, done)
}

// readPump discards client messages so control frames are handled, and
// closes done when the client goes away
func readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("daq: websocket read: %v", err)
			}
			return
		}
	}
}

func (h *HTTPADC) writePump(conn *websocket.Conn, period time.Duration, done <-chan struct{}) {
	tick := time.NewTicker(period)
	ping := time.NewTicker(pingPeriod)
	defer func() {
		tick.Stop()
		ping.Stop()
		conn.Close()
	}()
	for {
		select {
		case <-tick.C:
			rd, err := h.reading()
			if err != nil {
				if errors.Is(err, adcdma.ErrNotFound) || errors.Is(err, adcdma.ErrTimeout) {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(rd); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
