// Package generichttp defines the route table and JSON payloads shared by the
// HTTP wrappers of lab hardware
package generichttp

import (
	"encoding/json"
	"go/types"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi"
)

// MethodPath is an HTTP method and a path, the key of a route
type MethodPath struct {
	Method string
	Path   string
}

// RouteTable2 maps methods and paths to handlers
type RouteTable2 map[MethodPath]http.HandlerFunc

// Endpoints lists the routes in the table as "METHOD /path", sorted by path
func (rt RouteTable2) Endpoints() []string {
	routes := make([]string, 0, len(rt))
	for k := range rt {
		routes = append(routes, k.Method+" "+k.Path)
	}
	sort.Slice(routes, func(i, j int) bool {
		pi := routes[i][strings.IndexByte(routes[i], ' '):]
		pj := routes[j][strings.IndexByte(routes[j], ' '):]
		if pi == pj {
			return routes[i] < routes[j]
		}
		return pi < pj
	})
	return routes
}

// Bind adds every route in the table to r
func (rt RouteTable2) Bind(r chi.Router) {
	for mp, fn := range rt {
		r.MethodFunc(mp.Method, mp.Path, fn)
	}
}

// HTTPer is anything that exposes a route table
type HTTPer interface {
	RT() RouteTable2
}

// SubMuxSanitize turns "omc/adc/" or "/omc/adc/*" into "/omc/adc", the form
// chi expects for Mount
func SubMuxSanitize(str string) string {
	str = strings.TrimSuffix(str, "*")
	str = strings.TrimSuffix(str, "/")
	if !strings.HasPrefix(str, "/") {
		str = "/" + str
	}
	return str
}

// BoolT is a struct with a single bool field
type BoolT struct {
	Bool bool `json:"bool"`
}

// HumanPayload holds one scalar and a tag of which field is populated.
// It is the JSON body of every scalar reply.
type HumanPayload struct {
	Bool   bool
	Int    int
	Uint64 uint64
	Float  float64
	String string
	T      types.BasicKind
}

// EncodeAndRespond writes the populated field as JSON, {"bool": true},
// {"int": 1}, {"uint": 1}, {"f64": 1.0} or {"str": "..."}
func (hp *HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	var body interface{}
	switch hp.T {
	case types.Bool:
		body = BoolT{Bool: hp.Bool}
	case types.Int:
		body = struct {
			Int int `json:"int"`
		}{hp.Int}
	case types.Uint64:
		body = struct {
			Uint uint64 `json:"uint"`
		}{hp.Uint64}
	case types.Float64:
		body = struct {
			F64 float64 `json:"f64"`
		}{hp.Float}
	case types.String:
		body = struct {
			Str string `json:"str"`
		}{hp.String}
	default:
		http.Error(w, "unsupported payload type", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(body)
}

// GetString calls a string-getting function and returns the response
// as json {'str': value}
func GetString(fcn func() (string, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := HumanPayload{T: types.String, String: s}
		hp.EncodeAndRespond(w, r)
	}
}

// GetBool calls a bool-getting function and returns the response
// as json {'bool': value}
func GetBool(fcn func() (bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := HumanPayload{T: types.Bool, Bool: b}
		hp.EncodeAndRespond(w, r)
	}
}

// SetBool parses a JSON input of {'bool': value} and
// calls fcn with it
func SetBool(fcn func(bool) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b := BoolT{}
		err := json.NewDecoder(r.Body).Decode(&b)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = fcn(b.Bool)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// ReplyJSON encodes v as the body of a 200 response
func ReplyJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}
