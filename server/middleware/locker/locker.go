// Package locker provides an HTTP middleware which allows an HTTPHandler to be locked, returning 423 (locked)
package locker

import (
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/nasa-jpl/adcstream/generichttp"
)

// Inject adds a lock route to a generichttp.HTTPer which is used to manipulate the locker
func Inject(other generichttp.HTTPer, l *Locker) {
	rt := other.RT()
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/lock"}] = generichttp.GetBool(func() (bool, error) {
		return l.Locked(), nil
	})
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/lock"}] = generichttp.SetBool(func(b bool) error {
		if b {
			l.Lock()
		} else {
			l.Unlock()
		}
		return nil
	})
}

// Locker is a type which behaves like a sync.Mutex without the blocking.
// While locked, requests that change state are refused; reads (GET and HEAD)
// always pass.
type Locker struct {
	locked atomic.Bool

	// DoNotProtect is a list of paths not to apply the lock to
	DoNotProtect []string
}

// New returns a new Locker with DoNotProtect prepopulated with "lock"
func New() *Locker {
	return &Locker{DoNotProtect: []string{"lock"}}
}

// Lock the locker
func (l *Locker) Lock() {
	l.locked.Store(true)
}

// Unlock the locker
func (l *Locker) Unlock() {
	l.locked.Store(false)
}

// Locked returns true if the locker is locked
func (l *Locker) Locked() bool {
	return l.locked.Load()
}

// Check is an HTTP middleware that returns http.StatusLocked if Locked() is
// true and the request would change state, otherwise passes down the line
func (l *Locker) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.Locked() && r.Method != http.MethodGet && r.Method != http.MethodHead {
			protected := true
			for _, str := range l.DoNotProtect {
				if strings.Contains(r.URL.Path, str) {
					protected = false
				}
			}
			if protected {
				w.WriteHeader(http.StatusLocked)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
