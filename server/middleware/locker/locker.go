// Package locker provides an HTTP middleware that rejects mutating requests
// with 423 (Locked) while the instrument is busy, e.g. during an acquisition
// session.
package locker

import (
	"encoding/json"
	"go/types"
	"net/http"
	"strings"
	"sync"

	"goji.io/pat"

	"github.com/asdfdsa/instamatic/server"
)

// Inject adds GET/POST /lock routes manipulating the locker to an HTTPer.
func Inject(other server.HTTPer, l *Locker) {
	rt := other.RT()
	rt[pat.Get("/lock")] = http.HandlerFunc(l.HTTPGet)
	rt[pat.Post("/lock")] = http.HandlerFunc(l.HTTPSet)
}

// Locker tracks a lock bit and the path fragments exempt from it.
type Locker struct {
	mu     sync.Mutex
	locked bool

	// DoNotProtect lists path fragments the lock never applies to.
	DoNotProtect []string
}

// New returns a Locker that always lets lock manipulation through.
func New() *Locker {
	return &Locker{DoNotProtect: []string{"lock"}}
}

// Lock the locker.
func (l *Locker) Lock() {
	l.mu.Lock()
	l.locked = true
	l.mu.Unlock()
}

// Unlock the locker.
func (l *Locker) Unlock() {
	l.mu.Lock()
	l.locked = false
	l.mu.Unlock()
}

// Locked returns true if the locker is locked.
func (l *Locker) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked
}

// Check is the middleware; protected requests bounce with http.StatusLocked
// while the locker is held.
func (l *Locker) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.Locked() {
			protected := true
			for _, frag := range l.DoNotProtect {
				if strings.Contains(r.URL.Path, frag) {
					protected = false
					break
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

// HTTPSet locks or unlocks from a json bool body.
func (l *Locker) HTTPSet(w http.ResponseWriter, r *http.Request) {
	b := server.BoolT{}
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	if b.Bool {
		l.Lock()
	} else {
		l.Unlock()
	}
	w.WriteHeader(http.StatusOK)
}

// HTTPGet reports the lock state as JSON.
func (l *Locker) HTTPGet(w http.ResponseWriter, r *http.Request) {
	server.HumanPayload{T: types.Bool, Bool: l.Locked()}.EncodeAndRespond(w, r)
}
