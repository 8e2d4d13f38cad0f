package utils

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Ticker wraps a time.Ticker with a name it's registered under, so a
// background loop — the router's health-check sweep, and any future
// periodic job — can be found by name via GetTicker/GetTickers instead
// of the caller having to keep its own handle around.
type Ticker struct {
	Name string
	*time.Ticker
	Func func(t time.Time)

	mu       sync.Mutex
	ticks    int
	lastTick time.Time
}

var (
	// StartTime is when the hub process started.
	StartTime time.Time

	tickersMu sync.Mutex
	tickers   = make(map[string]*Ticker)
)

func init() {
	StartTime = time.Now()
}

// Timestamp returns the time.Duration since the process started,
// useful for stamping outbound messages.
func Timestamp() time.Duration {
	return time.Since(StartTime)
}

// NewTicker registers and starts a ticker named n that calls f every
// d. Registering a second ticker under the same name replaces the
// first in the registry without stopping it; callers are expected to
// use distinct names.
func NewTicker(n string, d time.Duration, f func(t time.Time)) *Ticker {
	t := &Ticker{
		Name:   n,
		Ticker: time.NewTicker(d),
		Func:   f,
	}

	tickersMu.Lock()
	tickers[n] = t
	tickersMu.Unlock()

	go func() {
		for tick := range t.Ticker.C {
			t.mu.Lock()
			t.ticks++
			t.lastTick = tick
			t.mu.Unlock()
			f(tick)
		}
	}()
	return t
}

// Ticks reports how many times this ticker has fired and the time of
// its last firing, for the /tickers introspection endpoint.
func (t *Ticker) Ticks() (int, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ticks, t.lastTick
}

// GetTickers returns a snapshot of every registered ticker, keyed by
// name.
func GetTickers() map[string]*Ticker {
	tickersMu.Lock()
	defer tickersMu.Unlock()
	out := make(map[string]*Ticker, len(tickers))
	for k, v := range tickers {
		out[k] = v
	}
	return out
}

// GetTicker returns the named ticker, or nil if none is registered
// under that name.
func GetTicker(n string) *Ticker {
	tickersMu.Lock()
	defer tickersMu.Unlock()
	return tickers[n]
}

// tickerStatus is the JSON shape ServeTickers reports per ticker.
type tickerStatus struct {
	Name     string    `json:"name"`
	Ticks    int       `json:"ticks"`
	LastTick time.Time `json:"last_tick"`
}

// ServeTickers is an http.HandlerFunc listing every registered
// ticker's name, fire count and last-fire time. Registered by cmd/hub
// alongside /api/stats so an operator can confirm the health-check
// sweep (or any other named ticker) is actually running.
func ServeTickers(w http.ResponseWriter, r *http.Request) {
	snapshot := GetTickers()
	out := make([]tickerStatus, 0, len(snapshot))
	for _, t := range snapshot {
		ticks, lastTick := t.Ticks()
		out = append(out, tickerStatus{Name: t.Name, Ticks: ticks, LastTick: lastTick})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
