package telemetry

import "sync"

// Poller is anything that reports a Sample without blocking.
type Poller interface {
	Poll() (Sample, error)
}

// Reading is an aggregated meter snapshot.
type Reading struct {
	Sample
	Sources map[string]Sample `json:"sources,omitempty"`
}

type aggSource struct {
	label  string
	poller Poller
	last   Sample
}

// Aggregator combines the meters of several sources: the maximum level and
// the sum of bytes written. A failing poll reuses that source's last good
// sample instead of failing the whole reading.
type Aggregator struct {
	mu      sync.Mutex
	sources []*aggSource
	bytes   int64
}

// NewAggregator returns an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Add registers a labeled source.
func (a *Aggregator) Add(label string, p Poller) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sources = append(a.sources, &aggSource{label: label, poller: p})
}

// Len returns the number of registered sources.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sources)
}

// Read polls every source and returns the combined reading.
func (a *Aggregator) Read() Reading {
	a.mu.Lock()
	defer a.mu.Unlock()

	r := Reading{Sources: make(map[string]Sample, len(a.sources))}
	var total int64
	for _, src := range a.sources {
		if s, err := src.poller.Poll(); err == nil {
			if s.BytesWritten < src.last.BytesWritten {
				s.BytesWritten = src.last.BytesWritten
			}
			src.last = s
		}
		total += src.last.BytesWritten
		if src.last.Level > r.Level {
			r.Level = src.last.Level
		}
		r.Sources[src.label] = src.last
	}
	if total > a.bytes {
		a.bytes = total
	}
	r.BytesWritten = a.bytes
	r.Level = clamp(r.Level)
	return r
}
