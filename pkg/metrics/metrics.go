package metrics

// Collector captures counters, gauges and histograms.
type Collector interface {
	IncCounter(name string, labels map[string]string, delta float64)
	SetGauge(name string, labels map[string]string, value float64)
	ObserveHistogram(name string, labels map[string]string, value float64)
}

// Nop discards everything.
var Nop Collector = nop{}

type nop struct{}

func (nop) IncCounter(string, map[string]string, float64)       {}
func (nop) SetGauge(string, map[string]string, float64)         {}
func (nop) ObserveHistogram(string, map[string]string, float64) {}

// OrNop returns c, or Nop when c is nil.
func OrNop(c Collector) Collector {
	if c == nil {
		return Nop
	}
	return c
}
