// Package stub provides interfaces and no-op implementations for metrics.
//
// Packages log and count through these interfaces so other software reusing
// them does not have to take on a prometheus dependency. The main program
// replaces the stubs with real implementations at startup.
package stub

type Counter interface {
	Inc()
}

type CounterIgnore struct{}

func (CounterIgnore) Inc() {}

type CounterVec interface {
	IncLabels(labels ...string)
}

type CounterVecIgnore struct{}

func (CounterVecIgnore) IncLabels(labels ...string) {}

type Histogram interface {
	Observe(float64)
}

type HistogramIgnore struct{}

func (HistogramIgnore) Observe(float64) {}

type HistogramVec interface {
	ObserveLabels(v float64, labels ...string)
}

type HistogramVecIgnore struct{}

func (HistogramVecIgnore) ObserveLabels(v float64, labels ...string) {}
