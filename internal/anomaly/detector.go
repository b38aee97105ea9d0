package anomaly

import (
	"fmt"

	"github.com/septivank/energy-metering-gateway/internal/db"
)

// Finding is a load curve sample that looks wrong
type Finding struct {
	Sample db.IntervalSample
	Reason string
}

// Detector flags negative readings and sudden spikes in a load curve.
// Flagged samples are reported, never dropped.
type Detector struct {
	spikeThreshold float64
	window         int
}

// NewDetector creates a detector comparing each sample to the rolling
// average of the previous window samples
func NewDetector(spikeThreshold float64, window int) *Detector {
	return &Detector{
		spikeThreshold: spikeThreshold,
		window:         window,
	}
}

// Check tests one value against the samples that preceded it
func (d *Detector) Check(value float64, previous []float64) (bool, string) {
	if value < 0 {
		return true, "negative value"
	}
	if d.window <= 0 || len(previous) < d.window {
		return false, ""
	}

	sum := 0.0
	for _, v := range previous[len(previous)-d.window:] {
		sum += v
	}
	average := sum / float64(d.window)

	if average > 0 && value > d.spikeThreshold*average {
		return true, fmt.Sprintf("sudden spike detected: value %.3f exceeds %.1fx rolling average %.3f",
			value, d.spikeThreshold, average)
	}
	return false, ""
}

// Scan walks samples in order and returns every flagged one
func (d *Detector) Scan(samples []db.IntervalSample) []Finding {
	var (
		findings []Finding
		previous = make([]float64, 0, len(samples))
	)
	for _, s := range samples {
		if flagged, reason := d.Check(s.Value, previous); flagged {
			findings = append(findings, Finding{Sample: s, Reason: reason})
		}
		previous = append(previous, s.Value)
	}
	return findings
}
