package anomaly

import (
	"testing"

	"github.com/septivank/energy-metering-gateway/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheck(t *testing.T) {
	detector := NewDetector(3.0, 3)
	history := []float64{1.0, 1.05, 0.98, 1.02, 0.99}

	cases := []struct {
		name     string
		value    float64
		previous []float64
		flagged  bool
		reason   string
	}{
		{name: "negative", value: -0.5, previous: history, flagged: true, reason: "negative value"},
		{name: "spike", value: 3.5, previous: history, flagged: true},
		{name: "normal", value: 1.03, previous: history},
		{name: "not enough history", value: 500, previous: []float64{1, 2}},
		{name: "zero average", value: 4, previous: []float64{0, 0, 0}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			flagged, reason := detector.Check(tc.value, tc.previous)
			assert.Equal(t, tc.flagged, flagged)
			if tc.reason != "" {
				assert.Equal(t, tc.reason, reason)
			}
			if tc.flagged {
				assert.NotEmpty(t, reason)
			} else {
				assert.Empty(t, reason)
			}
		})
	}
}

func TestCheck_UsesOnlyTheWindow(t *testing.T) {
	detector := NewDetector(3.0, 2)

	// the old 100s fall outside the two-sample window
	flagged, _ := detector.Check(10, []float64{100, 100, 1, 1})
	assert.True(t, flagged)
}

func TestScan(t *testing.T) {
	values := []float64{1, 1, 1, 9, 1, -2}
	samples := make([]db.IntervalSample, len(values))
	for i, v := range values {
		samples[i] = db.IntervalSample{MeterID: "12345678901234", Value: v}
	}

	findings := NewDetector(3.0, 3).Scan(samples)

	require.Len(t, findings, 2)
	assert.Equal(t, 9.0, findings[0].Sample.Value)
	assert.Equal(t, "negative value", findings[1].Reason)
}
