package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestMaskMeterID(t *testing.T) {
	assert.Equal(t, "**********1234", MaskMeterID("12345678901234"))
	assert.Equal(t, "123", MaskMeterID("123"))
	assert.Equal(t, "", MaskMeterID(""))
}

func TestWithMeter(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := WithMeter(zap.New(core), "12345678901234")

	logger.Info("fetching")

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, "**********1234", entries[0].ContextMap()["prm"])
	}
}
