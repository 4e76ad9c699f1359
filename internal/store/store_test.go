package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMoneyPrecision(t *testing.T) {
	assert.Equal(t, "100000", Money(100000))
	assert.Equal(t, "0.00000001", Money(0.00000001))
	assert.Equal(t, "1.23456789", Money(1.234567891))
	assert.Equal(t, "-42.5", Money(-42.5))
}

func TestNopRecorder(t *testing.T) {
	var r Recorder = NopRecorder{}
	assert.NoError(t, r.RecordMetric(Metric{Name: "x"}))
	assert.NoError(t, r.RecordEvent(Event{EventType: "y"}))
}

func TestAsFloat(t *testing.T) {
	v, ok := asFloat(3.5)
	assert.True(t, ok)
	assert.Equal(t, 3.5, v)

	v, ok = asFloat(7)
	assert.True(t, ok)
	assert.Equal(t, 7.0, v)

	_, ok = asFloat("nope")
	assert.False(t, ok)
}
