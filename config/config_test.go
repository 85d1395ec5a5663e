package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStringFallsBackToDefault(t *testing.T) {
	t.Setenv("RMQ_TEST_STRING", "")
	assert.Equal(t, "fallback", String("RMQ_TEST_STRING", "fallback"))
}

func TestStringReadsSetValue(t *testing.T) {
	t.Setenv("RMQ_TEST_STRING", "hello")
	assert.Equal(t, "hello", String("RMQ_TEST_STRING", "fallback"))
}

func TestIntParsesOrFallsBack(t *testing.T) {
	t.Setenv("RMQ_TEST_INT", "42")
	assert.Equal(t, 42, Int("RMQ_TEST_INT", 7))

	t.Setenv("RMQ_TEST_INT", "not-a-number")
	assert.Equal(t, 7, Int("RMQ_TEST_INT", 7))
}

func TestBoolParsesOrFallsBack(t *testing.T) {
	t.Setenv("RMQ_TEST_BOOL", "true")
	assert.True(t, Bool("RMQ_TEST_BOOL", false))

	t.Setenv("RMQ_TEST_BOOL", "")
	assert.False(t, Bool("RMQ_TEST_BOOL", false))
}

func TestDurationParsesOrFallsBack(t *testing.T) {
	t.Setenv("RMQ_TEST_DURATION", "15s")
	assert.Equal(t, 15*time.Second, Duration("RMQ_TEST_DURATION", time.Second))

	t.Setenv("RMQ_TEST_DURATION", "garbage")
	assert.Equal(t, time.Second, Duration("RMQ_TEST_DURATION", time.Second))
}
