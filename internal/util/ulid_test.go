package util

import (
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_MonotonicWithinMillisecond(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_000)
	prev := NewAt(at)
	for range 1000 {
		next := NewAt(at)
		require.Greater(t, next, prev)
		prev = next
	}
}

func TestNew_CarriesTimestamp(t *testing.T) {
	at := time.UnixMilli(1_700_000_123_456)
	id, err := ulid.Parse(NewAt(at))
	require.NoError(t, err)
	assert.Equal(t, uint64(at.UnixMilli()), id.Time())
	assert.Len(t, New(), 26)
}
