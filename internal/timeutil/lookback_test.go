package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLookback(t *testing.T) {
	cases := []struct {
		in        string
		want      time.Duration
		unbounded bool
		wantErr   bool
	}{
		{in: "24h", want: 24 * time.Hour},
		{in: "7d", want: 7 * 24 * time.Hour},
		{in: " 30D ", want: 30 * 24 * time.Hour},
		{in: "all", unbounded: true},
		{in: "ALL", unbounded: true},
		{in: "", wantErr: true},
		{in: "0h", wantErr: true},
		{in: "yesterday", wantErr: true},
		{in: "24", wantErr: true},
		{in: "-3h", wantErr: true},
	}
	for _, tc := range cases {
		d, unbounded, err := ParseLookback(tc.in)
		if tc.wantErr {
			assert.ErrorIs(t, err, ErrInvalidLookback, "input %q", tc.in)
			continue
		}
		require.NoError(t, err, "input %q", tc.in)
		assert.Equal(t, tc.want, d, "input %q", tc.in)
		assert.Equal(t, tc.unbounded, unbounded, "input %q", tc.in)
	}
}

func TestLookbackSince(t *testing.T) {
	now := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)

	since := LookbackSince(now, 24*time.Hour, false)
	require.NotNil(t, since)
	assert.Equal(t, now.Add(-24*time.Hour), *since)

	assert.Nil(t, LookbackSince(now, 0, true))
}

func TestNewTimeRange(t *testing.T) {
	start := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)

	r, err := NewTimeRange(start, start.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, start, r.Start)

	_, err = NewTimeRange(start.Add(time.Hour), start)
	assert.ErrorIs(t, err, ErrInvalidTimeRange)
}
