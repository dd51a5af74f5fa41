package scheduler

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDaily_Next(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	d := Daily{Hour: 20, Minute: 0, Location: loc}

	tests := []struct {
		name string
		from time.Time
		want time.Time
	}{
		{
			name: "before today's time",
			from: time.Date(2025, 3, 10, 9, 30, 0, 0, loc),
			want: time.Date(2025, 3, 10, 20, 0, 0, 0, loc),
		},
		{
			name: "exactly at the time moves to tomorrow",
			from: time.Date(2025, 3, 10, 20, 0, 0, 0, loc),
			want: time.Date(2025, 3, 11, 20, 0, 0, 0, loc),
		},
		{
			name: "after today's time",
			from: time.Date(2025, 3, 10, 23, 59, 0, 0, loc),
			want: time.Date(2025, 3, 11, 20, 0, 0, 0, loc),
		},
		{
			name: "month rollover",
			from: time.Date(2025, 1, 31, 21, 0, 0, 0, loc),
			want: time.Date(2025, 2, 1, 20, 0, 0, 0, loc),
		},
		{
			name: "across DST change keeps wall clock",
			from: time.Date(2025, 3, 29, 21, 0, 0, 0, loc),
			want: time.Date(2025, 3, 30, 20, 0, 0, 0, loc),
		},
		{
			name: "input in another zone",
			from: time.Date(2025, 3, 10, 19, 30, 0, 0, time.UTC),
			want: time.Date(2025, 3, 11, 20, 0, 0, 0, loc),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := d.Next(tt.from)
			assert.True(t, tt.want.Equal(got), "want %s, got %s", tt.want, got)
		})
	}
}

func TestDaily_NilLocationIsLocal(t *testing.T) {
	from := time.Date(2025, 6, 1, 8, 0, 0, 0, time.Local)
	got := Daily{Hour: 9, Minute: 15}.Next(from)
	assert.Equal(t, time.Date(2025, 6, 1, 9, 15, 0, 0, time.Local), got)
}

func TestDaily_String(t *testing.T) {
	assert.Equal(t, "daily at 20:05 UTC", Daily{Hour: 20, Minute: 5, Location: time.UTC}.String())
}
