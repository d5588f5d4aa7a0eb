package timespec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		spec    string
		want    time.Time
		wantErr bool
	}{
		{name: "rfc3339", spec: "2026-03-01T09:00:00Z", want: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		{name: "duration", spec: "1h30m", want: now.Add(-90 * time.Minute)},
		{name: "days", spec: "2d", want: now.AddDate(0, 0, -2)},
		{name: "padded", spec: " 5m ", want: now.Add(-5 * time.Minute)},
		{name: "empty", spec: "", wantErr: true},
		{name: "negative", spec: "-1h", wantErr: true},
		{name: "garbage", spec: "yesterday", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.spec, now)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "want %v got %v", tt.want, got)
		})
	}
}

func TestParseRange(t *testing.T) {
	t.Run("open bounds", func(t *testing.T) {
		r, err := ParseRange("", "", now)
		require.NoError(t, err)
		assert.True(t, r.Contains(time.Unix(0, 0)))
	})

	t.Run("window", func(t *testing.T) {
		r, err := ParseRange("2h", "1h", now)
		require.NoError(t, err)
		assert.True(t, r.Contains(now.Add(-90*time.Minute)))
		assert.False(t, r.Contains(now.Add(-3*time.Hour)))
		assert.False(t, r.Contains(now.Add(-time.Hour)), "until is exclusive")
	})

	t.Run("inverted", func(t *testing.T) {
		_, err := ParseRange("1h", "2h", now)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "--since must be before --until")
	})

	t.Run("bad flag is named", func(t *testing.T) {
		_, err := ParseRange("", "soon", now)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid --until")
	})
}
