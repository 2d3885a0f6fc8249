package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBlob struct {
	cutoff time.Time
	n      int64
	err    error
}

func (f *fakeBlob) ArchiveAuctions(_ context.Context, before time.Time) (int64, error) {
	f.cutoff = before
	return f.n, f.err
}

func TestArchiverRunUsesRetention(t *testing.T) {
	blob := &fakeBlob{n: 4}
	a := NewArchiver(blob, 30, slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Date(2026, 5, 1, 4, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	n, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.Equal(t, now.Add(-30*24*time.Hour), blob.cutoff)

	blob.err = errors.New("s3 down")
	_, err = a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3 down")
}

func TestCronNext(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 7, 30, 0, time.UTC) // Monday

	tests := []struct {
		expr string
		want time.Time
	}{
		{"0 4 * * *", time.Date(2026, 3, 3, 4, 0, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2026, 3, 2, 10, 15, 0, 0, time.UTC)},
		{"30 9-17 * * 1-5", time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)},
		{"0 0 1 * *", time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)},
		{"0 12 * * 7", time.Date(2026, 3, 8, 12, 0, 0, 0, time.UTC)},
		{"5,10 10 * * *", time.Date(2026, 3, 2, 10, 10, 0, 0, time.UTC)},
	}
	for _, tc := range tests {
		t.Run(tc.expr, func(t *testing.T) {
			s, err := ParseCron(tc.expr)
			require.NoError(t, err)
			got, err := s.Next(base)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCronRejectsBadExpressions(t *testing.T) {
	for _, expr := range []string{"", "* * * *", "60 * * * *", "*/0 * * * *", "a * * * *", "5-1 * * * *"} {
		_, err := ParseCron(expr)
		assert.Error(t, err, expr)
	}
}
