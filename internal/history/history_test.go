package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/robertodauria/netrace/pkg/netrace/results"
	"gotest.tools/v3/assert"
)

func newStore(t *testing.T, limit int) (*Store, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	s := NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), limit)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func result(i int, ts time.Time) *results.SpeedTestResult {
	return &results.SpeedTestResult{
		ID:           fmt.Sprintf("r%02d", i),
		Timestamp:    ts,
		DownloadMbps: float64(i),
		UploadMbps:   float64(i) / 2,
		PingMs:       10,
	}
}

func TestStore_ArchiveAndList(t *testing.T) {
	s, _ := newStore(t, 3)
	ctx := context.Background()
	assert.NilError(t, s.Ping(ctx))

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		assert.NilError(t, s.Archive(ctx, result(i, base.Add(time.Duration(i)*time.Minute))))
	}

	got, err := s.List(ctx)
	assert.NilError(t, err)
	assert.Equal(t, len(got), 3)
	assert.Equal(t, got[0].ID, "r04")
	assert.Equal(t, got[1].ID, "r03")
	assert.Equal(t, got[2].ID, "r02")
	assert.Equal(t, got[0].DownloadMbps, 4.0)
	assert.Assert(t, got[0].Timestamp.Equal(base.Add(4*time.Minute)))

	// Trimmed results are gone.
	_, err = s.Get(ctx, "r00")
	assert.Assert(t, errors.Is(err, ErrNotFound))
	r, err := s.Get(ctx, "r02")
	assert.NilError(t, err)
	assert.Equal(t, r.UploadMbps, 1.0)
}

func TestStore_DefaultLimit(t *testing.T) {
	s, _ := newStore(t, 0)
	assert.Equal(t, s.limit, DefaultLimit)
}

func TestStore_Unavailable(t *testing.T) {
	s, mr := newStore(t, 3)
	mr.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Archive(ctx, result(1, time.Now()))
	assert.Assert(t, err != nil)
	_, err = s.List(ctx)
	assert.Assert(t, err != nil)
}
