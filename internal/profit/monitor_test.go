package profit

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepClock struct{ now time.Time }

func (c *stepClock) Now() time.Time { return c.now }

func TestMonitorStats(t *testing.T) {
	clock := &stepClock{now: testNow}
	reg := prometheus.NewRegistry()
	var logs bytes.Buffer
	m := NewMonitor(MonitorConfig{
		Registerer: reg,
		Logger:     slog.New(slog.NewTextHandler(&logs, nil)),
		Now:        clock.Now,
	})

	for i := 1; i <= 4; i++ {
		tr := m.Track(OpOrderProfit, slog.String("order_id", "o1"))
		clock.now = clock.now.Add(time.Duration(i) * 100 * time.Millisecond)
		if i == 1 {
			tr.CacheHit()
		}
		if i == 2 {
			tr.Fallback()
		}
		var err error
		if i == 4 {
			err = errors.New("boom")
		}
		assert.Equal(t, err, tr.End(err))
	}

	stats := m.Stats()[OpOrderProfit]
	assert.Equal(t, uint64(4), stats.Count)
	assert.Equal(t, uint64(1), stats.CacheHits)
	assert.Equal(t, 25.0, stats.HitRate)
	assert.Equal(t, uint64(1), stats.Fallbacks)
	assert.Equal(t, uint64(1), stats.Errors)
	assert.Equal(t, 250*time.Millisecond, stats.AvgDuration)
	assert.Equal(t, 400*time.Millisecond, stats.MaxDuration)
	assert.Equal(t, 400*time.Millisecond, stats.P95Duration)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.calls.WithLabelValues(OpOrderProfit, "cache_hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.calls.WithLabelValues(OpOrderProfit, "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.calls.WithLabelValues(OpOrderProfit, "computed")))

	assert.NotContains(t, logs.String(), "slow profit operation")

	tr := m.Track(OpOrderProfit, slog.String("order_id", "slow"))
	clock.now = clock.now.Add(time.Second)
	require.NoError(t, tr.End(nil))
	assert.Contains(t, logs.String(), "slow profit operation")
	assert.Contains(t, logs.String(), "order_id=slow")

	m.Reset()
	assert.Empty(t, m.Stats())
}

func TestNilMonitorIsSafe(t *testing.T) {
	var m *Monitor
	tr := m.Track(OpPeriodReport)
	tr.CacheHit()
	assert.NoError(t, tr.End(nil))
	assert.Empty(t, m.Stats())
	m.Reset()
}
