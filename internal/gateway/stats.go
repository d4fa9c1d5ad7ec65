package gateway

import (
	"context"
	"net/http"
	"sort"

	"github.com/labstack/echo/v4"

	"github.com/syncular/syncular/internal/config"
	"github.com/syncular/syncular/internal/store"
)

// handleStats sums counters across instances and keeps the extremes of
// the sequence fields, plus a per-instance commit-seq breakdown so the
// console can show federation skew.
func (g *Gateway) handleStats(c echo.Context) error {
	insts, err := g.selected(c)
	if err != nil {
		return g.fail(c, err)
	}
	bearer := bearerOf(c)
	query := downstreamQuery(c)

	results := fanOut(c.Request().Context(), insts, func(ctx context.Context, inst config.Instance) (*store.SyncStats, error) {
		var stats store.SyncStats
		if err := g.fetchJSON(ctx, inst, "/console/stats", query, bearer, requestIDOf(c), &stats); err != nil {
			return nil, err
		}
		return &stats, nil
	})
	ok, failed := splitResults(results)
	if len(ok) == 0 {
		return g.failAll(c, failed)
	}

	var merged store.SyncStats
	minBySeq := map[string]int64{}
	maxBySeq := map[string]int64{}
	for _, r := range ok {
		st := r.value
		merged.CommitCount += st.CommitCount
		merged.ChangeCount += st.ChangeCount
		merged.ClientCount += st.ClientCount
		merged.ActiveClientCount += st.ActiveClientCount
		merged.MinCommitSeq = minSeq(merged.MinCommitSeq, st.MinCommitSeq)
		merged.MaxCommitSeq = maxSeq(merged.MaxCommitSeq, st.MaxCommitSeq)
		merged.MinActiveCursor = minSeq(merged.MinActiveCursor, st.MinActiveCursor)
		merged.MaxActiveCursor = maxSeq(merged.MaxActiveCursor, st.MaxActiveCursor)
		if st.MinCommitSeq != nil {
			minBySeq[r.instance.InstanceID] = *st.MinCommitSeq
		}
		if st.MaxCommitSeq != nil {
			maxBySeq[r.instance.InstanceID] = *st.MaxCommitSeq
		}
	}

	return c.JSON(http.StatusOK, envelope(map[string]any{
		"commitCount":            merged.CommitCount,
		"changeCount":            merged.ChangeCount,
		"clientCount":            merged.ClientCount,
		"activeClientCount":      merged.ActiveClientCount,
		"minCommitSeq":           merged.MinCommitSeq,
		"maxCommitSeq":           merged.MaxCommitSeq,
		"minActiveCursor":        merged.MinActiveCursor,
		"maxActiveCursor":        merged.MaxActiveCursor,
		"minCommitSeqByInstance": minBySeq,
		"maxCommitSeqByInstance": maxBySeq,
	}, failed))
}

func minSeq(a, b *int64) *int64 {
	if a == nil {
		return b
	}
	if b == nil || *a <= *b {
		return a
	}
	return b
}

func maxSeq(a, b *int64) *int64 {
	if a == nil {
		return b
	}
	if b == nil || *a >= *b {
		return a
	}
	return b
}

// handleTimeseries merges per-minute buckets by timestamp. Counts add
// up; latency is the event-count-weighted mean so a busy instance
// moves the bucket more than an idle one.
func (g *Gateway) handleTimeseries(c echo.Context) error {
	insts, err := g.selected(c)
	if err != nil {
		return g.fail(c, err)
	}
	bearer := bearerOf(c)
	query := downstreamQuery(c)

	type page struct {
		Timeseries []store.TimeseriesBucket `json:"timeseries"`
	}
	results := fanOut(c.Request().Context(), insts, func(ctx context.Context, inst config.Instance) ([]store.TimeseriesBucket, error) {
		var p page
		if err := g.fetchJSON(ctx, inst, "/console/stats/timeseries", query, bearer, requestIDOf(c), &p); err != nil {
			return nil, err
		}
		return p.Timeseries, nil
	})
	ok, failed := splitResults(results)
	if len(ok) == 0 {
		return g.failAll(c, failed)
	}

	type acc struct {
		bucket      store.TimeseriesBucket
		weightedSum float64
		weight      int64
	}
	byMinute := map[int64]*acc{}
	for _, r := range ok {
		for _, b := range r.value {
			key := b.Timestamp.UnixMilli()
			a, exists := byMinute[key]
			if !exists {
				a = &acc{bucket: store.TimeseriesBucket{Timestamp: b.Timestamp}}
				byMinute[key] = a
			}
			a.bucket.PushCount += b.PushCount
			a.bucket.PullCount += b.PullCount
			a.bucket.ErrorCount += b.ErrorCount
			w := b.PushCount + b.PullCount
			a.weightedSum += b.AvgLatencyMs * float64(w)
			a.weight += w
		}
	}

	merged := make([]store.TimeseriesBucket, 0, len(byMinute))
	for _, a := range byMinute {
		if a.weight > 0 {
			a.bucket.AvgLatencyMs = a.weightedSum / float64(a.weight)
		}
		merged = append(merged, a.bucket)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})

	return c.JSON(http.StatusOK, envelope(map[string]any{
		"timeseries": merged,
	}, failed))
}

// handleLatency averages the per-instance percentiles. A mean of
// percentiles is an approximation, but close enough for a dashboard
// and cheap to compute without shipping raw samples around.
func (g *Gateway) handleLatency(c echo.Context) error {
	insts, err := g.selected(c)
	if err != nil {
		return g.fail(c, err)
	}
	bearer := bearerOf(c)
	query := downstreamQuery(c)

	results := fanOut(c.Request().Context(), insts, func(ctx context.Context, inst config.Instance) (*store.LatencyStats, error) {
		var stats store.LatencyStats
		if err := g.fetchJSON(ctx, inst, "/console/stats/latency", query, bearer, requestIDOf(c), &stats); err != nil {
			return nil, err
		}
		return &stats, nil
	})
	ok, failed := splitResults(results)
	if len(ok) == 0 {
		return g.failAll(c, failed)
	}

	var merged store.LatencyStats
	for _, r := range ok {
		merged.P50Ms += r.value.P50Ms
		merged.P90Ms += r.value.P90Ms
		merged.P99Ms += r.value.P99Ms
		merged.SampleCount += r.value.SampleCount
	}
	n := float64(len(ok))
	merged.P50Ms /= n
	merged.P90Ms /= n
	merged.P99Ms /= n

	return c.JSON(http.StatusOK, envelope(map[string]any{
		"p50Ms":       merged.P50Ms,
		"p90Ms":       merged.P90Ms,
		"p99Ms":       merged.P99Ms,
		"sampleCount": merged.SampleCount,
	}, failed))
}
