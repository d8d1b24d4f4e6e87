package jobs

import (
	"math"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/zsprackett/jobkit/internal/history"
)

// JobStats summarizes a job's retained history.
type JobStats struct {
	Runs        int           `json:"runs"`
	Successful  int           `json:"successful"`
	Failed      int           `json:"failed"`
	Cancelled   int           `json:"cancelled"`
	SuccessRate float64       `json:"successRate"`
	OutputBytes int           `json:"outputBytes"`
	ElapsedMin  time.Duration `json:"elapsedMin"`
	ElapsedMax  time.Duration `json:"elapsedMax"`
	ElapsedP50  time.Duration `json:"elapsedP50"`
	ElapsedP95  time.Duration `json:"elapsedP95"`
}

// ComputeStats ignores invocations that have not completed.
func ComputeStats(entries []history.Entry) JobStats {
	done := lo.Filter(entries, func(e history.Entry, _ int) bool {
		return e.Status.Terminal()
	})
	if len(done) == 0 {
		return JobStats{}
	}
	countOf := func(s history.Status) int {
		return lo.CountBy(done, func(e history.Entry) bool { return e.Status == s })
	}
	stats := JobStats{
		Runs:       len(done),
		Successful: countOf(history.StatusSuccess),
		Failed:     countOf(history.StatusFailed),
		Cancelled:  countOf(history.StatusCancelled),
		OutputBytes: lo.SumBy(done, func(e history.Entry) int {
			return e.OutputBytes
		}),
	}
	stats.SuccessRate = float64(stats.Successful) / float64(stats.Runs)

	elapsed := lo.Map(done, func(e history.Entry, _ int) time.Duration {
		return e.Elapsed()
	})
	sort.Slice(elapsed, func(i, j int) bool { return elapsed[i] < elapsed[j] })
	stats.ElapsedMin = elapsed[0]
	stats.ElapsedMax = elapsed[len(elapsed)-1]
	stats.ElapsedP50 = percentile(elapsed, 0.50)
	stats.ElapsedP95 = percentile(elapsed, 0.95)
	return stats
}

// percentile uses the nearest-rank method on sorted values.
func percentile(sorted []time.Duration, p float64) time.Duration {
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	return sorted[max(0, min(rank, len(sorted)-1))]
}
