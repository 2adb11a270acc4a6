package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type stageKey struct {
	stage   string
	outcome string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu       sync.Mutex
	stages   map[stageKey]uint64
	latency  map[string]*histogram
	retries  map[string]uint64
	verdicts map[string]uint64
}

var stageCollector = &collector{
	stages:   make(map[stageKey]uint64),
	latency:  make(map[string]*histogram),
	retries:  make(map[string]uint64),
	verdicts: make(map[string]uint64),
}

// ObserveStage records the outcome and duration of one workflow stage run.
func ObserveStage(stage, outcome string, duration time.Duration) {
	stageCollector.observeStage(stage, outcome, duration)
}

// ObserveRetry counts a retry of the given stage.
func ObserveRetry(stage string) {
	stageCollector.mu.Lock()
	stageCollector.retries[stage]++
	stageCollector.mu.Unlock()
}

// ObserveAuditVerdict counts audit verdicts by status (passed/failed).
func ObserveAuditVerdict(status string) {
	stageCollector.mu.Lock()
	stageCollector.verdicts[status]++
	stageCollector.mu.Unlock()
}

func (c *collector) observeStage(stage, outcome string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stages[stageKey{stage: stage, outcome: outcome}]++

	hist := c.latency[stage]
	if hist == nil {
		hist = newHistogram()
		c.latency[stage] = hist
	}
	hist.observe(duration.Seconds())
}

func newHistogram() *histogram {
	buckets := []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			break
		}
	}
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, stageCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var builder strings.Builder

	builder.WriteString("# HELP chainforge_stage_total Stage executions grouped by outcome.\n")
	builder.WriteString("# TYPE chainforge_stage_total counter\n")
	stageKeys := make([]stageKey, 0, len(c.stages))
	for key := range c.stages {
		stageKeys = append(stageKeys, key)
	}
	sort.Slice(stageKeys, func(i, j int) bool {
		if stageKeys[i].stage == stageKeys[j].stage {
			return stageKeys[i].outcome < stageKeys[j].outcome
		}
		return stageKeys[i].stage < stageKeys[j].stage
	})
	for _, key := range stageKeys {
		builder.WriteString(fmt.Sprintf("chainforge_stage_total{stage=%q,outcome=%q} %d\n",
			key.stage, key.outcome, c.stages[key]))
	}

	builder.WriteString("# HELP chainforge_stage_retries_total Stage retries.\n")
	builder.WriteString("# TYPE chainforge_stage_retries_total counter\n")
	retryKeys := sortedKeys(c.retries)
	for _, stage := range retryKeys {
		builder.WriteString(fmt.Sprintf("chainforge_stage_retries_total{stage=%q} %d\n", stage, c.retries[stage]))
	}

	builder.WriteString("# HELP chainforge_audit_verdicts_total Audit verdicts by status.\n")
	builder.WriteString("# TYPE chainforge_audit_verdicts_total counter\n")
	verdictKeys := sortedKeys(c.verdicts)
	for _, status := range verdictKeys {
		builder.WriteString(fmt.Sprintf("chainforge_audit_verdicts_total{status=%q} %d\n", status, c.verdicts[status]))
	}

	builder.WriteString("# HELP chainforge_stage_duration_seconds Stage duration histogram.\n")
	builder.WriteString("# TYPE chainforge_stage_duration_seconds histogram\n")
	latencyKeys := make([]string, 0, len(c.latency))
	for stage := range c.latency {
		latencyKeys = append(latencyKeys, stage)
	}
	sort.Strings(latencyKeys)
	for _, stage := range latencyKeys {
		hist := c.latency[stage]
		for idx, bound := range hist.buckets {
			builder.WriteString(fmt.Sprintf("chainforge_stage_duration_seconds_bucket{stage=%q,le=%q} %d\n",
				stage, formatBound(bound), hist.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("chainforge_stage_duration_seconds_bucket{stage=%q,le=\"+Inf\"} %d\n", stage, hist.count))
		builder.WriteString(fmt.Sprintf("chainforge_stage_duration_seconds_sum{stage=%q} %f\n", stage, hist.sum))
		builder.WriteString(fmt.Sprintf("chainforge_stage_duration_seconds_count{stage=%q} %d\n", stage, hist.count))
	}

	return builder.String()
}

func sortedKeys(values map[string]uint64) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func formatBound(bound float64) string {
	text := fmt.Sprintf("%g", bound)
	return text
}
