package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Simple Prometheus-style metrics for HTTP requests and the job
// lifecycle. This is intentionally minimal and in-memory only.

var (
	mu             sync.RWMutex
	requestsTotal  = make(map[reqKey]int64)
	latencyMsSum   = make(map[latKey]int64)
	latencyMsCount = make(map[latKey]int64)

	jobsSubmitted        int64
	jobTransitions       = make(map[string]int64)
	jobRetries           int64
	leasesReclaimed      int64
	cancelRequests       int64
	retentionJobsDeleted int64
)

type reqKey struct {
	Method string
	Path   string
	Status int
}

type latKey struct {
	Method string
	Path   string
}

// RecordRequest increments request counter and records latency.
func RecordRequest(method, path string, status int, latencyMs int64) {
	mu.Lock()
	defer mu.Unlock()

	rk := reqKey{Method: method, Path: path, Status: status}
	requestsTotal[rk]++

	lk := latKey{Method: method, Path: path}
	latencyMsSum[lk] += latencyMs
	latencyMsCount[lk]++
}

// RecordJobSubmitted increments the accepted-submission counter.
func RecordJobSubmitted() {
	mu.Lock()
	defer mu.Unlock()
	jobsSubmitted++
}

// RecordJobTransition counts a status transition by target status.
func RecordJobTransition(to string) {
	mu.Lock()
	defer mu.Unlock()
	jobTransitions[to]++
}

// RecordJobRetry counts one consumed retry.
func RecordJobRetry() {
	mu.Lock()
	defer mu.Unlock()
	jobRetries++
}

// RecordLeaseReclaimed counts an expired lease returned to the queue.
func RecordLeaseReclaimed() {
	mu.Lock()
	defer mu.Unlock()
	leasesReclaimed++
}

// RecordCancelRequest counts an accepted cancellation request.
func RecordCancelRequest() {
	mu.Lock()
	defer mu.Unlock()
	cancelRequests++
}

// RecordRetentionJobs increments the counter of jobs deleted by TTL.
func RecordRetentionJobs(deleted int64) {
	if deleted <= 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	retentionJobsDeleted += deleted
}

// Render returns metrics in Prometheus text exposition format.
func Render() string {
	mu.RLock()
	defer mu.RUnlock()

	var b strings.Builder

	b.WriteString("# HELP reelforge_http_requests_total Total HTTP requests.\n")
	b.WriteString("# TYPE reelforge_http_requests_total counter\n")
	reqKeys := make([]reqKey, 0, len(requestsTotal))
	for k := range requestsTotal {
		reqKeys = append(reqKeys, k)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		a, c := reqKeys[i], reqKeys[j]
		if a.Method != c.Method {
			return a.Method < c.Method
		}
		if a.Path != c.Path {
			return a.Path < c.Path
		}
		return a.Status < c.Status
	})
	for _, k := range reqKeys {
		fmt.Fprintf(&b, "reelforge_http_requests_total{method=%q,path=%q,status=\"%d\"} %d\n",
			k.Method, k.Path, k.Status, requestsTotal[k])
	}

	b.WriteString("# HELP reelforge_http_latency_ms_sum Sum of request latencies in ms.\n")
	b.WriteString("# TYPE reelforge_http_latency_ms_sum counter\n")
	latKeys := make([]latKey, 0, len(latencyMsSum))
	for k := range latencyMsSum {
		latKeys = append(latKeys, k)
	}
	sort.Slice(latKeys, func(i, j int) bool {
		a, c := latKeys[i], latKeys[j]
		if a.Method != c.Method {
			return a.Method < c.Method
		}
		return a.Path < c.Path
	})
	for _, k := range latKeys {
		fmt.Fprintf(&b, "reelforge_http_latency_ms_sum{method=%q,path=%q} %d\n",
			k.Method, k.Path, latencyMsSum[k])
		fmt.Fprintf(&b, "reelforge_http_latency_ms_count{method=%q,path=%q} %d\n",
			k.Method, k.Path, latencyMsCount[k])
	}

	b.WriteString("# HELP reelforge_jobs_submitted_total Accepted job submissions.\n")
	b.WriteString("# TYPE reelforge_jobs_submitted_total counter\n")
	fmt.Fprintf(&b, "reelforge_jobs_submitted_total %d\n", jobsSubmitted)

	b.WriteString("# HELP reelforge_job_transitions_total Job status transitions by target status.\n")
	b.WriteString("# TYPE reelforge_job_transitions_total counter\n")
	statuses := make([]string, 0, len(jobTransitions))
	for s := range jobTransitions {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Fprintf(&b, "reelforge_job_transitions_total{to=%q} %d\n", s, jobTransitions[s])
	}

	b.WriteString("# HELP reelforge_job_retries_total Retries consumed by transient failures.\n")
	b.WriteString("# TYPE reelforge_job_retries_total counter\n")
	fmt.Fprintf(&b, "reelforge_job_retries_total %d\n", jobRetries)

	b.WriteString("# HELP reelforge_leases_reclaimed_total Expired leases returned to the queue.\n")
	b.WriteString("# TYPE reelforge_leases_reclaimed_total counter\n")
	fmt.Fprintf(&b, "reelforge_leases_reclaimed_total %d\n", leasesReclaimed)

	b.WriteString("# HELP reelforge_cancel_requests_total Accepted cancellation requests.\n")
	b.WriteString("# TYPE reelforge_cancel_requests_total counter\n")
	fmt.Fprintf(&b, "reelforge_cancel_requests_total %d\n", cancelRequests)

	b.WriteString("# HELP reelforge_retention_jobs_deleted_total Terminal jobs deleted by retention.\n")
	b.WriteString("# TYPE reelforge_retention_jobs_deleted_total counter\n")
	fmt.Fprintf(&b, "reelforge_retention_jobs_deleted_total %d\n", retentionJobsDeleted)

	return b.String()
}

// Reset clears all metrics. Test helper.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	requestsTotal = make(map[reqKey]int64)
	latencyMsSum = make(map[latKey]int64)
	latencyMsCount = make(map[latKey]int64)
	jobsSubmitted = 0
	jobTransitions = make(map[string]int64)
	jobRetries = 0
	leasesReclaimed = 0
	cancelRequests = 0
	retentionJobsDeleted = 0
}
