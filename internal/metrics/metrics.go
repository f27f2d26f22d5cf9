package metrics

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/objectio/objectio/internal/metadata"
)

// Collector tracks request counters and exposes them in Prometheus text
// exposition format on /metrics.
type Collector struct {
	store *metadata.Store

	requestsTotal [methodCount]atomic.Int64
	requestErrors atomic.Int64
	bytesIn       atomic.Int64
	bytesOut      atomic.Int64
	startTime     time.Time
}

const (
	mGET = iota
	mPUT
	mDELETE
	mHEAD
	mPOST
	mOTHER
	methodCount
)

func methodIndex(method string) int {
	switch method {
	case http.MethodGet:
		return mGET
	case http.MethodPut:
		return mPUT
	case http.MethodDelete:
		return mDELETE
	case http.MethodHead:
		return mHEAD
	case http.MethodPost:
		return mPOST
	default:
		return mOTHER
	}
}

func methodLabel(idx int) string {
	switch idx {
	case mGET:
		return "GET"
	case mPUT:
		return "PUT"
	case mDELETE:
		return "DELETE"
	case mHEAD:
		return "HEAD"
	case mPOST:
		return "POST"
	default:
		return "OTHER"
	}
}

func NewCollector(store *metadata.Store) *Collector {
	return &Collector{
		store:     store,
		startTime: time.Now(),
	}
}

// RecordRequest increments the request counter for the given method.
func (c *Collector) RecordRequest(method string) {
	c.requestsTotal[methodIndex(method)].Add(1)
}

// RecordError increments the error counter.
func (c *Collector) RecordError() {
	c.requestErrors.Add(1)
}

// RecordBytesIn adds to the ingress byte counter.
func (c *Collector) RecordBytesIn(n int64) {
	c.bytesIn.Add(n)
}

// RecordBytesOut adds to the egress byte counter.
func (c *Collector) RecordBytesOut(n int64) {
	c.bytesOut.Add(n)
}

// ServeHTTP handles GET /metrics.
func (c *Collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	var totalRequests int64
	for i := 0; i < methodCount; i++ {
		v := c.requestsTotal[i].Load()
		totalRequests += v
		fmt.Fprintf(w, "objectio_requests_total{method=%q} %d\n", methodLabel(i), v)
	}
	fmt.Fprintf(w, "objectio_requests_total_sum %d\n", totalRequests)
	fmt.Fprintf(w, "objectio_request_errors_total %d\n", c.requestErrors.Load())
	fmt.Fprintf(w, "objectio_bytes_received_total %d\n", c.bytesIn.Load())
	fmt.Fprintf(w, "objectio_bytes_sent_total %d\n", c.bytesOut.Load())
	fmt.Fprintf(w, "objectio_uptime_seconds %.0f\n", time.Since(c.startTime).Seconds())

	if buckets, err := c.store.ListBuckets(); err == nil {
		fmt.Fprintf(w, "objectio_buckets_total %d\n", len(buckets))
	}
	if depth, err := c.store.ReclaimDepth(); err == nil {
		fmt.Fprintf(w, "objectio_reclaim_queue_depth %d\n", depth)
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	fmt.Fprintf(w, "objectio_go_goroutines %d\n", runtime.NumGoroutine())
	fmt.Fprintf(w, "objectio_go_memory_alloc_bytes %d\n", mem.Alloc)
	fmt.Fprintf(w, "objectio_go_memory_sys_bytes %d\n", mem.Sys)
	fmt.Fprintf(w, "objectio_go_gc_total %d\n", mem.NumGC)
}
