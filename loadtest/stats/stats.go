// Package stats aggregates measurements from many load test clients and
// prints a percentile summary.
package stats

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector aggregates metrics from load test clients. All methods are
// goroutine-safe.
type Collector struct {
	mu                sync.Mutex
	connectLatencies  []time.Duration
	readyLatencies    []time.Duration
	deliveryLatencies []time.Duration
	errors            int
	connections       int
	sent              int
	delivered         int
	startTime         time.Time
	scraper           *Scraper
}

// NewCollector creates a Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetScraper attaches a server metrics scraper whose report is appended to
// Report.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records an admitted connection: dial latency and time until
// the presence list arrived.
func (c *Collector) AddConnect(connect, ready time.Duration) {
	c.mu.Lock()
	c.connectLatencies = append(c.connectLatencies, connect)
	c.readyLatencies = append(c.readyLatencies, ready)
	c.connections++
	c.mu.Unlock()
}

// AddSent counts one outbound chat message.
func (c *Collector) AddSent() {
	c.mu.Lock()
	c.sent++
	c.mu.Unlock()
}

// AddDelivery records the send-to-receive latency of one chat message.
func (c *Collector) AddDelivery(d time.Duration) {
	c.mu.Lock()
	c.deliveryLatencies = append(c.deliveryLatencies, d)
	c.delivered++
	c.mu.Unlock()
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns the number of recorded connections.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ErrorCount returns the number of recorded errors.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Report prints the summary to stdout.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.startTime)

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:     %s\n", elapsed.Round(time.Second))
	fmt.Printf("Connections:  %d\n", c.connections)
	fmt.Printf("Errors:       %d\n", c.errors)
	if c.sent > 0 {
		fmt.Printf("Chat sent:    %d  delivered: %d (%.2f%%)\n",
			c.sent, c.delivered, float64(c.delivered)/float64(c.sent)*100)
	}

	if len(c.connectLatencies) > 0 {
		fmt.Println("\n--- Connect Latency ---")
		fmt.Println(Summarize(c.connectLatencies))
		fmt.Println("\n--- Ready Latency (presence:list) ---")
		fmt.Println(Summarize(c.readyLatencies))
	}

	if len(c.deliveryLatencies) > 0 {
		fmt.Println("\n--- Delivery Latency (chat:send -> chat:message) ---")
		fmt.Println(Summarize(c.deliveryLatencies))
	}

	if c.scraper != nil {
		c.scraper.Report()
	}

	fmt.Println()
}

// Summarize formats avg, p50, p95, p99 and max of durations. It sorts
// durations in place.
func Summarize(durations []time.Duration) string {
	n := len(durations)
	if n == 0 {
		return "  (no samples)"
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return fmt.Sprintf("  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		(sum / time.Duration(n)).Round(time.Microsecond),
		percentile(durations, 0.50).Round(time.Microsecond),
		percentile(durations, 0.95).Round(time.Microsecond),
		percentile(durations, 0.99).Round(time.Microsecond),
		durations[n-1].Round(time.Microsecond),
		n,
	)
}

// percentile returns the nearest-rank percentile of sorted.
func percentile(sorted []time.Duration, p float64) time.Duration {
	idx := int(math.Ceil(float64(len(sorted))*p)) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}
