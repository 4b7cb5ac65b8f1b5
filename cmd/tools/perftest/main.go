// main.go - Load testing tool for the visit endpoint
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"text/tabwriter"
	"time"
)

// PerfConfig holds the configuration for the performance test
type PerfConfig struct {
	BaseURL      string
	Concurrency  int
	Duration     time.Duration
	VisitsPerSec int
	Visitors     int
	Timeout      time.Duration
}

// PerfStats holds statistics about the performance test
type PerfStats struct {
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	StatusCodes        map[int]int64
	ResponseTimes      []time.Duration
	StartTime          time.Time
	EndTime            time.Time
	mu                 sync.Mutex
}

// Result captures the result of a single request
type Result struct {
	Duration   time.Duration
	StatusCode int
	Error      error
}

// dayStats mirrors the data part of GET /api/statistics/date.
type dayStats struct {
	Data struct {
		PageViews      int64 `json:"pageViews"`
		UniqueVisitors int64 `json:"uniqueVisitors"`
	} `json:"data"`
}

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0",
}

func main() {
	baseURL := flag.String("url", "http://localhost:3000", "Base URL of the API")
	concurrency := flag.Int("c", 10, "Number of concurrent clients")
	duration := flag.Duration("d", 30*time.Second, "Duration of the test")
	visitsPerSec := flag.Int("rate", 0, "Target visits per second (0 = unlimited)")
	visitorCount := flag.Int("visitors", 1000, "Number of distinct simulated visitors")
	timeout := flag.Duration("timeout", 10*time.Second, "Request timeout")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	config := &PerfConfig{
		BaseURL:      *baseURL,
		Concurrency:  *concurrency,
		Duration:     *duration,
		VisitsPerSec: *visitsPerSec,
		Visitors:     max(1, *visitorCount),
		Timeout:      *timeout,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := <-sigChan
		fmt.Printf("Received signal %v, shutting down...\n", sig)
		cancel()
	}()

	fmt.Println("\n=== visitstats load test ===")
	fmt.Printf("  URL (-url):           %s\n", config.BaseURL)
	fmt.Printf("  Concurrency (-c):     %d\n", config.Concurrency)
	fmt.Printf("  Duration (-d):        %v\n", config.Duration)
	fmt.Printf("  Visits/sec (-rate):   %d (0 = unlimited)\n", config.VisitsPerSec)
	fmt.Printf("  Visitors (-visitors): %d\n", config.Visitors)
	fmt.Println("============================")

	client := &http.Client{Timeout: config.Timeout}
	before, err := fetchToday(client, config.BaseURL)
	if err != nil {
		logger.Error("Could not read today's statistics before the run", slog.Any("error", err))
		os.Exit(1)
	}

	stats := &PerfStats{StatusCodes: make(map[int]int64), StartTime: time.Now()}

	testCtx, testCancel := context.WithTimeout(ctx, config.Duration)
	defer testCancel()

	for result := range runTest(testCtx, config, logger) {
		processResult(result, stats)
	}
	stats.EndTime = time.Now()

	printResults(stats)

	after, err := fetchToday(client, config.BaseURL)
	if err != nil {
		logger.Error("Could not read today's statistics after the run", slog.Any("error", err))
		os.Exit(1)
	}
	printConsistency(stats, before, after, config.Visitors)
}

// runTest starts the workers and returns a channel for results
func runTest(ctx context.Context, config *PerfConfig, logger *slog.Logger) <-chan Result {
	resultChan := make(chan Result, config.Concurrency*10)
	var wg sync.WaitGroup

	perWorker := 0.0
	if config.VisitsPerSec > 0 {
		perWorker = float64(config.VisitsPerSec) / float64(config.Concurrency)
		logger.Info("Rate limiting enabled", slog.Float64("visits_per_sec_per_worker", perWorker))
	}

	for i := 0; i < config.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			client := &http.Client{Timeout: config.Timeout}
			rng := rand.New(rand.NewPCG(uint64(workerID), uint64(time.Now().UnixNano())))

			var ticker *time.Ticker
			if perWorker > 0 {
				ticker = time.NewTicker(time.Duration(float64(time.Second) / perWorker))
				defer ticker.Stop()
			}

			for {
				if ticker != nil {
					select {
					case <-ticker.C:
					case <-ctx.Done():
						return
					}
				}
				if ctx.Err() != nil {
					return
				}
				resultChan <- sendVisit(client, config, rng)
			}
		}(i)
	}

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	return resultChan
}

// sendVisit posts one page view for a random simulated visitor. A visitor is
// a stable (address, user agent) pair so the unique count is predictable.
func sendVisit(client *http.Client, config *PerfConfig, rng *rand.Rand) Result {
	visitor := rng.IntN(config.Visitors)
	ip := fmt.Sprintf("198.18.%d.%d", visitor/256%256, visitor%256)
	ua := userAgents[visitor%len(userAgents)]

	req, err := http.NewRequest(http.MethodPost, config.BaseURL+"/api/statistics/visit", nil)
	if err != nil {
		return Result{Error: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("X-Forwarded-For", ip)
	req.Header.Set("User-Agent", ua)

	start := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return Result{Duration: elapsed, Error: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return Result{Duration: elapsed, StatusCode: resp.StatusCode}
}

func fetchToday(client *http.Client, baseURL string) (dayStats, error) {
	var out dayStats
	today := time.Now().Format("2006-01-02")
	resp, err := client.Get(baseURL + "/api/statistics/date?date=" + today)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return out, json.NewDecoder(resp.Body).Decode(&out)
}

// processResult processes the results of a single request
func processResult(result Result, stats *PerfStats) {
	atomic.AddInt64(&stats.TotalRequests, 1)
	if result.Error != nil {
		atomic.AddInt64(&stats.FailedRequests, 1)
		return
	}

	stats.mu.Lock()
	stats.ResponseTimes = append(stats.ResponseTimes, result.Duration)
	stats.StatusCodes[result.StatusCode]++
	stats.mu.Unlock()

	if result.StatusCode == http.StatusOK {
		atomic.AddInt64(&stats.SuccessfulRequests, 1)
	} else {
		atomic.AddInt64(&stats.FailedRequests, 1)
	}
}

// printResults displays the test results in a formatted table
func printResults(stats *PerfStats) {
	total := stats.EndTime.Sub(stats.StartTime)
	fmt.Println("\nLoad Test Results:")
	fmt.Printf("Test Duration: %v\n", total.Round(time.Millisecond))
	if stats.TotalRequests == 0 {
		fmt.Println("No requests were sent.")
		return
	}
	fmt.Printf("Requests Per Second: %.2f\n", float64(stats.TotalRequests)/total.Seconds())

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "\n%s\t%s\n", "METRIC", "VALUE")
	fmt.Fprintf(w, "%s\t%s\n", "------", "-----")
	fmt.Fprintf(w, "Total Requests\t%d\n", stats.TotalRequests)
	fmt.Fprintf(w, "Successful Requests\t%d (%.2f%%)\n", stats.SuccessfulRequests, 100*float64(stats.SuccessfulRequests)/float64(stats.TotalRequests))
	fmt.Fprintf(w, "Failed Requests\t%d (%.2f%%)\n", stats.FailedRequests, 100*float64(stats.FailedRequests)/float64(stats.TotalRequests))

	if n := len(stats.ResponseTimes); n > 0 {
		sort.Slice(stats.ResponseTimes, func(i, j int) bool { return stats.ResponseTimes[i] < stats.ResponseTimes[j] })
		fmt.Fprintf(w, "Min Latency\t%v\n", stats.ResponseTimes[0])
		fmt.Fprintf(w, "p50 Latency\t%v\n", stats.ResponseTimes[n*50/100])
		fmt.Fprintf(w, "p95 Latency\t%v\n", stats.ResponseTimes[n*95/100])
		fmt.Fprintf(w, "p99 Latency\t%v\n", stats.ResponseTimes[n*99/100])
		fmt.Fprintf(w, "Max Latency\t%v\n", stats.ResponseTimes[n-1])
	}
	w.Flush()

	if len(stats.StatusCodes) > 0 {
		var codes []int
		for code := range stats.StatusCodes {
			codes = append(codes, code)
		}
		sort.Ints(codes)

		fmt.Println("\nStatus Code Distribution:")
		w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "%s\t%s\t%s\n", "STATUS CODE", "COUNT", "GRAPH")
		for _, code := range codes {
			count := stats.StatusCodes[code]
			bar := strings.Repeat("█", int(50*count/stats.TotalRequests))
			fmt.Fprintf(w, "%d\t%d\t%s\n", code, count, bar)
		}
		w.Flush()
	}
}

// printConsistency compares the server's live counters with what was sent.
// Page views must match exactly. Unique visitors are an estimate and only
// reported.
func printConsistency(stats *PerfStats, before, after dayStats, visitors int) {
	gotPV := after.Data.PageViews - before.Data.PageViews
	fmt.Println("\nCounter Consistency:")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Page views sent (2xx)\t%d\n", stats.SuccessfulRequests)
	fmt.Fprintf(w, "Page view delta on server\t%d\n", gotPV)
	fmt.Fprintf(w, "Simulated visitors\t%d\n", visitors)
	fmt.Fprintf(w, "Unique visitors on server\t%d\n", after.Data.UniqueVisitors)
	w.Flush()

	if gotPV != stats.SuccessfulRequests {
		fmt.Printf("WARNING: %d page views unaccounted for (other traffic during the run also counts)\n",
			stats.SuccessfulRequests-gotPV)
		os.Exit(2)
	}
	fmt.Println("Page view counter consistent.")
}
