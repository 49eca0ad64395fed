// Loadtest drives traffic through the load balancer and reports how it was
// spread across backends, using the X-Upstream-Server header the balancer
// adds to every proxied response.
//
// Usage:
//
//	go run ./scripts/loadtest -url http://localhost:8080/api/tasks -concurrency 10 -requests 1000
//	go run ./scripts/loadtest -method GET -url http://localhost:8080/api/tasks -out summary.json
//
// After the run the balancer's own statistics are fetched from -stats and
// printed next to the client-side view.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type backendStats struct {
	Count     int             `json:"count"`
	Success   int             `json:"success"`
	Failure   int             `json:"failure"`
	Latencies []time.Duration `json:"-"`
}

type summary struct {
	Target        string                   `json:"target"`
	Requests      int                      `json:"requests"`
	Concurrency   int                      `json:"concurrency"`
	Success       int                      `json:"success"`
	Failure       int                      `json:"failure"`
	Unavailable   int                      `json:"unavailable"`
	DurationMs    int64                    `json:"duration_ms"`
	ThroughputRPS float64                  `json:"throughput_rps"`
	StatusCodes   map[int]int              `json:"status_codes"`
	Backends      map[string]*backendStats `json:"backends"`
}

type balancerStats struct {
	TotalRequests int `json:"total_requests"`
	ActiveServers int `json:"active_servers"`
	TotalServers  int `json:"total_servers"`
	Servers       map[string]struct {
		Status          string  `json:"status"`
		TotalRequests   int     `json:"total_requests"`
		SuccessRate     float64 `json:"success_rate"`
		AvgResponseTime float64 `json:"avg_response_time"`
	} `json:"servers"`
}

func main() {
	var (
		url         = flag.String("url", "http://localhost:8080/api/tasks", "Target URL")
		statsURL    = flag.String("stats", "http://localhost:8080/lb-api/stats", "Balancer statistics URL (empty to skip)")
		concurrency = flag.Int("concurrency", 10, "Number of concurrent workers")
		requests    = flag.Int("requests", 100, "Total number of requests to send")
		method      = flag.String("method", http.MethodPost, "HTTP method")
		body        = flag.String("body", `{"title":"load test"}`, "Request body")
		contentType = flag.String("content-type", "application/json", "Content-Type header")
		timeout     = flag.Duration("timeout", 15*time.Second, "Per-request timeout")
		outJSON     = flag.String("out", "", "Write JSON summary to this file (optional)")
		verbose     = flag.Bool("v", false, "Verbose per-request logging to stdout")
	)
	flag.Parse()

	client := &http.Client{Timeout: *timeout}

	s := summary{
		Target:      *url,
		Requests:    *requests,
		Concurrency: *concurrency,
		StatusCodes: make(map[int]int),
		Backends:    make(map[string]*backendStats),
	}
	var mutex sync.Mutex
	var all []time.Duration

	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(*concurrency)

	start := time.Now()
	for i := 0; i < *requests; i++ {
		g.Go(func() error {
			req, err := http.NewRequestWithContext(ctx, *method, *url, strings.NewReader(*body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", *contentType)

			began := time.Now()
			resp, err := client.Do(req)
			dur := time.Since(began)

			mutex.Lock()
			defer mutex.Unlock()
			all = append(all, dur)

			if err != nil {
				s.Failure++
				if *verbose {
					fmt.Printf("idx=%d error=%v\n", i, err)
				}
				return nil
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			s.StatusCodes[resp.StatusCode]++
			if resp.StatusCode == http.StatusServiceUnavailable {
				s.Unavailable++
			}

			upstream := resp.Header.Get("X-Upstream-Server")
			if upstream == "" {
				upstream = "(none)"
			}
			bs, ok := s.Backends[upstream]
			if !ok {
				bs = &backendStats{}
				s.Backends[upstream] = bs
			}
			bs.Count++
			bs.Latencies = append(bs.Latencies, dur)

			if resp.StatusCode < 400 {
				s.Success++
				bs.Success++
			} else {
				s.Failure++
				bs.Failure++
			}

			if *verbose {
				fmt.Printf("idx=%d backend=%s status=%d dur=%v lb_time=%s\n",
					i, upstream, resp.StatusCode, dur, resp.Header.Get("X-Response-Time"))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "load test aborted: %v\n", err)
		os.Exit(1)
	}

	total := time.Since(start)
	s.DurationMs = total.Milliseconds()
	s.ThroughputRPS = float64(*requests) / total.Seconds()

	printSummary(s, all)

	if *statsURL != "" {
		if err := printBalancerStats(client, *statsURL); err != nil {
			fmt.Fprintf(os.Stderr, "failed to fetch balancer stats: %v\n", err)
		}
	}

	if *outJSON != "" {
		f, err := os.Create(*outJSON)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create json file: %v\n", err)
			os.Exit(1)
		}
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		enc.Encode(s)
		f.Close()
		fmt.Printf("\nWrote JSON summary to %s\n", *outJSON)
	}

	if s.Failure > 0 {
		os.Exit(2)
	}
}

func printSummary(s summary, all []time.Duration) {
	fmt.Println("--- Load Test Summary ---")
	fmt.Printf("Target: %s\n", s.Target)
	fmt.Printf("Requests: %d  Concurrency: %d\n", s.Requests, s.Concurrency)
	fmt.Printf("Success: %d  Failure: %d  Unavailable (503): %d\n", s.Success, s.Failure, s.Unavailable)
	fmt.Printf("Duration: %dms  Throughput: %.2f req/s\n", s.DurationMs, s.ThroughputRPS)

	fmt.Println("\nStatus codes:")
	codes := make([]int, 0, len(s.StatusCodes))
	for c := range s.StatusCodes {
		codes = append(codes, c)
	}
	sort.Ints(codes)
	for _, c := range codes {
		fmt.Printf("  %d -> %d\n", c, s.StatusCodes[c])
	}

	fmt.Println("\nBackend distribution:")
	names := make([]string, 0, len(s.Backends))
	for n := range s.Backends {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		bs := s.Backends[n]
		fmt.Printf("  %s -> total=%d success=%d failure=%d %s\n", n, bs.Count, bs.Success, bs.Failure, percentiles(bs.Latencies))
	}

	if len(all) > 0 {
		fmt.Printf("\nOverall latencies: %s\n", percentiles(all))
	}
}

func percentiles(samples []time.Duration) string {
	if len(samples) == 0 {
		return ""
	}

	tmp := make([]time.Duration, len(samples))
	copy(tmp, samples)
	sort.Slice(tmp, func(i, j int) bool { return tmp[i] < tmp[j] })
	p := func(pct float64) time.Duration {
		return tmp[int(float64(len(tmp)-1)*pct)]
	}

	return fmt.Sprintf("min=%v p50=%v p90=%v p99=%v max=%v", tmp[0], p(0.50), p(0.90), p(0.99), tmp[len(tmp)-1])
}

func printBalancerStats(client *http.Client, url string) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var st balancerStats
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return err
	}

	fmt.Printf("\nBalancer view: total_requests=%d active=%d/%d\n", st.TotalRequests, st.ActiveServers, st.TotalServers)
	names := make([]string, 0, len(st.Servers))
	for n := range st.Servers {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		srv := st.Servers[n]
		fmt.Printf("  %s -> %s requests=%d success_rate=%.1f%% avg=%.2fms\n",
			n, srv.Status, srv.TotalRequests, srv.SuccessRate, srv.AvgResponseTime)
	}

	return nil
}
