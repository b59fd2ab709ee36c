package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-clinical/formrules/internal/domain"
)

type benchConfig struct {
	baseURL     string
	tenantID    string
	requests    int
	concurrency int
	timeout     time.Duration
	body        []byte
}

// benchReport summarizes a load run against POST /evaluate.
type benchReport struct {
	Requests   int64         `json:"requests"`
	Errors     int64         `json:"errors"`
	Duration   time.Duration `json:"duration"`
	Throughput float64       `json:"throughputPerSec"`
	P50        time.Duration `json:"p50"`
	P95        time.Duration `json:"p95"`
	P99        time.Duration `json:"p99"`
	Max        time.Duration `json:"max"`
}

func newBenchCmd() *cobra.Command {
	var rulesPath, treePath, formKey string
	cfg := benchConfig{}
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Load-test a running formrules server with inline evaluations",
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := loadRuleSet(rulesPath)
			if err != nil {
				return err
			}
			tree, err := loadTree(treePath)
			if err != nil {
				return err
			}
			cfg.body, err = json.Marshal(struct {
				FormKey string            `json:"formKey,omitempty"`
				RuleSet *domain.RuleSet   `json:"ruleSet"`
				Tree    *domain.FieldTree `json:"tree"`
			}{formKey, set, tree})
			if err != nil {
				return fmt.Errorf("failed to encode request: %w", err)
			}

			out := cmd.OutOrStdout()
			if err := checkHealth(cmd.Context(), cfg.baseURL); err != nil {
				return fmt.Errorf("formrules not reachable at %s: %w", cfg.baseURL, err)
			}
			fmt.Fprintf(out, "Running %d requests with %d workers against %s\n", cfg.requests, cfg.concurrency, cfg.baseURL)

			report, err := runBench(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			printReport(out, report)
			if report.Errors == report.Requests {
				return fmt.Errorf("all %d requests failed", report.Requests)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.baseURL, "url", "http://localhost:8080", "formrules base URL")
	f.StringVar(&cfg.tenantID, "tenant", "benchmark", "tenant id sent in X-Tenant-ID")
	f.StringVar(&rulesPath, "rules", "", "rule set file (JSON or YAML)")
	f.StringVar(&treePath, "tree", "", "field tree file (JSON or YAML)")
	f.StringVar(&formKey, "form", "", "form key sent with each request")
	f.IntVarP(&cfg.requests, "requests", "n", 1000, "total number of requests")
	f.IntVarP(&cfg.concurrency, "concurrency", "c", 10, "number of concurrent workers")
	f.DurationVar(&cfg.timeout, "timeout", 10*time.Second, "per-request timeout")
	cmd.MarkFlagRequired("rules")
	cmd.MarkFlagRequired("tree")
	return cmd
}

func checkHealth(ctx context.Context, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func runBench(ctx context.Context, cfg benchConfig) (*benchReport, error) {
	if cfg.requests <= 0 {
		return nil, fmt.Errorf("requests must be positive, got %d", cfg.requests)
	}
	if cfg.concurrency <= 0 {
		cfg.concurrency = 1
	}
	if cfg.timeout <= 0 {
		cfg.timeout = 10 * time.Second
	}

	var errCount int64
	latencies := make([]time.Duration, cfg.requests)
	work := make(chan int, cfg.concurrency)
	var wg sync.WaitGroup

	start := time.Now()
	for i := 0; i < cfg.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: cfg.timeout}
			for n := range work {
				t0 := time.Now()
				if err := evaluateOnce(ctx, client, cfg); err != nil {
					atomic.AddInt64(&errCount, 1)
				}
				latencies[n] = time.Since(t0)
			}
		}()
	}

	for n := 0; n < cfg.requests; n++ {
		if ctx.Err() != nil {
			break
		}
		work <- n
	}
	close(work)
	wg.Wait()
	elapsed := time.Since(start)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	report := &benchReport{
		Requests: int64(cfg.requests),
		Errors:   atomic.LoadInt64(&errCount),
		Duration: elapsed,
		P50:      percentile(latencies, 0.50),
		P95:      percentile(latencies, 0.95),
		P99:      percentile(latencies, 0.99),
		Max:      latencies[len(latencies)-1],
	}
	if elapsed > 0 {
		report.Throughput = float64(cfg.requests) / elapsed.Seconds()
	}
	return report, nil
}

func evaluateOnce(ctx context.Context, client *http.Client, cfg benchConfig) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/evaluate", bytes.NewReader(cfg.body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", cfg.tenantID)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

func printReport(w io.Writer, r *benchReport) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  BENCHMARK RESULTS")
	fmt.Fprintf(w, "   Requests:    %d\n", r.Requests)
	fmt.Fprintf(w, "   Errors:      %d\n", r.Errors)
	fmt.Fprintf(w, "   Duration:    %s\n", r.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "   Throughput:  %.1f req/s\n", r.Throughput)
	fmt.Fprintf(w, "   Latency p50: %s\n", r.P50)
	fmt.Fprintf(w, "   Latency p95: %s\n", r.P95)
	fmt.Fprintf(w, "   Latency p99: %s\n", r.P99)
	fmt.Fprintf(w, "   Latency max: %s\n", r.Max)
}
