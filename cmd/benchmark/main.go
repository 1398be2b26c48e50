package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	poolSize    int
)

// Metrics
var (
	totalRequests uint64
	success200    uint64 // Idempotent replays
	success201    uint64 // Created
	fail409       uint64 // Conflicts (Aborts)
	fail422       uint64 // Rejections (insufficient funds etc.)
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.IntVar(&poolSize, "accounts", 100, "Number of accounts to create and fund before the run")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	accounts, err := setupAccounts()
	if err != nil {
		log.Fatalf("Account setup failed: %v", err)
	}

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, accounts)
	}

	wg.Wait()
	printResults(time.Since(start))
}

// setupAccounts creates and funds the working set through the public API.
func setupAccounts() ([]string, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	ids := make([]string, 0, poolSize)

	for i := 0; i < poolSize; i++ {
		body, _ := json.Marshal(map[string]string{
			"name":     fmt.Sprintf("bench-account-%04d", i),
			"currency": "USD",
		})
		resp, err := client.Post(targetURL+"/api/v1/accounts", "application/json", bytes.NewBuffer(body))
		if err != nil {
			return nil, err
		}
		var created struct {
			ID string `json:"id"`
		}
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != 201 {
			return nil, fmt.Errorf("account creation returned %d: %s", resp.StatusCode, raw)
		}
		if err := json.Unmarshal(raw, &created); err != nil {
			return nil, err
		}
		ids = append(ids, created.ID)

		deposit, _ := json.Marshal(map[string]interface{}{
			"kind":                   "DEPOSIT",
			"amount":                 "1000.00",
			"currency":               "USD",
			"destination_account_id": created.ID,
		})
		req, _ := http.NewRequest("POST", targetURL+"/api/v1/transactions", bytes.NewBuffer(deposit))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", fmt.Sprintf("bench-fund-%s", created.ID))
		fresp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		io.Copy(io.Discard, fresp.Body)
		fresp.Body.Close()
		if fresp.StatusCode != 201 && fresp.StatusCode != 200 {
			return nil, fmt.Errorf("funding deposit returned %d", fresp.StatusCode)
		}
	}
	return ids, nil
}

func worker(wg *sync.WaitGroup, accounts []string) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}
	deadline := time.Now().Add(duration)

	for time.Now().Before(deadline) {
		from, to := pickAccounts(accounts)

		// Unique key per request for throughput; contention comes from the
		// shared account rows, not key collisions.
		key := fmt.Sprintf("bench-%s-%s-%d", from[:8], to[:8], time.Now().UnixNano())

		payload := map[string]interface{}{
			"kind":                   "TRANSFER",
			"amount":                 "1.00",
			"currency":               "USD",
			"source_account_id":      from,
			"destination_account_id": to,
		}
		body, _ := json.Marshal(payload)

		req, _ := http.NewRequest("POST", targetURL+"/api/v1/transactions", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", key)

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case 201:
			atomic.AddUint64(&success201, 1)
		case 200:
			atomic.AddUint64(&success200, 1)
		case 409:
			atomic.AddUint64(&fail409, 1)
		case 422:
			atomic.AddUint64(&fail422, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}

func pickAccounts(accounts []string) (string, string) {
	if workload == "hotspot" {
		// Hotspot: 90% of traffic bounces between the first two accounts
		if rand.Float32() < 0.90 {
			if rand.Float32() < 0.5 {
				return accounts[0], accounts[1]
			}
			return accounts[1], accounts[0]
		}
	}

	// Uniform Random
	a := rand.Intn(len(accounts))
	b := rand.Intn(len(accounts))
	for a == b {
		b = rand.Intn(len(accounts))
	}
	return accounts[a], accounts[b]
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	s201 := atomic.LoadUint64(&success201)
	s200 := atomic.LoadUint64(&success200)
	f409 := atomic.LoadUint64(&fail409)
	f422 := atomic.LoadUint64(&fail422)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()
	abortRate := float64(f409) / float64(total) * 100

	results := map[string]interface{}{
		"workload":        workload,
		"duration_sec":    d.Seconds(),
		"total_requests":  total,
		"throughput_tps":  tps,
		"success_created": s201,
		"success_replay":  s200,
		"aborts_conflict": f409,
		"rejected":        f422,
		"abort_rate_pct":  abortRate,
		"errors":          fErr,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, _ := os.Create(filename)
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
