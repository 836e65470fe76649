// Benchmark drives a running Kestrel with purchases and checks that every
// ledger balance equals the points awarded to it.
//
// Usage:
//
//	go run ./cmd/benchmark -url http://localhost:8080 -purchases 5000
//	go run ./cmd/benchmark -csv purchases.csv
//
// The CSV needs the columns customer_id, merchant_id, amount, product_id and
// quantity. Each purchase is recorded, finalized, and finalized again; the
// second call must be rejected with 409.
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Purchase is one line of load.
type Purchase struct {
	CustomerID string
	MerchantID string
	Amount     decimal.Decimal
	ProductID  string
	Quantity   int64
}

type pair struct{ customer, merchant string }

// Metrics tracks benchmark results.
type Metrics struct {
	Processed          atomic.Int64
	Errors             atomic.Int64
	DuplicatesRejected atomic.Int64
	DuplicatesAccepted atomic.Int64
	PointsAwarded      atomic.Int64
	LatencyMs          atomic.Int64

	mu       sync.Mutex
	expected map[pair]int64
}

func (m *Metrics) credit(p pair, points int64) {
	m.mu.Lock()
	m.expected[p] += points
	m.mu.Unlock()
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	csvPath := flag.String("csv", "", "Optional purchase CSV; synthetic load when empty")
	purchases := flag.Int("purchases", 1000, "Synthetic purchases to send")
	customers := flag.Int("customers", 50, "Distinct synthetic customers")
	merchants := flag.Int("merchants", 5, "Distinct synthetic merchants")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed for synthetic load")
	verbose := flag.Bool("verbose", false, "Print each purchase result")
	flag.Parse()

	fmt.Println("KESTREL BENCHMARK - award consistency")
	fmt.Printf("\nKestrel URL: %s\n", *baseURL)
	fmt.Printf("Workers:     %d\n\n", *workers)

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		os.Exit(1)
	}
	fmt.Println("Kestrel is healthy")

	// Customers get a per-run prefix so every ledger pair starts empty.
	run := uuid.New().String()[:8]

	var load []Purchase
	var err error
	if *csvPath != "" {
		load, err = readCSV(*csvPath, run)
	} else {
		load = synthesize(*purchases, *customers, *merchants, *seed, run)
	}
	if err != nil {
		fmt.Printf("ERROR: failed to read purchases: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d purchases (run %s)\n", len(load), run)

	client := &http.Client{Timeout: 10 * time.Second}
	start := time.Now()
	metrics := runBenchmark(client, *baseURL, load, *workers, *verbose)
	duration := time.Since(start)

	mismatches := verify(client, *baseURL, metrics)
	printResults(metrics, duration, mismatches)
	if mismatches > 0 || metrics.DuplicatesAccepted.Load() > 0 {
		os.Exit(2)
	}
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func synthesize(n, customers, merchants int, seed int64, run string) []Purchase {
	rng := rand.New(rand.NewSource(seed))
	out := make([]Purchase, n)
	for i := range out {
		cents := rng.Int63n(100000) + 1
		out[i] = Purchase{
			CustomerID: fmt.Sprintf("%s-c-%d", run, rng.Intn(customers)),
			MerchantID: fmt.Sprintf("m-%d", rng.Intn(merchants)),
			Amount:     decimal.New(cents, -2),
			ProductID:  fmt.Sprintf("p-%d", rng.Intn(20)),
			Quantity:   rng.Int63n(5) + 1,
		}
	}
	return out
}

func readCSV(path, run string) ([]Purchase, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range []string{"customer_id", "merchant_id", "amount", "product_id", "quantity"} {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}

	var out []Purchase
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue
		}
		amount, err := decimal.NewFromString(record[col["amount"]])
		if err != nil {
			continue
		}
		qty, _ := strconv.ParseInt(record[col["quantity"]], 10, 64)
		out = append(out, Purchase{
			CustomerID: run + "-" + record[col["customer_id"]],
			MerchantID: record[col["merchant_id"]],
			Amount:     amount,
			ProductID:  record[col["product_id"]],
			Quantity:   qty,
		})
	}
	return out, nil
}

func runBenchmark(client *http.Client, baseURL string, load []Purchase, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{expected: make(map[pair]int64)}
	work := make(chan Purchase, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range work {
				began := time.Now()
				result, dupStatus, err := award(client, baseURL, p)
				metrics.LatencyMs.Add(time.Since(began).Milliseconds())
				metrics.Processed.Add(1)

				if err != nil {
					metrics.Errors.Add(1)
					if verbose {
						fmt.Printf("ERROR %s@%s: %v\n", p.CustomerID, p.MerchantID, err)
					}
					continue
				}

				metrics.PointsAwarded.Add(result.Points)
				metrics.credit(pair{p.CustomerID, p.MerchantID}, result.Points)
				if dupStatus == http.StatusConflict {
					metrics.DuplicatesRejected.Add(1)
				} else {
					metrics.DuplicatesAccepted.Add(1)
				}

				if verbose {
					fmt.Printf("%-20s %-6s amount %10s -> %6d points\n", p.CustomerID, p.MerchantID, p.Amount.StringFixed(2), result.Points)
				}
			}
		}()
	}

	for _, p := range load {
		work <- p
	}
	close(work)
	wg.Wait()
	return metrics
}

// award records and finalizes p, then repeats the finalize and returns its status.
func award(client *http.Client, baseURL string, p Purchase) (*domain.AwardResult, int, error) {
	var tx domain.Transaction
	status, err := call(client, http.MethodPost, baseURL+"/transactions", map[string]any{
		"merchantId": p.MerchantID,
		"customerId": p.CustomerID,
		"amount":     p.Amount,
		"items":      []domain.LineItem{{ProductID: p.ProductID, Quantity: p.Quantity}},
	}, &tx)
	if err != nil {
		return nil, 0, err
	}
	if status != http.StatusCreated {
		return nil, 0, fmt.Errorf("record: status %d", status)
	}

	var result domain.AwardResult
	finalizeURL := baseURL + "/transactions/" + tx.ID + "/finalize"
	status, err = call(client, http.MethodPost, finalizeURL, nil, &result)
	if err != nil {
		return nil, 0, err
	}
	if status != http.StatusOK {
		return nil, 0, fmt.Errorf("finalize: status %d", status)
	}

	dupStatus, err := call(client, http.MethodPost, finalizeURL, nil, nil)
	if err != nil {
		return nil, 0, err
	}
	return &result, dupStatus, nil
}

func call(client *http.Client, method, url string, body, out any) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

// verify compares every touched balance with the points awarded to it.
func verify(client *http.Client, baseURL string, m *Metrics) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	pairs := make([]pair, 0, len(m.expected))
	for p := range m.expected {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].customer != pairs[j].customer {
			return pairs[i].customer < pairs[j].customer
		}
		return pairs[i].merchant < pairs[j].merchant
	})

	mismatches := 0
	for _, p := range pairs {
		var entry domain.LedgerEntry
		status, err := call(client, http.MethodGet, baseURL+"/ledger/"+p.customer+"/"+p.merchant, nil, &entry)
		if err != nil || status != http.StatusOK {
			fmt.Printf("MISMATCH %s@%s: balance unavailable (status %d, %v)\n", p.customer, p.merchant, status, err)
			mismatches++
			continue
		}
		want := m.expected[p]
		if entry.Balance != want || entry.TotalEarned != want {
			fmt.Printf("MISMATCH %s@%s: balance %d, earned %d, awarded %d\n", p.customer, p.merchant, entry.Balance, entry.TotalEarned, want)
			mismatches++
		}
	}
	return mismatches
}

func printResults(m *Metrics, duration time.Duration, mismatches int) {
	processed := m.Processed.Load()
	fmt.Println("\nBENCHMARK RESULTS")
	fmt.Printf("   Purchases:            %d\n", processed)
	fmt.Printf("   Errors:               %d\n", m.Errors.Load())
	fmt.Printf("   Points awarded:       %d\n", m.PointsAwarded.Load())
	fmt.Printf("   Duplicates rejected:  %d\n", m.DuplicatesRejected.Load())
	fmt.Printf("   Duplicates accepted:  %d\n", m.DuplicatesAccepted.Load())
	fmt.Printf("   Ledger mismatches:    %d\n", mismatches)

	fmt.Println("\nPERFORMANCE")
	fmt.Printf("   Duration:             %s\n", duration.Round(time.Millisecond))
	if processed > 0 {
		fmt.Printf("   Avg latency:          %.2f ms per purchase\n", float64(m.LatencyMs.Load())/float64(processed))
		fmt.Printf("   Throughput:           %.1f purchases/s\n", float64(processed)/duration.Seconds())
	}
}
