// Benchmark tool for replaying the hotel-reservations dataset against Keelguard.
//
// Usage:
//
//	go run ./cmd/benchmark -csv /path/to/Hotel_Reservations.csv -url http://localhost:8080
//
// Each row becomes a booked event for its own guest. The engine's highRisk
// verdict is compared with the row's booking_status to report precision,
// recall, F1-score and the confusion matrix.
package main

import (
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/keelguard/internal/domain"
)

// Reservation is one row of the hotel-reservations dataset.
type Reservation struct {
	BookingID             string
	Adults                int
	Children              int
	WeekendNights         int
	WeekNights            int
	LeadTime              float64
	MarketSegment         string
	PreviousCancellations int
	PreviousNotCanceled   int
	AvgPricePerRoom       float64
	SpecialRequests       int
	Canceled              bool
}

// IngestResponse is the subset of the ingest response the benchmark reads.
type IngestResponse struct {
	Assessment struct {
		Probability float64  `json:"probability"`
		HighRisk    bool     `json:"highRisk"`
		Tier        string   `json:"tier"`
		Indicators  []string `json:"indicators"`
	} `json:"assessment"`
}

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64 // Canceled booking scored high risk
	FalsePositives int64 // Kept booking scored high risk
	TrueNegatives  int64 // Kept booking scored low risk
	FalseNegatives int64 // Canceled booking scored low risk

	TotalProcessed   int64
	TotalCanceled    int64
	TotalNotCanceled int64
	TotalErrors      int64
	ProcessingTimeMs int64
}

func main() {
	csvPath := flag.String("csv", "", "Path to the hotel reservations CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Keelguard base URL")
	limit := flag.Int("limit", 10000, "Maximum rows to replay (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	canceledOnly := flag.Bool("canceled-only", false, "Only replay canceled bookings")
	verbose := flag.Bool("verbose", false, "Print each booking result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/Hotel_Reservations.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("+---------------------------------------------------------------+")
	fmt.Println("|      KEELGUARD BENCHMARK - Hotel Reservation Cancellations     |")
	fmt.Println("+---------------------------------------------------------------+")
	fmt.Printf("\nCSV File:      %s\n", *csvPath)
	fmt.Printf("Keelguard URL: %s\n", *baseURL)
	fmt.Printf("Workers:       %d\n", *workers)
	fmt.Printf("Limit:         %d\n", *limit)
	fmt.Println()

	client := resty.New().
		SetBaseURL(strings.TrimRight(*baseURL, "/")).
		SetTimeout(10*time.Second).
		SetHeader("Content-Type", "application/json")

	if err := checkHealth(client); err != nil {
		fmt.Printf("ERROR: Keelguard not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Keelguard is running:")
		fmt.Println("  go run ./cmd/keelguard")
		os.Exit(1)
	}
	fmt.Println("Keelguard is healthy")

	fmt.Printf("\nReading reservations from %s...\n", *csvPath)
	rows, err := readReservations(*csvPath, *limit, *canceledOnly)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	if len(rows) == 0 {
		fmt.Println("ERROR: no reservations found")
		os.Exit(1)
	}
	fmt.Printf("Loaded %d reservations\n", len(rows))

	canceled := 0
	for _, r := range rows {
		if r.Canceled {
			canceled++
		}
	}
	fmt.Printf("  - Canceled:     %d (%.2f%%)\n", canceled, 100*float64(canceled)/float64(len(rows)))
	fmt.Printf("  - Not canceled: %d (%.2f%%)\n", len(rows)-canceled, 100*float64(len(rows)-canceled)/float64(len(rows)))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	start := time.Now()
	metrics := runBenchmark(client, rows, *workers, *verbose)
	printResults(metrics, time.Since(start))
}

func checkHealth(client *resty.Client) error {
	resp, err := client.R().Get("/health")
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode())
	}
	return nil
}

func readReservations(path string, limit int, canceledOnly bool) ([]Reservation, error) {
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
	for _, required := range []string{"booking_id", "lead_time", "booking_status"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("missing column %s", required)
		}
	}

	field := func(record []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}
	num := func(record []string, name string) float64 {
		v, _ := strconv.ParseFloat(field(record, name), 64)
		return v
	}
	integer := func(record []string, name string) int {
		v, _ := strconv.Atoi(field(record, name))
		return v
	}

	var rows []Reservation
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		r := Reservation{
			BookingID:             field(record, "booking_id"),
			Adults:                integer(record, "no_of_adults"),
			Children:              integer(record, "no_of_children"),
			WeekendNights:         integer(record, "no_of_weekend_nights"),
			WeekNights:            integer(record, "no_of_week_nights"),
			LeadTime:              num(record, "lead_time"),
			MarketSegment:         field(record, "market_segment_type"),
			PreviousCancellations: integer(record, "no_of_previous_cancellations"),
			PreviousNotCanceled:   integer(record, "no_of_previous_bookings_not_canceled"),
			AvgPricePerRoom:       num(record, "avg_price_per_room"),
			SpecialRequests:       integer(record, "no_of_special_requests"),
			Canceled:              strings.EqualFold(field(record, "booking_status"), "Canceled"),
		}
		if r.BookingID == "" || (canceledOnly && !r.Canceled) {
			continue
		}
		rows = append(rows, r)

		if limit > 0 && len(rows) >= limit {
			break
		}
	}
	return rows, nil
}

func toEvent(r Reservation) domain.BookingEvent {
	nights := r.WeekendNights + r.WeekNights
	return domain.BookingEvent{
		ID:                          "bench-" + r.BookingID,
		UserID:                      "guest-" + r.BookingID,
		PropertyID:                  "hotel",
		BookingID:                   r.BookingID,
		Type:                        domain.EventBooked,
		LeadTimeDays:                r.LeadTime,
		StayNights:                  nights,
		Adults:                      r.Adults,
		Children:                    r.Children,
		Price:                       decimal.NewFromFloat(r.AvgPricePerRoom).Mul(decimal.NewFromInt(int64(max(nights, 1)))),
		MarketSegment:               r.MarketSegment,
		PreviousCancellations:       r.PreviousCancellations,
		PreviousBookingsNotCanceled: r.PreviousNotCanceled,
		SpecialRequests:             r.SpecialRequests,
		OccurredAt:                  time.Now().UTC(),
	}
}

func runBenchmark(client *resty.Client, rows []Reservation, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}
	work := make(chan Reservation, 100)
	var wg sync.WaitGroup

	for i := 0; i < max(numWorkers, 1); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := range work {
				start := time.Now()
				result, err := ingest(client, r)
				atomic.AddInt64(&metrics.ProcessingTimeMs, time.Since(start).Milliseconds())
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", r.BookingID, err)
					}
					continue
				}

				if r.Canceled {
					atomic.AddInt64(&metrics.TotalCanceled, 1)
				} else {
					atomic.AddInt64(&metrics.TotalNotCanceled, 1)
				}

				predicted := result.Assessment.HighRisk
				switch {
				case predicted && r.Canceled:
					atomic.AddInt64(&metrics.TruePositives, 1)
				case predicted && !r.Canceled:
					atomic.AddInt64(&metrics.FalsePositives, 1)
				case !predicted && !r.Canceled:
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				default:
					atomic.AddInt64(&metrics.FalseNegatives, 1)
				}

				if verbose {
					mark := "ok"
					if predicted != r.Canceled {
						mark = "xx"
					}
					fmt.Printf("%s %-10s | Lead: %5.0fd | Canceled: %-5v | Tier: %-9s (%.2f) | %s\n",
						mark,
						r.BookingID,
						r.LeadTime,
						r.Canceled,
						result.Assessment.Tier,
						result.Assessment.Probability,
						strings.Join(result.Assessment.Indicators, "; "),
					)
				}
			}
		}()
	}

	for _, r := range rows {
		work <- r
	}
	close(work)
	wg.Wait()

	return metrics
}

func ingest(client *resty.Client, r Reservation) (*IngestResponse, error) {
	var result IngestResponse
	resp, err := client.R().
		SetBody(toEvent(r)).
		SetResult(&result).
		Post("/booking-events")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n+---------------------------------------------------------------+")
	fmt.Println("|                       BENCHMARK RESULTS                       |")
	fmt.Println("+---------------------------------------------------------------+")

	fmt.Printf("\nDATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Canceled:         %d\n", m.TotalCanceled)
	fmt.Printf("   Not Canceled:     %d\n", m.TotalNotCanceled)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                    HIGH        LOW")
	fmt.Println("              +----------+----------+")
	fmt.Printf("   Actual  C  | %8d | %8d |  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              +----------+----------+")
	fmt.Printf("          NC  | %8d | %8d |  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              +----------+----------+")

	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}
	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}
	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}
	accuracy := float64(0)
	if total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives; total > 0 {
		accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}

	fmt.Printf("\nDETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of high-risk verdicts, how many were canceled)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of canceled bookings, how many scored high risk)\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)
	fmt.Printf("   Accuracy:   %.4f\n", accuracy)

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		fmt.Printf("   Avg Latency:      %.2f ms\n", float64(m.ProcessingTimeMs)/float64(m.TotalProcessed))
		fmt.Printf("   Throughput:       %.2f events/sec\n", float64(m.TotalProcessed)/duration.Seconds())
	}
	fmt.Println()
}
