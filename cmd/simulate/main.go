package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinio/slot-booking/internal/db"
)

// simulate fires N concurrent booking requests at the same slot through the
// HTTP API and reports how many won, how many got the expected conflict, and
// the latency spread. With the lock working, exactly one request wins.

type simConfig struct {
	APIBaseURL  string
	Workers     int
	PostgresDSN string
}

type result struct {
	status  int
	latency time.Duration
	err     error
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := simConfig{
		APIBaseURL:  getEnv("API_BASE_URL", "http://127.0.0.1:8080"),
		Workers:     getEnvInt("SIM_WORKERS", 20),
		PostgresDSN: os.Getenv("POSTGRES_DSN"),
	}
	if cfg.PostgresDSN == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	clinicID, doctorID, err := pickScheduledDoctor(ctx, pool)
	if err != nil {
		log.Fatalf("pick doctor: %v", err)
	}
	patients, err := pickPatients(ctx, pool, cfg.Workers)
	if err != nil {
		log.Fatalf("pick patients: %v", err)
	}

	date, start, end, err := firstOpenSlot(cfg.APIBaseURL, clinicID, doctorID)
	if err != nil {
		log.Fatalf("find open slot: %v", err)
	}

	log.Printf("targeting slot %s %s-%s doctor=%s with %d workers", date, start, end, doctorID, cfg.Workers)

	results := make([]result, cfg.Workers)
	var wg sync.WaitGroup
	var startGun sync.WaitGroup
	startGun.Add(1)

	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			startGun.Wait()
			results[i] = book(cfg.APIBaseURL, clinicID, doctorID, patients[i%len(patients)], date, start, end)
		}(i)
	}

	startGun.Done()
	wg.Wait()

	report(results)
}

func book(baseURL string, clinicID, doctorID, patientID uuid.UUID, date, start, end string) result {
	body, _ := json.Marshal(map[string]string{
		"clinic_id":  clinicID.String(),
		"doctor_id":  doctorID.String(),
		"patient_id": patientID.String(),
		"date":       date,
		"start_time": start,
		"end_time":   end,
	})

	t0 := time.Now()
	resp, err := http.Post(baseURL+"/appointments", "application/json", bytes.NewReader(body))
	latency := time.Since(t0)
	if err != nil {
		return result{err: err, latency: latency}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return result{status: resp.StatusCode, latency: latency}
}

func firstOpenSlot(baseURL string, clinicID, doctorID uuid.UUID) (date, start, end string, err error) {
	// Tomorrow avoids the past-time filter on today's slots.
	date = time.Now().AddDate(0, 0, 1).Format("2006-01-02")

	url := fmt.Sprintf("%s/slots?clinic_id=%s&doctor_id=%s&date=%s", baseURL, clinicID, doctorID, date)
	resp, err := http.Get(url)
	if err != nil {
		return "", "", "", err
	}
	defer resp.Body.Close()

	var payload struct {
		Slots []struct {
			Start     string `json:"start"`
			End       string `json:"end"`
			Available bool   `json:"available"`
		} `json:"slots"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", "", "", err
	}

	for _, s := range payload.Slots {
		if s.Available {
			return date, s.Start, s.End, nil
		}
	}
	return "", "", "", fmt.Errorf("no open slot on %s (is the doctor scheduled that weekday?)", date)
}

func pickScheduledDoctor(ctx context.Context, pool *pgxpool.Pool) (clinicID, doctorID uuid.UUID, err error) {
	err = pool.QueryRow(ctx, `
		SELECT ds.clinic_id, ds.doctor_id
		FROM doctor_schedules ds
		JOIN doctors d ON d.id = ds.doctor_id AND d.active
		LIMIT 1
	`).Scan(&clinicID, &doctorID)
	return clinicID, doctorID, err
}

func pickPatients(ctx context.Context, pool *pgxpool.Pool, limit int) ([]uuid.UUID, error) {
	rows, err := pool.Query(ctx, `SELECT id FROM patients LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no patients seeded")
	}
	return ids, rows.Err()
}

func report(results []result) {
	var created, conflict, other, failed int
	latencies := make([]time.Duration, 0, len(results))

	for _, r := range results {
		latencies = append(latencies, r.latency)
		switch {
		case r.err != nil:
			failed++
		case r.status == http.StatusCreated:
			created++
		case r.status == http.StatusConflict:
			conflict++
		default:
			other++
		}
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	p := func(q int) time.Duration {
		idx := len(latencies) * q / 100
		if idx >= len(latencies) {
			idx = len(latencies) - 1
		}
		return latencies[idx]
	}

	fmt.Printf("\nworkers:   %d\n", len(results))
	fmt.Printf("created:   %d (want exactly 1)\n", created)
	fmt.Printf("conflict:  %d\n", conflict)
	fmt.Printf("other:     %d\n", other)
	fmt.Printf("failed:    %d\n", failed)
	fmt.Printf("latency:   p50=%s p95=%s max=%s\n", p(50), p(95), latencies[len(latencies)-1])

	if created != 1 {
		fmt.Println("MUTUAL EXCLUSION VIOLATED")
		os.Exit(1)
	}
	fmt.Println("mutual exclusion held")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
