// Package main — applylatency/main.go
//
// ApplyHeader+Save round-trip latency measurement tool.
//
// Measures the wall-clock time of one full dispatch cycle — LoadByAddr,
// ApplyHeader, Save — against a real sqlite-backed internal/storage.Store,
// for an already-known peer address (the common case on a warm daemon).
//
// Method:
//  1. Opens a throwaway sqlite database and seeds one peer via
//     InitFromHeader + Save(create=true).
//  2. In a tight loop, applies a direct header with a strictly increasing
//     timestamp and new key bytes (so ApplyHeader's monotonicity guard
//     passes and every iteration replaces the stored key and takes the
//     full-UPDATE save path) and saves the result. The synthetic key bytes
//     are not parseable OpenPGP, so the fingerprint stays empty.
//  3. Measures each iteration's wall-clock time with
//     runtime.LockOSThread() held, to minimise scheduling jitter.
//  4. Results are written to a CSV file and a p50/p95/p99 summary is
//     printed.
//
// Output CSV columns: iteration, latency_us.
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/autocryptd/autocryptd/internal/header"
	"github.com/autocryptd/autocryptd/internal/key"
	"github.com/autocryptd/autocryptd/internal/peerstate"
	"github.com/autocryptd/autocryptd/internal/storage"
)

func main() {
	iterations := flag.Int("iterations", 10000, "Number of ApplyHeader+Save round trips to measure")
	outputFile := flag.String("output", "applylatency_raw.csv", "Output CSV file path")
	dbPath := flag.String("db", "applylatency_bench.db", "Path to the scratch sqlite database")
	flag.Parse()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	store, err := storage.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage.Open: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()
	defer os.Remove(*dbPath)

	const addr = "bench@autocryptd.local"
	var ps peerstate.PeerState
	ps.InitFromHeader(header.Header{
		Addr:          addr,
		PreferEncrypt: header.PreferMutual,
		PublicKey:     key.FromBytes([]byte("seed-key-0")),
	}, 1)
	if err := store.Save(&ps, true); err != nil {
		fmt.Fprintf(os.Stderr, "seed save: %v\n", err)
		os.Exit(1)
	}

	f, err := os.Create(*outputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create output: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	_ = w.Write([]string{"iteration", "latency_us"})

	const bucketCount = 10001
	var hist [bucketCount]int

	for i := 0; i < *iterations; i++ {
		start := time.Now()

		loaded, found, err := store.LoadByAddr(addr)
		if err != nil || !found {
			fmt.Fprintf(os.Stderr, "iteration %d: LoadByAddr failed: %v found=%v\n", i, err, found)
			os.Exit(1)
		}
		loaded.ApplyHeader(header.Header{
			Addr:          addr,
			PreferEncrypt: header.PreferMutual,
			PublicKey:     key.FromBytes([]byte(fmt.Sprintf("bench-key-%d", i))),
		}, int64(i)+2)
		if err := store.Save(&loaded, false); err != nil {
			fmt.Fprintf(os.Stderr, "iteration %d: Save failed: %v\n", i, err)
			os.Exit(1)
		}

		latencyUs := int(time.Since(start).Microseconds())
		if latencyUs < bucketCount {
			hist[latencyUs]++
		} else {
			hist[bucketCount-1]++
		}
		_ = w.Write([]string{strconv.Itoa(i), strconv.Itoa(latencyUs)})
	}

	p50, p95, p99 := computePercentiles(hist[:], *iterations)

	fmt.Printf("ApplyHeader+Save Latency Results (%d iterations)\n", *iterations)
	fmt.Printf("  p50: %dµs\n", p50)
	fmt.Printf("  p95: %dµs\n", p95)
	fmt.Printf("  p99: %dµs\n", p99)
	fmt.Printf("  Output: %s\n", *outputFile)
}

func computePercentiles(hist []int, total int) (p50, p95, p99 int) {
	targets := []struct {
		pct float64
		out *int
	}{
		{0.50, &p50},
		{0.95, &p95},
		{0.99, &p99},
	}
	cumulative := 0
	ti := 0
	for i, count := range hist {
		cumulative += count
		for ti < len(targets) && float64(cumulative) >= targets[ti].pct*float64(total) {
			*targets[ti].out = i
			ti++
		}
		if ti == len(targets) {
			break
		}
	}
	return
}
