// Demo traffic generator: writes synthetic order stats against a running
// server and reads them back, as a quick end-to-end smoke check.
//
// Usage:
//
//	go run ./cmd/demo -server http://localhost:8080
package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/trifle-io/stats/pkg/bucket"
	"github.com/trifle-io/stats/pkg/client"
)

func main() {
	serverURL := flag.String("server", "http://localhost:8080", "server base URL")
	interval := flag.Duration("interval", 2*time.Second, "delay between writes")
	flag.Parse()

	c, err := client.New(client.Config{BaseURL: *serverURL})
	if err != nil {
		log.Fatalf("client: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	if err := c.Health(ctx); err != nil {
		log.Fatalf("server not healthy: %v", err)
	}
	log.Printf("writing demo traffic to %s every %s, Ctrl-C to stop", *serverURL, *interval)

	statuses := []string{"ok", "ok", "ok", "error", "timeout"}
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	n := 0
	for {
		select {
		case <-ctx.Done():
			summarize(c)
			return
		case <-ticker.C:
			n++
			status := statuses[rand.Intn(len(statuses))]
			revenue := 5 + rand.Float64()*45

			err := c.Track(ctx, "demo.orders", time.Now(), map[string]any{
				"count":   1,
				"revenue": map[string]any{"eur": revenue},
				"status":  map[string]any{status: 1},
			})
			if err != nil {
				log.Printf("track #%d failed: %v", n, err)
				continue
			}

			// Keep a live queue-depth snapshot alongside the counters
			if n%5 == 0 {
				err := c.Beam(ctx, "demo.queue", time.Now(), map[string]any{
					"depth": rand.Intn(50),
				})
				if err != nil {
					log.Printf("beam failed: %v", err)
				}
			}
			log.Printf("track #%d: status=%s revenue=%.2f", n, status, revenue)
		}
	}
}

func summarize(c *client.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now()
	result, err := c.Values(ctx, "demo.orders", now.Add(-time.Hour), now, bucket.Hour,
		client.ValuesOptions{Path: "count", Op: "sum"})
	if err != nil {
		log.Printf("summary query failed: %v", err)
		return
	}
	total := 0.0
	if result.Aggregate != nil {
		total = *result.Aggregate
	}
	log.Printf("done: %d buckets, %.0f orders tracked in the last hour", len(result.Points), total)
}
