package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"
)

type healthResponse struct {
	Status string `json:"status"`
	Sync   string `json:"sync"`
}

func main() {
	url := flag.String("url", "http://localhost:8080/health", "health endpoint")
	timeout := flag.Duration("timeout", 5*time.Second, "request timeout")
	flag.Parse()

	fmt.Println("waterWise Health Check Utility")
	fmt.Println("------------------------------")

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	health, err := checkServiceHealth(ctx, http.DefaultClient, *url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Service is healthy! (sync: %s)\n", health.Sync)
}

func checkServiceHealth(ctx context.Context, client *http.Client, url string) (healthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return healthResponse{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return healthResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return healthResponse{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var h healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return healthResponse{}, fmt.Errorf("decode response: %w", err)
	}
	if h.Status != "ok" {
		return h, fmt.Errorf("status %q", h.Status)
	}
	return h, nil
}
