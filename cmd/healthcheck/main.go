// Package main is a minimal HTTP health check binary for use in distroless
// containers. It exits 0 when the gateway's /health endpoint returns HTTP 200,
// and 1 otherwise. The port is read from CHORECOACH_PORT (default 8080).
package main

import (
	"net/http"
	"os"
	"strconv"
	"time"
)

func main() {
	port := 8080
	if v := os.Getenv("CHORECOACH_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			port = p
		}
	}

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get("http://localhost:" + strconv.Itoa(port) + "/health")
	if err != nil {
		os.Exit(1)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		os.Exit(1)
	}
}
