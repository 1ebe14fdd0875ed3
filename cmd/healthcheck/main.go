// Command healthcheck checks the bridge's /healthz (or /readyz with -ready)
// and exits non-zero when it does not answer 200. It is meant for container
// HEALTHCHECK directives and supervisor scripts.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/onnwee/admiral/config"
)

func main() {
	ready := flag.Bool("ready", false, "check /readyz instead of /healthz")
	timeout := flag.Duration("timeout", 3*time.Second, "request timeout")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	path := "/healthz"
	if *ready {
		path = "/readyz"
	}
	if err := checkHealth(context.Background(), &http.Client{Timeout: *timeout}, "http://"+cfg.HTTPAddr+path, cfg.BridgeToken); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func checkHealth(ctx context.Context, client *http.Client, url, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("X-Bridge-Token", token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: HTTP %d %s", url, resp.StatusCode, body)
	}
	return nil
}
