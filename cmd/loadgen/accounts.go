package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// accountRegistrar upserts simulated accounts so signups and retention
// cohorts have something to count.
type accountRegistrar struct {
	endpoint string
	http     *http.Client
}

func newAccountRegistrar(endpoint string) *accountRegistrar {
	return &accountRegistrar{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     &http.Client{Timeout: 10 * time.Second},
	}
}

// register creates users 1..n, spreading their signup times over the
// previous days so every cohort has members.
func (a *accountRegistrar) register(ctx context.Context, n, days int, now time.Time) error {
	for id := 1; id <= n; id++ {
		created := now.Add(-time.Duration(id%days) * 24 * time.Hour).Add(-time.Duration(id%24) * time.Hour)
		if err := a.put(ctx, int64(id), created); err != nil {
			return err
		}
	}
	return nil
}

func (a *accountRegistrar) put(ctx context.Context, id int64, created time.Time) error {
	body, err := json.Marshal(map[string]string{"createdAt": created.UTC().Format(time.RFC3339)})
	if err != nil {
		return err
	}
	url := a.endpoint + "/v1/accounts/" + strconv.FormatInt(id, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("register account %d: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("register account %d: status %d", id, resp.StatusCode)
	}
	return nil
}
