package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/health"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/types"
)

func newStatusCmd() *cobra.Command {
	var server string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show health and aggregate metrics of a running server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			report, metrics, err := fetchStatus(ctx, http.DefaultClient, server)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderStatus(server, report, metrics))
			if !report.Ready() {
				return fmt.Errorf("server is %s", report.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://127.0.0.1:5000", "Server base URL")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")
	return cmd
}

// fetchStatus reads /readiness and /metrics. A 503 readiness still carries
// the report and is not an error here.
func fetchStatus(ctx context.Context, client *http.Client, server string) (health.Report, types.MetricsSnapshot, error) {
	server = strings.TrimSuffix(server, "/")

	var report health.Report
	if err := getJSON(ctx, client, server+"/readiness", &report, http.StatusOK, http.StatusServiceUnavailable); err != nil {
		return health.Report{}, types.MetricsSnapshot{}, err
	}
	var metrics types.MetricsSnapshot
	if err := getJSON(ctx, client, server+"/metrics", &metrics, http.StatusOK); err != nil {
		return health.Report{}, types.MetricsSnapshot{}, err
	}
	return report, metrics, nil
}

func getJSON(ctx context.Context, client *http.Client, url string, dst any, accept ...int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("status: build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("status: GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	ok := false
	for _, code := range accept {
		ok = ok || resp.StatusCode == code
	}
	if !ok {
		return fmt.Errorf("status: GET %s: unexpected status %s", url, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("status: decode %s: %w", url, err)
	}
	return nil
}
