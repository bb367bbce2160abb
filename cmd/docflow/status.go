package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/docflow/docflow/internal/config"
)

var (
	statusAddr   string
	statusAPIKey string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the status of a running docflow server",
	Long: `Query GET /api/v1/status on a running server and print the JSON response.

The server address defaults to api.listen_addr from the configuration.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "server base URL (default http://<api.listen_addr>)")
	statusCmd.Flags().StringVar(&statusAPIKey, "api-key", os.Getenv("DOCFLOW_API_KEY"), "API key sent as X-API-Key")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	base := statusAddr
	if base == "" {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		base = baseURL(cfg.API.ListenAddr)
	}

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, base+"/api/v1/status", nil)
	if err != nil {
		return err
	}
	if statusAPIKey != "" {
		req.Header.Set("X-API-Key", statusAPIKey)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("query %s: %w", base, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, body)
	}

	var pretty map[string]any
	if err := json.Unmarshal(body, &pretty); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(pretty)
}

// baseURL turns a listen address such as ":8080" into a loopback URL.
func baseURL(listen string) string {
	if len(listen) > 0 && listen[0] == ':' {
		return "http://127.0.0.1" + listen
	}
	return "http://" + listen
}
