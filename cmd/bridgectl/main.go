// Command bridgectl is the admin API's command-line client: a small cobra
// binary that does nothing but call an HTTP API and print its JSON
// response.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	adminAPI string
	token    string
)

const defaultAdminAPI = "http://127.0.0.1:29320/admin"

var rootCmd = &cobra.Command{
	Use:   "bridgectl",
	Short: "Admin client for the Matrix <-> Feishu bridge's provisioning API",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&adminAPI, "admin-api", defaultAdminAPI, "admin API base URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "bearer token; defaults to scope-ordered environment variables")

	rootCmd.AddCommand(statusCmd, mappingsCmd, replayCmd, deadLetterCleanupCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show bridge runtime status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGet("/status", scopeRead, nil)
	},
}

var (
	mappingsLimit  int
	mappingsOffset int
)

var mappingsCmd = &cobra.Command{
	Use:   "mappings",
	Short: "List current Matrix <-> Feishu room mappings",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGet("/mappings", scopeRead, map[string]string{
			"limit":  strconv.Itoa(mappingsLimit),
			"offset": strconv.Itoa(mappingsOffset),
		})
	},
}

func init() {
	mappingsCmd.Flags().IntVar(&mappingsLimit, "limit", 100, "maximum rows to return")
	mappingsCmd.Flags().IntVar(&mappingsOffset, "offset", 0, "rows to skip")
}

var (
	replayID     int64
	replayStatus string
	replayLimit  int
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay one dead letter by id, or a batch selected by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		if replayID != 0 {
			return runPost(fmt.Sprintf("/dead-letters/%d/replay", replayID), scopeWrite, map[string]any{})
		}
		return runPost("/dead-letters/replay", scopeWrite, map[string]any{
			"status": replayStatus,
			"limit":  maxInt(replayLimit, 1),
		})
	},
}

func init() {
	replayCmd.Flags().Int64Var(&replayID, "id", 0, "replay a specific dead letter id")
	replayCmd.Flags().StringVar(&replayStatus, "status", "", "batch replay filter status (used when --id is absent)")
	replayCmd.Flags().IntVar(&replayLimit, "limit", 20, "batch replay size (used when --id is absent)")
}

var (
	cleanupStatus         string
	cleanupOlderThanHours int
	cleanupLimit          int
	cleanupDryRun         bool
)

var deadLetterCleanupCmd = &cobra.Command{
	Use:   "dead-letter-cleanup",
	Short: "Delete dead letters matching a status/age filter",
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{
			"status":  cleanupStatus,
			"limit":   maxInt(cleanupLimit, 1),
			"dry_run": cleanupDryRun,
		}
		if cleanupOlderThanHours > 0 {
			body["older_than"] = time.Now().Add(-time.Duration(cleanupOlderThanHours) * time.Hour).UTC().Format(time.RFC3339)
		}
		return runPost("/dead-letters/cleanup", scopeDelete, body)
	},
}

func init() {
	deadLetterCleanupCmd.Flags().StringVar(&cleanupStatus, "status", "", "dead letter status filter")
	deadLetterCleanupCmd.Flags().IntVar(&cleanupOlderThanHours, "older-than-hours", 0, "only delete dead letters older than this many hours")
	deadLetterCleanupCmd.Flags().IntVar(&cleanupLimit, "limit", 200, "maximum rows to delete")
	deadLetterCleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "report what would be deleted without deleting")
}

type scope int

const (
	scopeRead scope = iota
	scopeWrite
	scopeDelete
)

// resolveToken follows the scope-ordered environment variable fallback
// chain: a higher-scoped token also satisfies a lower-scoped
// call, so each tier falls back to every tier above it.
func resolveToken(s scope) string {
	if token != "" {
		return token
	}
	var names []string
	switch s {
	case scopeRead:
		names = []string{"READ_TOKEN", "WRITE_TOKEN", "DELETE_TOKEN", "ADMIN_TOKEN", "PROVISIONING_TOKEN"}
	case scopeWrite:
		names = []string{"WRITE_TOKEN", "DELETE_TOKEN", "ADMIN_TOKEN", "PROVISIONING_TOKEN"}
	case scopeDelete:
		names = []string{"DELETE_TOKEN", "ADMIN_TOKEN", "PROVISIONING_TOKEN"}
	}
	for _, name := range names {
		if v := os.Getenv(envPrefix + name); v != "" {
			return v
		}
	}
	return ""
}

const envPrefix = "MATRIX_BRIDGE_FEISHU_PROVISIONING_"

func runGet(path string, s scope, query map[string]string) error {
	url := strings.TrimRight(adminAPI, "/") + path
	if len(query) > 0 {
		var parts []string
		for k, v := range query {
			parts = append(parts, k+"="+v)
		}
		url += "?" + strings.Join(parts, "&")
	}
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return doRequest(req, s)
}

func runPost(path string, s scope, body map[string]any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request body: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(adminAPI, "/")+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return doRequest(req, s)
}

func doRequest(req *http.Request, s scope) error {
	if tok := resolveToken(s); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("admin API request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read admin API response: %w", err)
	}

	var payload map[string]any
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			payload = map[string]any{"raw": string(raw)}
		}
	}

	pretty, _ := json.MarshalIndent(payload, "", "  ")
	fmt.Println(string(pretty))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("admin API request failed: status=%d", resp.StatusCode)
	}
	if ok, present := payload["success"].(bool); present && !ok {
		return fmt.Errorf("admin API reported failure")
	}
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
