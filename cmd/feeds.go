// Package cmd provides command-line interface commands for aegis.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

// Global flags for feeds commands
var (
	serverURL  string
	adminToken string
	outputJSON bool
	noColor    bool
)

const requestTimeout = 10 * time.Minute

// sourceStatus mirrors the admin API's per-source status body
type sourceStatus struct {
	Name        string     `json:"name"`
	Running     bool       `json:"running"`
	LastRun     *time.Time `json:"last_run,omitempty"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	Fetched     int64      `json:"fetched"`
	Ingested    int64      `json:"ingested"`
	Duplicates  int64      `json:"duplicates"`
	Rejected    int64      `json:"rejected"`
}

// fetchResult mirrors the admin API's fetch response body
type fetchResult struct {
	Source     string `json:"source"`
	Fetched    int    `json:"fetched"`
	Ingested   int    `json:"ingested"`
	Duplicates int    `json:"duplicates"`
	Rejected   int    `json:"rejected"`
}

// NewFeedsCmd creates the root feeds command with all subcommands.
// The commands talk to a running aegis instance over its admin API; they do
// not open the database directly.
func NewFeedsCmd() *cobra.Command {
	feedsCmd := &cobra.Command{
		Use:   "feeds",
		Short: "Manage external threat feed sources",
		Long: `Inspect and trigger external threat feed sources on a running aegis server.

Sources are configured in the server's config file; these commands report their
status and force immediate fetches through the admin API.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
			if adminToken == "" {
				adminToken = os.Getenv("AEGIS_AUTH_ADMIN_TOKEN")
			}
		},
	}

	feedsCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Base URL of the aegis server")
	feedsCmd.PersistentFlags().StringVar(&adminToken, "admin-token", "", "Admin token (defaults to AEGIS_AUTH_ADMIN_TOKEN)")
	feedsCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	feedsCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	feedsCmd.AddCommand(newListCmd())
	feedsCmd.AddCommand(newFetchCmd())

	return feedsCmd
}

// adminRequest performs an authenticated call against the admin API
func adminRequest(method, path string) ([]byte, int, error) {
	client := &http.Client{Timeout: requestTimeout}
	req, err := http.NewRequest(method, serverURL+path, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("X-Admin-Token", adminToken)

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request to %s failed: %w", serverURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

func apiError(body []byte, status int) error {
	var parsed struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Error != "" {
		return fmt.Errorf("server returned %d: %s", status, parsed.Error)
	}
	return fmt.Errorf("server returned %d", status)
}

// newListCmd creates the 'list' subcommand
func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List feed sources and their status",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, status, err := adminRequest(http.MethodGet, "/api/v1/admin/sources")
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return apiError(body, status)
			}

			var resp struct {
				Sources []sourceStatus `json:"sources"`
			}
			if err := json.Unmarshal(body, &resp); err != nil {
				return fmt.Errorf("unexpected response: %w", err)
			}

			if outputJSON {
				out, _ := json.MarshalIndent(resp.Sources, "", "  ")
				fmt.Println(string(out))
				return nil
			}

			if len(resp.Sources) == 0 {
				fmt.Println("No feed sources configured")
				return nil
			}

			sort.Slice(resp.Sources, func(i, j int) bool {
				return resp.Sources[i].Name < resp.Sources[j].Name
			})

			headerColor.Printf("%-20s %-8s %-22s %10s %10s %10s\n",
				"SOURCE", "RUNNING", "LAST SUCCESS", "FETCHED", "INGESTED", "DUPES")
			for _, src := range resp.Sources {
				lastSuccess := "never"
				if src.LastSuccess != nil {
					lastSuccess = src.LastSuccess.Local().Format("2006-01-02 15:04:05")
				}
				fmt.Printf("%-20s %-8v %-22s %10d %10d %10d\n",
					src.Name, src.Running, lastSuccess, src.Fetched, src.Ingested, src.Duplicates)
				if src.LastError != "" {
					errorColor.Printf("  last error: %s\n", src.LastError)
				}
			}
			return nil
		},
	}
}

// newFetchCmd creates the 'fetch' subcommand
func newFetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch <source>",
		Short: "Trigger an immediate fetch of one source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			body, status, err := adminRequest(http.MethodPost, "/api/v1/admin/sources/"+name+"/fetch")
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return apiError(body, status)
			}

			var result fetchResult
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("unexpected response: %w", err)
			}

			if outputJSON {
				out, _ := json.MarshalIndent(result, "", "  ")
				fmt.Println(string(out))
				return nil
			}

			successColor.Printf("Fetch of %s complete\n", name)
			fmt.Printf("  fetched:    %d\n", result.Fetched)
			fmt.Printf("  ingested:   %d\n", result.Ingested)
			fmt.Printf("  duplicates: %d\n", result.Duplicates)
			fmt.Printf("  rejected:   %d\n", result.Rejected)
			return nil
		},
	}
}
