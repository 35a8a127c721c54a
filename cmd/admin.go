package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// adminAPIAddr points the admin subcommands at a running instance.
var adminAPIAddr string

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Administrative operations against a running token-processor.",
}

func init() {
	adminCmd.PersistentFlags().StringVar(&adminAPIAddr, "api", "http://localhost:8080", "base URL of the admin API")

	rootCmd.AddCommand(adminCmd)
}

func parseProcessIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))

	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid process id %q: %w", arg, err)
		}

		ids = append(ids, id)
	}

	return ids, nil
}

// callAdminAPI issues a JSON request and prints the response body. Non-2xx
// responses are returned as errors so the process exit code reflects them.
func callAdminAPI(method, path string, body any) error {
	var buf bytes.Buffer

	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequest(method, adminAPIAddr+path, &buf)
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}

	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("api returned %s: %s", resp.Status, string(respBody))
	}

	fmt.Println(string(respBody))

	return nil
}
