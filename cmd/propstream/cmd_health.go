package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

func runHealth(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	asJSON, _ := cmd.Flags().GetBool("json")

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(addr, "/")+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed (is the instance running at %s?): %w", addr, err)
	}
	defer resp.Body.Close()

	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("unexpected response (%s): %w", resp.Status, err)
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	}

	printHealthText(doc)

	if status, _ := doc["status"].(string); status != "healthy" {
		return fmt.Errorf("instance is %s", status)
	}
	return nil
}

func printHealthText(doc map[string]any) {
	status, _ := doc["status"].(string)
	fmt.Printf("Propstream Health\n")
	fmt.Printf("─────────────────\n")
	fmt.Printf("Status:    %s%s%s\n", statusColor(status), strings.ToUpper(status), "\033[0m")
	if ts, ok := doc["timestamp"].(string); ok {
		fmt.Printf("Timestamp: %s\n", ts)
	}
	if up, ok := doc["uptime_seconds"].(float64); ok {
		fmt.Printf("Uptime:    %ds\n", int(up))
	}

	components, ok := doc["components"].(map[string]any)
	if !ok {
		return
	}
	names := make([]string, 0, len(components))
	for name := range components {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Printf("\nComponents\n")
	fmt.Printf("──────────\n")
	for _, name := range names {
		fmt.Printf("%-18s: %v\n", name, components[name])
	}
}

func statusColor(status string) string {
	switch status {
	case "healthy":
		return "\033[32m"
	case "degraded":
		return "\033[33m"
	default:
		return "\033[31m"
	}
}
