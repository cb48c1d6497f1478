package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// apiCall hits one endpoint of a running instance and pretty-prints the JSON
// response. Non-2xx responses become errors carrying the server's message.
func apiCall(cmd *cobra.Command, method, path string, body any) error {
	addr, _ := cmd.Flags().GetString("addr")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(addr, "/")+path, payload)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed (is the instance running at %s?): %w", addr, err)
	}
	defer resp.Body.Close()

	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("unexpected response (%s): %w", resp.Status, err)
	}

	if resp.StatusCode >= 400 {
		if msg, ok := doc["error"].(string); ok {
			return fmt.Errorf("%s: %s", resp.Status, msg)
		}
		return fmt.Errorf("%s", resp.Status)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func runSettleStatus(cmd *cobra.Command, args []string) error {
	return apiCall(cmd, http.MethodGet, "/api/settlements/"+args[0], nil)
}

func runSettleDispute(cmd *cobra.Command, args []string) error {
	reason, _ := cmd.Flags().GetString("reason")
	if reason == "" {
		return fmt.Errorf("--reason is required")
	}
	by, _ := cmd.Flags().GetString("by")

	return apiCall(cmd, http.MethodPost, "/api/settlements/"+args[0]+"/dispute", map[string]string{
		"reason":          reason,
		"disputing_party": by,
	})
}

func runSettleResolve(cmd *cobra.Command, args []string) error {
	outcome, _ := cmd.Flags().GetString("outcome")
	if outcome == "" {
		return fmt.Errorf("--outcome is required")
	}
	by, _ := cmd.Flags().GetString("by")
	notes, _ := cmd.Flags().GetString("notes")

	return apiCall(cmd, http.MethodPost, "/api/settlements/"+args[0]+"/resolve", map[string]string{
		"resolution": strings.ToUpper(outcome),
		"resolver":   by,
		"notes":      notes,
	})
}

func runSettleArchive(cmd *cobra.Command, args []string) error {
	days, _ := cmd.Flags().GetInt("days")
	return apiCall(cmd, http.MethodPost, "/api/settlements/archive", map[string]int{
		"cutoff_days": days,
	})
}
