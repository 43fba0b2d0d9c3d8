// Command fretctl is the operator CLI against a running fretd node's
// admin HTTP surface.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverAddr string
	timeout    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "fretctl",
		Short: "Operate a running fretd node",
	}
	root.PersistentFlags().StringVar(&serverAddr, "server", "http://127.0.0.1:7947", "fretd admin HTTP address")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(peersCmd(), diagnosticsCmd(), lookupCmd(), leaveCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func httpClient() *http.Client {
	return &http.Client{Timeout: timeout}
}

func getJSON(path string) ([]byte, error) {
	resp, err := httpClient().Get(serverAddr + path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func postJSON(path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient().Post(serverAddr+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func printPretty(raw []byte) {
	var v any
	if json.Unmarshal(raw, &v) == nil {
		pretty, _ := json.MarshalIndent(v, "", "  ")
		fmt.Println(string(pretty))
		return
	}
	fmt.Println(string(raw))
}

func peersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "List known peers and their relevance",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := getJSON("/v1/peers")
			if err != nil {
				return err
			}
			printPretty(body)
			return nil
		},
	}
}

func diagnosticsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diagnostics",
		Short: "Show stabilization mode, size estimate, and rejection counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := getJSON("/v1/diagnostics")
			if err != nil {
				return err
			}
			printPretty(body)
			return nil
		},
	}
}

func lookupCmd() *cobra.Command {
	var ttl int
	cmd := &cobra.Command{
		Use:   "lookup <key>",
		Short: "Trigger a manual iterative lookup for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := postJSON("/v1/lookup", map[string]any{
				"key":        args[0],
				"ttl":        ttl,
				"timeout_ms": timeout.Milliseconds(),
			})
			if err != nil {
				return err
			}
			printPretty(body)
			return nil
		},
	}
	cmd.Flags().IntVar(&ttl, "ttl", 16, "maximum hop budget")
	return cmd
}

func leaveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "leave",
		Short: "Ask the node to send a graceful leave notice to its neighbors",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := postJSON("/v1/leave", map[string]any{})
			if err != nil {
				return err
			}
			printPretty(body)
			return nil
		},
	}
}
