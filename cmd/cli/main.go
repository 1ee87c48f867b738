package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiKey    string
	callerID  string
)

var submitOpts struct {
	language   string
	delay      time.Duration
	trustScore float64
	balancing  bool
	network    bool
	wait       bool
}

func main() {
	root := &cobra.Command{
		Use:   "sandboxctl",
		Short: "CLI client for the sandbox governor",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("SANDBOX_API_KEY"), "API key")
	root.PersistentFlags().StringVar(&callerID, "caller", os.Getenv("SANDBOX_CALLER_ID"), "Caller ID")

	submitCmd := &cobra.Command{
		Use:   "submit [file...]",
		Short: "Submit a batch, one job per file (stdin if none)",
		RunE:  runSubmit,
	}
	submitCmd.Flags().StringVarP(&submitOpts.language, "language", "l", "", "Language (auto-detected from extension)")
	submitCmd.Flags().DurationVar(&submitOpts.delay, "delay", 0, "Delay between jobs")
	submitCmd.Flags().Float64Var(&submitOpts.trustScore, "trust-score", 50, "Caller trust score (0-100)")
	submitCmd.Flags().BoolVar(&submitOpts.balancing, "balance", false, "Spread jobs across backends")
	submitCmd.Flags().BoolVar(&submitOpts.network, "network", false, "Request network access")
	submitCmd.Flags().BoolVarP(&submitOpts.wait, "wait", "w", false, "Wait for the batch to finish")
	root.AddCommand(submitCmd)

	root.AddCommand(&cobra.Command{
		Use:   "status [batch-id]",
		Short: "Show batch status",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return printRequest(http.MethodGet, "/batches/"+url.PathEscape(args[0]), nil)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "cancel [batch-id]",
		Short: "Cancel a pending or running batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return printRequest(http.MethodPost, "/batches/"+url.PathEscape(args[0])+"/cancel", nil)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "retry [batch-id]",
		Short: "Resubmit a failed batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return printRequest(http.MethodPost, "/batches/"+url.PathEscape(args[0])+"/retry", nil)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "metrics [job-id]",
		Short: "Show resource metrics for a job",
		Args:  cobra.ExactArgs(1),
		RunE:  runMetrics,
	})

	root.AddCommand(&cobra.Command{
		Use:   "stats [caller-id]",
		Short: "Show execution statistics for a caller",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return printRequest(http.MethodGet, "/callers/"+url.PathEscape(args[0])+"/stats", nil)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(_ *cobra.Command, _ []string) error {
			return printRequest(http.MethodGet, "/health", nil)
		},
	})

	var history bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List batches",
		RunE: func(_ *cobra.Command, _ []string) error {
			q := url.Values{}
			if callerID != "" {
				q.Set("caller_id", callerID)
			}
			if history {
				q.Set("source", "history")
			}
			return printRequest(http.MethodGet, "/batches?"+q.Encode(), nil)
		},
	}
	listCmd.Flags().BoolVar(&history, "history", false, "Read persisted history instead of live batches")
	root.AddCommand(listCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runSubmit(_ *cobra.Command, args []string) error {
	if callerID == "" {
		return fmt.Errorf("--caller or SANDBOX_CALLER_ID is required")
	}

	var jobs []map[string]string
	if len(args) == 0 {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		if submitOpts.language == "" {
			return fmt.Errorf("--language is required when reading from stdin")
		}
		jobs = append(jobs, map[string]string{"language": submitOpts.language, "code": string(data)})
	}
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}
		lang := submitOpts.language
		if lang == "" {
			if lang = languageFor(path); lang == "" {
				return fmt.Errorf("cannot detect language for %q, use --language flag", path)
			}
		}
		jobs = append(jobs, map[string]string{"language": lang, "code": string(data)})
	}

	payload := map[string]any{
		"caller_id":          callerID,
		"trust_score":        submitOpts.trustScore,
		"jobs":               jobs,
		"delay_between_jobs": submitOpts.delay.String(),
		"backend_balancing":  submitOpts.balancing,
		"network_enabled":    submitOpts.network,
	}

	var batch struct {
		ID string `json:"id"`
	}
	if err := doJSON(http.MethodPost, "/batches", payload, &batch); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "batch %s submitted with %d jobs\n", batch.ID, len(jobs))

	if !submitOpts.wait {
		return printRequest(http.MethodGet, "/batches/"+batch.ID, nil)
	}
	for {
		var st struct {
			Status string `json:"status"`
		}
		if err := doJSON(http.MethodGet, "/batches/"+batch.ID, nil, &st); err != nil {
			return err
		}
		switch st.Status {
		case "completed", "failed", "cancelled":
			return printRequest(http.MethodGet, "/batches/"+batch.ID, nil)
		}
		time.Sleep(time.Second)
	}
}

func runMetrics(_ *cobra.Command, args []string) error {
	var m struct {
		JobID   string `json:"job_id"`
		Active  bool   `json:"active"`
		Samples int    `json:"samples"`
		CPU     struct {
			Peak    float64 `json:"peak"`
			Average float64 `json:"average"`
		} `json:"cpu"`
		Memory struct {
			Peak float64 `json:"peak"`
		} `json:"memory"`
		PeakMemoryBytes int64 `json:"peak_memory_bytes"`
		IO              struct {
			Read  int64 `json:"read_total"`
			Write int64 `json:"write_total"`
		} `json:"io"`
		Network struct {
			Sent int64 `json:"sent_total"`
			Recv int64 `json:"recv_total"`
		} `json:"network"`
		Events []json.RawMessage `json:"events"`
	}
	if err := doJSON(http.MethodGet, "/jobs/"+url.PathEscape(args[0])+"/metrics", nil, &m); err != nil {
		return err
	}

	fmt.Printf("job       %s (active: %v, %d samples)\n", m.JobID, m.Active, m.Samples)
	fmt.Printf("cpu       peak %.1f%%  avg %.1f%%\n", m.CPU.Peak, m.CPU.Average)
	fmt.Printf("memory    peak %.1f%%  (%s)\n", m.Memory.Peak, bytesOf(m.PeakMemoryBytes))
	fmt.Printf("io        read %s  write %s\n", bytesOf(m.IO.Read), bytesOf(m.IO.Write))
	fmt.Printf("network   sent %s  recv %s\n", bytesOf(m.Network.Sent), bytesOf(m.Network.Recv))
	fmt.Printf("events    %d\n", len(m.Events))
	return nil
}

func newRequest(method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, serverURL+path, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	if callerID != "" {
		req.Header.Set("X-Caller-ID", callerID)
	}
	return req, nil
}

// doJSON sends a request and decodes a 2xx response into out. Error bodies
// are returned as the error.
func doJSON(method, path string, body, out any) error {
	req, err := newRequest(method, path, body)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (%s, HTTP %d)", apiErr.Error, apiErr.Code, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func printRequest(method, path string, body any) error {
	var result any
	if err := doJSON(method, path, body, &result); err != nil {
		return err
	}
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))
	return nil
}

func bytesOf(n int64) string { return humanize.IBytes(uint64(max(n, 0))) }

func languageFor(path string) string {
	switch filepath.Ext(path) {
	case ".go":
		return "go"
	case ".py":
		return "python"
	case ".js":
		return "node"
	case ".sh":
		return "bash"
	}
	return ""
}
