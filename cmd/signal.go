package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type signalOptions struct {
	server      string
	apiKey      string
	captchaType string
	element     string
	timeout     time.Duration
}

// newSignalCmd posts a captcha signal to a running server, for operators
// solving challenges outside the browser extension.
func newSignalCmd() *cobra.Command {
	opts := &signalOptions{}
	cmd := &cobra.Command{
		Use:   "signal <captcha_detected|captcha_solved> <job-id>",
		Short: "Send a captcha signal for a job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendSignal(cmd.OutOrStdout(), opts, args[0], args[1])
		},
	}
	cmd.Flags().StringVar(&opts.server, "server", "http://localhost:8080", "base URL of the API")
	cmd.Flags().StringVar(&opts.apiKey, "api-key", "", "API key sent as X-API-Key")
	cmd.Flags().StringVar(&opts.captchaType, "captcha-type", "", "challenge type for captcha_detected")
	cmd.Flags().StringVar(&opts.element, "element", "", "challenge element selector for captcha_detected")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")
	return cmd
}

func sendSignal(out io.Writer, opts *signalOptions, kind, jobID string) error {
	if kind != "captcha_detected" && kind != "captcha_solved" {
		return fmt.Errorf("unknown signal %q", kind)
	}
	if kind == "captcha_detected" && opts.captchaType == "" {
		return errors.New("--captcha-type is required for captcha_detected")
	}
	body, err := json.Marshal(map[string]string{
		"type":        kind,
		"jobId":       jobID,
		"captchaType": opts.captchaType,
		"element":     opts.element,
	})
	if err != nil {
		return fmt.Errorf("encode signal: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(opts.server, "/")+"/signals", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if opts.apiKey != "" {
		req.Header.Set("X-API-Key", opts.apiKey)
	}
	client := &http.Client{Timeout: opts.timeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send signal: %w", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("signal rejected: %s: %s", resp.Status, strings.TrimSpace(string(payload)))
	}
	fmt.Fprintf(out, "%s %s\n", resp.Status, strings.TrimSpace(string(payload)))
	return nil
}
