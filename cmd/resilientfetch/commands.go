package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/botsandus/resilient"
)

func loadClient(cmd *cobra.Command) (*resilient.HttpClient, *resilient.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, nil, err
	}

	cfg, err := resilient.LoadConfig(path)
	if err != nil {
		return nil, nil, err
	}

	h, err := resilient.NewFromConfig(cfg)
	if err != nil {
		return nil, nil, err
	}

	return h, cfg, nil
}

func newFetchCmd() *cobra.Command {
	var (
		method  string
		headers []string
		data    string
		retries int
		timeout time.Duration
		ensure  bool
	)

	cmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "Call a URL and print the response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, _, err := loadClient(cmd)
			if err != nil {
				return err
			}

			req, err := buildRequest(method, headers, data)
			if err != nil {
				return err
			}

			var opts []resilient.CallOption

			if cmd.Flags().Changed("retries") {
				p := h.RetryPolicy
				p.MaxRetries = retries
				opts = append(opts, resilient.WithRetryPolicy(p))
			}

			if cmd.Flags().Changed("timeout") {
				opts = append(opts, resilient.WithDeadline(timeout))
			}

			ctx := resilient.WithMetadata(cmd.Context())

			fetch := h.Fetch
			if ensure {
				fetch = h.FetchOK
			}

			resp, err := fetch(ctx, args[0], req, opts...)

			attempts, _ := resilient.NumberOfAttemptsFromContext(ctx)
			id, _ := resilient.RequestIDFromContext(ctx)
			fmt.Fprintf(cmd.ErrOrStderr(), "request %s, %d attempt(s)\n", id, attempts)

			if err != nil {
				var f *resilient.Failure
				if errors.As(err, &f) {
					return fmt.Errorf("%s: %s", f.Category, f.Message)
				}

				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), resp.Status)
			_, err = cmd.OutOrStdout().Write(resp.Body)

			return err
		},
	}

	cmd.Flags().StringVarP(&method, "method", "X", "GET", "HTTP method")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "header as 'Name: value', repeatable")
	cmd.Flags().StringVarP(&data, "data", "d", "", "request body")
	cmd.Flags().IntVar(&retries, "retries", 0, "override the configured retry count")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "override the configured per-attempt deadline")
	cmd.Flags().BoolVar(&ensure, "ok", false, "treat non-2xx responses as failures")

	return cmd
}

func buildRequest(method string, headers []string, data string) (*resilient.Request, error) {
	var body io.Reader
	if data != "" {
		body = strings.NewReader(data)
	}

	req, err := resilient.NewRequest(method, body)
	if err != nil {
		return nil, err
	}

	for _, h := range headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("malformed header %q, want 'Name: value'", h)
		}

		req.Header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	return req, nil
}

func newRequestIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "request-id",
		Short: "Print a fresh correlation id and its timestamp",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tok := resilient.NewToken()
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %d\n", tok.ID, tok.IssuedAtMillis())

			return err
		},
	}
}

func newCheckIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-id <id> <timestamp-ms>",
		Short: "Check whether a correlation id is still fresh",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := loadClient(cmd)
			if err != nil {
				return err
			}

			ts, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("timestamp %q: %w", args[1], err)
			}

			if !resilient.ValidateRequest(args[0], ts, cfg.Correlation.MaxAge) {
				return fmt.Errorf("request %s is not fresh", args[0])
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), "fresh")

			return err
		},
	}
}
