package pairctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sandeepkv93/tv-device-pairing/internal/security"
	"github.com/sandeepkv93/tv-device-pairing/internal/tools/common"
	"github.com/sandeepkv93/tv-device-pairing/internal/tools/loadgen"
	"github.com/sandeepkv93/tv-device-pairing/internal/tools/ui"
)

type options struct {
	baseURL string
	secret  string
	envFile string
	timeout time.Duration
	ci      bool
}

func NewRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "pairctl",
		Short: "Operator checks for the TV pairing service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := common.LoadEnvFile(opts.envFile); err != nil {
				return err
			}
			if opts.secret == "" {
				opts.secret = os.Getenv("DEVICE_PAIRING_SECRET")
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&opts.baseURL, "base-url", "http://localhost:8080", "pairing service base URL")
	cmd.PersistentFlags().StringVar(&opts.secret, "secret", "", "shared pairing secret (default $DEVICE_PAIRING_SECRET)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file consulted for DEVICE_PAIRING_SECRET")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "per-request timeout")
	cmd.PersistentFlags().BoolVar(&opts.ci, "ci", false, "non-interactive machine-readable output")
	cmd.AddCommand(newCheckCommand(opts), newLoadCommand(opts))
	return cmd
}

func newCheckCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify health probes, secret enforcement and session start",
		RunE: func(cmd *cobra.Command, args []string) error {
			details, err := run(opts, "pairctl check", func(ctx context.Context) ([]string, error) {
				return runCheck(ctx, opts)
			})
			if opts.ci {
				common.PrintCIResult(err == nil, "pairctl check", details, err)
			}
			if err != nil {
				os.Exit(4)
			}
			return nil
		},
	}
}

func newLoadCommand(opts *options) *cobra.Command {
	var cfg loadgen.Config
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Generate start/poll traffic",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.BaseURL = opts.baseURL
			cfg.Secret = opts.secret
			details, err := run(opts, "pairctl load", func(ctx context.Context) ([]string, error) {
				res, err := loadgen.Run(ctx, cfg)
				if err != nil {
					return nil, err
				}
				return []string{
					fmt.Sprintf("requests total=%d failures=%d", res.TotalRequests, res.Failures),
					fmt.Sprintf("sessions opened=%d", res.DeviceCodes),
					fmt.Sprintf("status classes %v", res.StatusClasses),
				}, nil
			})
			if opts.ci {
				common.PrintCIResult(err == nil, "pairctl load", details, err)
			}
			if err != nil {
				os.Exit(4)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cfg.Profile, "profile", "mixed", "traffic profile: start, poll or mixed")
	cmd.Flags().DurationVar(&cfg.Duration, "duration", 10*time.Second, "how long to send traffic")
	cmd.Flags().IntVar(&cfg.RPS, "rps", 10, "requests per second")
	cmd.Flags().IntVar(&cfg.Concurrency, "concurrency", 4, "concurrent workers")
	cmd.Flags().Uint64Var(&cfg.Seed, "seed", 42, "seed for the mixed profile")
	return cmd
}

func run(opts *options, title string, fn func(context.Context) ([]string, error)) ([]string, error) {
	if opts.ci {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()
		return fn(ctx)
	}
	return ui.Run(title, fn)
}

type startPayload struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURL string `json:"verification_url"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

// runCheck stops at the first failing step; details lists the steps that passed.
func runCheck(ctx context.Context, opts *options) ([]string, error) {
	client := &http.Client{Timeout: opts.timeout}
	var details []string

	for _, path := range []string{"/health/live", "/health/ready"} {
		status, _, err := call(ctx, client, opts, http.MethodGet, path, "", nil)
		if err != nil {
			return details, err
		}
		if status != http.StatusOK {
			return details, fmt.Errorf("%s returned %d", path, status)
		}
		details = append(details, path+": ok")
	}

	status, _, err := call(ctx, client, opts, http.MethodPost, "/api/v1/device/start", "", nil)
	if err != nil {
		return details, err
	}
	if status != http.StatusUnauthorized {
		return details, fmt.Errorf("unauthenticated start returned %d, want 401", status)
	}
	details = append(details, "unauthenticated start rejected: ok")

	if opts.secret == "" {
		return details, fmt.Errorf("no pairing secret provided")
	}
	status, body, err := call(ctx, client, opts, http.MethodPost, "/api/v1/device/start", opts.secret, nil)
	if err != nil {
		return details, err
	}
	if status != http.StatusOK {
		return details, fmt.Errorf("authenticated start returned %d", status)
	}
	var started startPayload
	if err := json.Unmarshal(body, &started); err != nil {
		return details, fmt.Errorf("decode start response: %w", err)
	}
	if !security.ValidUserCode(started.UserCode) {
		return details, fmt.Errorf("malformed user code %q", started.UserCode)
	}
	if started.DeviceCode == "" || started.Interval <= 0 || started.ExpiresIn <= 0 {
		return details, fmt.Errorf("incomplete start response")
	}
	details = append(details, fmt.Sprintf("start: ok user_code=%s expires_in=%ds", started.UserCode, started.ExpiresIn))

	pollBody, _ := json.Marshal(map[string]string{"device_code": started.DeviceCode})
	status, body, err = call(ctx, client, opts, http.MethodPost, "/api/v1/device/poll", opts.secret, pollBody)
	if err != nil {
		return details, err
	}
	var polled struct {
		Status string `json:"status"`
	}
	if status != http.StatusOK || json.Unmarshal(body, &polled) != nil || polled.Status != "pending" {
		return details, fmt.Errorf("poll of fresh session returned %d %s", status, strings.TrimSpace(string(body)))
	}
	details = append(details, "poll: pending")
	return details, nil
}

func call(ctx context.Context, client *http.Client, opts *options, method, path, secret string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(opts.baseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set("apikey", secret)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, data, nil
}
