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

	"github.com/ganeshk79/Disease-Detection/internal/api"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type client struct {
	baseURL string
	http    *http.Client
	out     io.Writer
}

func newRootCmd() *cobra.Command {
	c := &client{http: &http.Client{Timeout: 10 * time.Second}}

	root := &cobra.Command{
		Use:           "ctl",
		Short:         "Inspect and control a running server through its stats API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			c.out = cmd.OutOrStdout()
			c.baseURL = strings.TrimRight(c.baseURL, "/")
		},
	}
	root.PersistentFlags().StringVar(&c.baseURL, "url", getenvDefault("SKINSERVE_URL", "http://127.0.0.1:9100"), "stats API base URL (env SKINSERVE_URL)")

	root.AddCommand(
		&cobra.Command{
			Use:   "workers",
			Short: "List workers",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.get("/workers")
			},
		},
		&cobra.Command{
			Use:   "worker <pid>",
			Short: "Show one worker",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				pid, err := parsePID(args[0])
				if err != nil {
					return err
				}
				return c.get(fmt.Sprintf("/workers/%d", pid))
			},
		},
		&cobra.Command{
			Use:   "recycle <pid>",
			Short: "Gracefully replace one worker",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				pid, err := parsePID(args[0])
				if err != nil {
					return err
				}
				return c.post(fmt.Sprintf("/workers/%d/recycle", pid), nil)
			},
		},
		&cobra.Command{
			Use:   "reload",
			Short: "Reload the configuration and recycle every worker",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.post("/reload", nil)
			},
		},
		&cobra.Command{
			Use:   "scale <delta>",
			Short: "Grow or shrink the pool, e.g. scale 2 or scale -- -1",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				delta, err := strconv.Atoi(args[0])
				if err != nil || delta == 0 {
					return fmt.Errorf("delta must be a non-zero integer, got %q", args[0])
				}
				return c.post("/scale", api.ScaleRequest{Delta: delta})
			},
		},
		&cobra.Command{
			Use:   "settings",
			Short: "Show the effective settings",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.get("/settings")
			},
		},
	)
	return root
}

func parsePID(s string) (int, error) {
	pid, err := strconv.Atoi(s)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid %q", s)
	}
	return pid, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func (c *client) get(path string) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req)
}

func (c *client) post(path string, payload any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *client) do(req *http.Request) error {
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	fmt.Fprintf(c.out, "%s\n", prettyJSON(body))
	if res.StatusCode >= 400 {
		return fmt.Errorf("%s %s: %s", req.Method, req.URL.Path, res.Status)
	}
	return nil
}

func prettyJSON(b []byte) string {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return string(b)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(b)
	}
	return string(out)
}
