package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Validate reports every problem in the configuration at once, in a fixed
// order. It never modifies c.
func (c ServerConfiguration) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Workers < 1 {
		add("workers must be >= 1, got %d", c.Workers)
	}
	if c.WorkerConnections < 1 {
		add("worker_connections must be >= 1, got %d", c.WorkerConnections)
	}

	for _, opt := range []struct {
		name string
		v    int
	}{
		{"timeout", c.Timeout},
		{"graceful_timeout", c.GracefulTimeout},
		{"keepalive", c.Keepalive},
		{"max_requests", c.MaxRequests},
		{"max_requests_jitter", c.MaxRequestsJitter},
		{"max_worker_lifetime", c.MaxWorkerLifetime},
	} {
		if opt.v < 0 {
			add("%s must be >= 0, got %d", opt.name, opt.v)
		}
	}

	switch c.WorkerClass {
	case WorkerSync, WorkerAsync:
	default:
		add("invalid worker_class %q (expected sync|async)", c.WorkerClass)
	}

	if _, err := ParseLogLevel(string(c.LogLevel)); err != nil {
		errs = append(errs, err)
	}

	if _, _, err := SplitBind(c.Bind); err != nil {
		errs = append(errs, err)
	}
	if c.StatsBind != "" {
		if _, _, err := net.SplitHostPort(c.StatsBind); err != nil {
			add("invalid stats_bind %q: %w", c.StatsBind, err)
		}
	}

	if strings.TrimSpace(c.WorkerTmpDir) != "" {
		fi, err := os.Stat(c.WorkerTmpDir)
		switch {
		case err != nil:
			add("worker_tmp_dir %q: %w", c.WorkerTmpDir, err)
		case !fi.IsDir():
			add("worker_tmp_dir %q is not a directory", c.WorkerTmpDir)
		}
	}

	if strings.TrimSpace(c.ProcName) == "" {
		add("proc_name is required")
	}

	if c.App.Upstream != "" {
		u, err := url.Parse(c.App.Upstream)
		if err != nil || u.Scheme == "" || u.Host == "" {
			add("invalid app.upstream %q", c.App.Upstream)
		}
	}
	if c.App.APIPrefix != "" && !strings.HasPrefix(c.App.APIPrefix, "/") {
		add("app.api_prefix must start with '/', got %q", c.App.APIPrefix)
	}
	for _, route := range c.App.ProxyRoutes {
		if !strings.HasPrefix(route, "/") || route == "/" {
			add("app.proxy_routes entry must be a path below '/', got %q", route)
		}
	}

	return errors.Join(errs...)
}

// ParseLogLevel accepts the loglevel spellings, case-insensitively.
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warning", "warn":
		return LevelWarning, nil
	case "error":
		return LevelError, nil
	default:
		return "", fmt.Errorf("invalid loglevel %q (expected debug|info|warning|error)", s)
	}
}

// SplitBind returns the network and address for a bind string:
// "host:port" is tcp, "unix:/path" is a unix socket.
func SplitBind(bind string) (network, address string, err error) {
	bind = strings.TrimSpace(bind)
	if path, ok := strings.CutPrefix(bind, "unix:"); ok {
		if path == "" {
			return "", "", fmt.Errorf("invalid bind %q: empty socket path", bind)
		}
		return "unix", path, nil
	}

	_, port, err := net.SplitHostPort(bind)
	if err != nil {
		return "", "", fmt.Errorf("invalid bind %q: %w", bind, err)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return "", "", fmt.Errorf("invalid bind %q: bad port %q", bind, port)
	}
	return "tcp", bind, nil
}
