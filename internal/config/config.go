package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the server looks for its configuration when no
// --config flag is given.
const DefaultPath = "configs/server.yaml"

// Default returns the shipped configuration.
func Default() ServerConfiguration {
	return ServerConfiguration{
		Workers:           1, // single worker keeps memory usage low
		WorkerClass:       WorkerSync,
		WorkerConnections: 1000,
		Timeout:           120,
		Keepalive:         2,

		MaxRequests:       100,
		MaxRequestsJitter: 20,
		WorkerTmpDir:      "/dev/shm",

		ProcName: "skin_disease_app",

		AccessLog: "-",
		ErrorLog:  "-",
		LogLevel:  LevelInfo,

		Bind:       "0.0.0.0:10000",
		PreloadApp: true,

		GracefulTimeout:   120,
		MaxWorkerLifetime: 1800, // 30 minutes

		App: AppConfig{APIPrefix: "/api", ProxyRoutes: []string{"/predict"}},
	}
}

// Load reads a YAML file on top of Default.
func Load(path string) (*ServerConfiguration, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}

	cfg, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("parse yaml %q: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of Default. Unknown keys are rejected.
func Parse(b []byte) (*ServerConfiguration, error) {
	cfg := Default()

	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	if err := fc.apply(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (fc fileConfig) apply(cfg *ServerConfiguration) error {
	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}

	setInt(&cfg.Workers, fc.Workers)
	if fc.WorkerClass != nil {
		cfg.WorkerClass = *fc.WorkerClass
	}
	setInt(&cfg.WorkerConnections, fc.WorkerConnections)
	setInt(&cfg.Timeout, fc.Timeout)
	setInt(&cfg.GracefulTimeout, fc.GracefulTimeout)
	setInt(&cfg.Keepalive, fc.Keepalive)

	if fc.MaxRequests != nil && fc.WorkerMaxRequests != nil && *fc.MaxRequests != *fc.WorkerMaxRequests {
		return fmt.Errorf("max_requests (%d) and worker_max_requests (%d) disagree", *fc.MaxRequests, *fc.WorkerMaxRequests)
	}
	setInt(&cfg.MaxRequests, fc.WorkerMaxRequests)
	setInt(&cfg.MaxRequests, fc.MaxRequests)
	setInt(&cfg.MaxRequestsJitter, fc.MaxRequestsJitter)
	setInt(&cfg.MaxWorkerLifetime, fc.MaxWorkerLifetime)

	setString(&cfg.WorkerTmpDir, fc.WorkerTmpDir)
	setString(&cfg.ProcName, fc.ProcName)
	setString(&cfg.AccessLog, fc.AccessLog)
	setString(&cfg.ErrorLog, fc.ErrorLog)
	if fc.LogLevel != nil {
		cfg.LogLevel = *fc.LogLevel
	}
	setString(&cfg.Bind, fc.Bind)
	if fc.PreloadApp != nil {
		cfg.PreloadApp = *fc.PreloadApp
	}
	setString(&cfg.PidFile, fc.PidFile)
	setString(&cfg.StatsBind, fc.StatsBind)

	if fc.App != nil {
		routes := cfg.App.ProxyRoutes
		cfg.App = *fc.App
		if cfg.App.APIPrefix == "" {
			cfg.App.APIPrefix = "/api"
		}
		if cfg.App.ProxyRoutes == nil {
			cfg.App.ProxyRoutes = routes
		}
	}
	return nil
}

// Settings returns the options keyed by their configuration names. The map
// is a fresh copy on every call.
func (c ServerConfiguration) Settings() map[string]any {
	return map[string]any{
		"workers":             c.Workers,
		"worker_class":        string(c.WorkerClass),
		"worker_connections":  c.WorkerConnections,
		"timeout":             c.Timeout,
		"keepalive":           c.Keepalive,
		"max_requests":        c.MaxRequests,
		"max_requests_jitter": c.MaxRequestsJitter,
		"worker_tmp_dir":      c.WorkerTmpDir,
		"proc_name":           c.ProcName,
		"accesslog":           c.AccessLog,
		"errorlog":            c.ErrorLog,
		"loglevel":            string(c.LogLevel),
		"bind":                c.Bind,
		"preload_app":         c.PreloadApp,
		"graceful_timeout":    c.GracefulTimeout,
		"max_worker_lifetime": c.MaxWorkerLifetime,
	}
}

// Marshal encodes the full configuration, used to hand it to worker
// processes.
func (c ServerConfiguration) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Unmarshal is the inverse of Marshal.
func Unmarshal(b []byte) (*ServerConfiguration, error) {
	var cfg ServerConfiguration
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("decode worker config: %w", err)
	}
	return &cfg, nil
}
