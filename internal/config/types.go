package config

import "time"

// WorkerClass selects how a worker handles requests.
type WorkerClass string

const (
	// WorkerSync handles one request at a time per worker.
	WorkerSync WorkerClass = "sync"
	// WorkerAsync handles requests concurrently, up to worker_connections.
	WorkerAsync WorkerClass = "async"
)

// LogLevel is the error log verbosity.
type LogLevel string

const (
	LevelDebug   LogLevel = "debug"
	LevelInfo    LogLevel = "info"
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
)

// ServerConfiguration matches the shape of configs/server.yaml.
//
// It is loaded once at startup and handed to consumers by value; nothing
// mutates it afterwards.
type ServerConfiguration struct {
	Workers           int         `yaml:"workers"`
	WorkerClass       WorkerClass `yaml:"worker_class"`
	WorkerConnections int         `yaml:"worker_connections"`

	Timeout         int `yaml:"timeout"`          // seconds
	GracefulTimeout int `yaml:"graceful_timeout"` // seconds
	Keepalive       int `yaml:"keepalive"`        // seconds

	MaxRequests       int `yaml:"max_requests"`
	MaxRequestsJitter int `yaml:"max_requests_jitter"`
	MaxWorkerLifetime int `yaml:"max_worker_lifetime"` // seconds

	WorkerTmpDir string `yaml:"worker_tmp_dir"`
	ProcName     string `yaml:"proc_name"`

	AccessLog string   `yaml:"accesslog"` // "-" = stdout, "" = off
	ErrorLog  string   `yaml:"errorlog"`  // "-" = stderr
	LogLevel  LogLevel `yaml:"loglevel"`

	Bind       string `yaml:"bind"`
	PreloadApp bool   `yaml:"preload_app"`

	PidFile   string `yaml:"pidfile,omitempty"`
	StatsBind string `yaml:"stats_bind,omitempty"`

	App AppConfig `yaml:"app"`
}

// AppConfig describes the application served by every worker.
type AppConfig struct {
	StaticDir string `yaml:"static_dir,omitempty"`
	Upstream  string `yaml:"upstream,omitempty"`
	APIPrefix string `yaml:"api_prefix,omitempty"`
	// ProxyRoutes are extra paths, besides APIPrefix, sent to Upstream.
	ProxyRoutes []string `yaml:"proxy_routes,omitempty"`
}

// fileConfig is the on-disk form. Pointers tell "absent" from "zero" so a
// partial file only overrides what it names.
type fileConfig struct {
	Workers           *int         `yaml:"workers"`
	WorkerClass       *WorkerClass `yaml:"worker_class"`
	WorkerConnections *int         `yaml:"worker_connections"`

	Timeout         *int `yaml:"timeout"`
	GracefulTimeout *int `yaml:"graceful_timeout"`
	Keepalive       *int `yaml:"keepalive"`

	MaxRequests       *int `yaml:"max_requests"`
	WorkerMaxRequests *int `yaml:"worker_max_requests"` // alias of max_requests
	MaxRequestsJitter *int `yaml:"max_requests_jitter"`
	MaxWorkerLifetime *int `yaml:"max_worker_lifetime"`

	WorkerTmpDir *string `yaml:"worker_tmp_dir"`
	ProcName     *string `yaml:"proc_name"`

	AccessLog *string   `yaml:"accesslog"`
	ErrorLog  *string   `yaml:"errorlog"`
	LogLevel  *LogLevel `yaml:"loglevel"`

	Bind       *string `yaml:"bind"`
	PreloadApp *bool   `yaml:"preload_app"`

	PidFile   *string `yaml:"pidfile"`
	StatsBind *string `yaml:"stats_bind"`

	App *AppConfig `yaml:"app"`
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// TimeoutDuration is the heartbeat deadline; zero disables it.
func (c ServerConfiguration) TimeoutDuration() time.Duration { return seconds(c.Timeout) }

func (c ServerConfiguration) GracefulTimeoutDuration() time.Duration {
	return seconds(c.GracefulTimeout)
}

func (c ServerConfiguration) KeepaliveDuration() time.Duration { return seconds(c.Keepalive) }

// MaxWorkerLifetimeDuration is the recycling age; zero disables it.
func (c ServerConfiguration) MaxWorkerLifetimeDuration() time.Duration {
	return seconds(c.MaxWorkerLifetime)
}
