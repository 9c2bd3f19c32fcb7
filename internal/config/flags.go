package config

import (
	"github.com/spf13/pflag"
)

// Flags holds command-line overrides. Only flags the user actually set are
// applied over the loaded file.
type Flags struct {
	fs *pflag.FlagSet

	workers           int
	workerClass       string
	workerConnections int
	timeout           int
	gracefulTimeout   int
	keepalive         int
	maxRequests       int
	maxRequestsJitter int
	maxWorkerLifetime int
	workerTmpDir      string
	procName          string
	accessLog         string
	errorLog          string
	logLevel          string
	bind              string
	preloadApp        bool
	pidFile           string
	statsBind         string
	staticDir         string
	upstream          string
}

// BindFlags registers one flag per option on fs.
func BindFlags(fs *pflag.FlagSet) *Flags {
	d := Default()
	f := &Flags{fs: fs}

	fs.IntVarP(&f.workers, "workers", "w", d.Workers, "number of worker processes")
	fs.StringVarP(&f.workerClass, "worker-class", "k", string(d.WorkerClass), "worker type (sync|async)")
	fs.IntVar(&f.workerConnections, "worker-connections", d.WorkerConnections, "max simultaneous connections per worker")
	fs.IntVarP(&f.timeout, "timeout", "t", d.Timeout, "seconds before a silent worker is killed")
	fs.IntVar(&f.gracefulTimeout, "graceful-timeout", d.GracefulTimeout, "seconds workers get to finish requests on restart")
	fs.IntVar(&f.keepalive, "keepalive", d.Keepalive, "seconds to keep idle connections open")
	fs.IntVar(&f.maxRequests, "max-requests", d.MaxRequests, "requests a worker serves before it is recycled (0 disables)")
	fs.IntVar(&f.maxRequestsJitter, "max-requests-jitter", d.MaxRequestsJitter, "random extra requests added to max-requests")
	fs.IntVar(&f.maxWorkerLifetime, "max-worker-lifetime", d.MaxWorkerLifetime, "seconds before a worker is recycled (0 disables)")
	fs.StringVar(&f.workerTmpDir, "worker-tmp-dir", d.WorkerTmpDir, "directory for worker heartbeat files")
	fs.StringVarP(&f.procName, "name", "n", d.ProcName, "process name")
	fs.StringVar(&f.accessLog, "access-logfile", d.AccessLog, "access log target ('-' for stdout)")
	fs.StringVar(&f.errorLog, "error-logfile", d.ErrorLog, "error log target ('-' for stderr)")
	fs.StringVar(&f.logLevel, "log-level", string(d.LogLevel), "error log level")
	fs.StringVarP(&f.bind, "bind", "b", d.Bind, "address to listen on (host:port or unix:/path)")
	fs.BoolVar(&f.preloadApp, "preload", d.PreloadApp, "load the application before starting workers")
	fs.StringVarP(&f.pidFile, "pid", "p", d.PidFile, "pidfile path")
	fs.StringVar(&f.statsBind, "stats-bind", d.StatsBind, "address of the stats/control API (empty disables)")
	fs.StringVar(&f.staticDir, "static-dir", "", "frontend build directory")
	fs.StringVar(&f.upstream, "upstream", "", "backend URL for API requests")

	return f
}

// Apply copies every changed flag into cfg.
func (f *Flags) Apply(cfg *ServerConfiguration) {
	changed := f.fs.Changed

	if changed("workers") {
		cfg.Workers = f.workers
	}
	if changed("worker-class") {
		cfg.WorkerClass = WorkerClass(f.workerClass)
	}
	if changed("worker-connections") {
		cfg.WorkerConnections = f.workerConnections
	}
	if changed("timeout") {
		cfg.Timeout = f.timeout
	}
	if changed("graceful-timeout") {
		cfg.GracefulTimeout = f.gracefulTimeout
	}
	if changed("keepalive") {
		cfg.Keepalive = f.keepalive
	}
	if changed("max-requests") {
		cfg.MaxRequests = f.maxRequests
	}
	if changed("max-requests-jitter") {
		cfg.MaxRequestsJitter = f.maxRequestsJitter
	}
	if changed("max-worker-lifetime") {
		cfg.MaxWorkerLifetime = f.maxWorkerLifetime
	}
	if changed("worker-tmp-dir") {
		cfg.WorkerTmpDir = f.workerTmpDir
	}
	if changed("name") {
		cfg.ProcName = f.procName
	}
	if changed("access-logfile") {
		cfg.AccessLog = f.accessLog
	}
	if changed("error-logfile") {
		cfg.ErrorLog = f.errorLog
	}
	if changed("log-level") {
		cfg.LogLevel = LogLevel(f.logLevel)
	}
	if changed("bind") {
		cfg.Bind = f.bind
	}
	if changed("preload") {
		cfg.PreloadApp = f.preloadApp
	}
	if changed("pid") {
		cfg.PidFile = f.pidFile
	}
	if changed("stats-bind") {
		cfg.StatsBind = f.statsBind
	}
	if changed("static-dir") {
		cfg.App.StaticDir = f.staticDir
	}
	if changed("upstream") {
		cfg.App.Upstream = f.upstream
	}
}
