package worker

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ganeshk79/Disease-Detection/internal/app"
	"github.com/ganeshk79/Disease-Detection/internal/config"
	"github.com/ganeshk79/Disease-Detection/internal/heartbeat"
	"github.com/ganeshk79/Disease-Detection/internal/logging"
	"github.com/ganeshk79/Disease-Detection/internal/protocol"
	"github.com/ganeshk79/Disease-Detection/internal/transport"
)

// Env is what the arbiter hands a worker process.
type Env struct {
	Config    config.ServerConfiguration
	Listener  net.Listener
	Report    *transport.Conn
	Heartbeat *heartbeat.File
	ParentPID int
	Age       int
}

// FromEnv reads the worker environment set up by the arbiter.
func FromEnv() (*Env, error) {
	raw := os.Getenv(protocol.EnvConfig)
	if raw == "" {
		return nil, fmt.Errorf("%s is not set; workers are started by the arbiter", protocol.EnvConfig)
	}
	cfg, err := config.Unmarshal([]byte(raw))
	if err != nil {
		return nil, err
	}

	ppid, err := strconv.Atoi(os.Getenv(protocol.EnvParentPID))
	if err != nil {
		return nil, fmt.Errorf("bad %s: %w", protocol.EnvParentPID, err)
	}
	age, _ := strconv.Atoi(os.Getenv(protocol.EnvAge))

	lf := os.NewFile(uintptr(protocol.ListenerFD), "listener")
	ln, err := net.FileListener(lf)
	if err != nil {
		return nil, fmt.Errorf("inherit listener: %w", err)
	}
	_ = lf.Close()

	env := &Env{
		Config:    *cfg,
		Listener:  ln,
		ParentPID: ppid,
		Age:       age,
	}

	rf := os.NewFile(uintptr(protocol.ReportFD), "report")
	c, err := net.FileConn(rf)
	if err != nil {
		return nil, fmt.Errorf("inherit report socket: %w", err)
	}
	_ = rf.Close()
	env.Report = transport.NewConn(c)

	if p := os.Getenv(protocol.EnvHeartbeat); p != "" {
		env.Heartbeat = heartbeat.Open(p)
	}
	return env, nil
}

// Main runs a worker process and returns its exit code. Access lines go to
// stdout and error lines to stderr; the arbiter routes both to the
// configured sinks.
func Main() int {
	env, err := FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker boot failed: %v\n", err)
		return protocol.ExitBootError
	}
	cfg := env.Config

	log := logging.New(zapcore.Lock(os.Stderr), logging.Level(cfg.LogLevel)).
		Named(cfg.ProcName).Named("worker")
	defer func() { _ = log.Sync() }()

	access := zap.NewNop()
	if cfg.AccessLog != "" {
		access = logging.NewAccess(zapcore.Lock(os.Stdout))
	}

	application, err := app.Load(cfg.App, log)
	if err != nil {
		log.Error("failed to load application", zap.Error(err))
		return protocol.ExitAppLoadError
	}

	w := New(Options{
		Config:    cfg,
		Listener:  env.Listener,
		Handler:   application,
		Heartbeat: env.Heartbeat,
		Report:    env.Report,
		ParentPID: env.ParentPID,
		Log:       log.With(zap.Int("age", env.Age)),
		Access:    access,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGINT)
	signal.Ignore(syscall.SIGHUP, syscall.SIGTTIN, syscall.SIGTTOU, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGTERM:
				cancel()
			default:
				w.Quit()
			}
		}
	}()

	if err := w.Run(ctx); err != nil {
		log.Error("worker stopped with error", zap.Error(err))
		return 1
	}
	return 0
}
