package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ganeshk79/Disease-Detection/internal/api"
	"github.com/ganeshk79/Disease-Detection/internal/arbiter"
	"github.com/ganeshk79/Disease-Detection/internal/config"
	"github.com/ganeshk79/Disease-Detection/internal/logging"
	"github.com/ganeshk79/Disease-Detection/internal/metrics"
)

func runServer(ctx context.Context, o *options, explicit bool) error {
	cfg, err := loadConfig(o, explicit)
	if err != nil {
		return err
	}

	loggers, err := logging.Open(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = loggers.Close() }()
	log := loggers.Error

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}

	m := metrics.New("skinserve")
	arb := arbiter.New(arbiter.Options{
		Config: cfg,
		Reload: func() (config.ServerConfiguration, error) {
			return loadConfig(o, explicit)
		},
		Executable: exe,
		Args:       []string{"worker"},
		Log:        log,
		AccessOut:  loggers.AccessSink,
		ErrorOut:   loggers.ErrorSink,
		Metrics:    m,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var statsSrv *http.Server
	if cfg.StatsBind != "" {
		a := api.NewServer(arb, m.Handler(), cfg.StatsBind, log)
		statsSrv = &http.Server{
			Addr:              a.Addr(),
			Handler:           a.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("stats api listening", zap.String("addr", statsSrv.Addr))
			if err := statsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("stats api failed", zap.Error(err))
			}
		}()
	}

	done := make(chan error, 1)
	go func() { done <- arb.Run(ctx) }()

	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh,
		syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT,
		syscall.SIGHUP, syscall.SIGTTIN, syscall.SIGTTOU, syscall.SIGUSR1,
	)
	defer signal.Stop(sigCh)

	for {
		select {
		case err := <-done:
			if statsSrv != nil {
				shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
				if serr := statsSrv.Shutdown(shutdownCtx); serr != nil {
					log.Warn("stats api shutdown", zap.Error(serr))
				}
				stop()
			}
			if err != nil {
				log.Error("arbiter stopped", zap.Error(err))
				return err
			}
			log.Info("stopped cleanly")
			return nil

		case sig := <-sigCh:
			handleSignal(sig.(syscall.Signal), arb, loggers, cancel, log)
		}
	}
}

func handleSignal(sig syscall.Signal, arb *arbiter.Arbiter, loggers *logging.Loggers, cancel context.CancelFunc, log *zap.Logger) {
	log.Info("received signal", zap.Stringer("signal", sig))

	var err error
	switch sig {
	case syscall.SIGTERM, syscall.SIGINT:
		cancel()
	case syscall.SIGQUIT:
		err = arb.Stop(false)
	case syscall.SIGHUP:
		err = arb.Reload()
	case syscall.SIGTTIN:
		_, err = arb.Scale(1)
	case syscall.SIGTTOU:
		_, err = arb.Scale(-1)
	case syscall.SIGUSR1:
		err = loggers.Rotate()
	}
	if err != nil {
		log.Warn("signal handling failed", zap.Stringer("signal", sig), zap.Error(err))
	}
}

func checkConfig(w io.Writer, o *options, explicit bool) error {
	cfg, err := loadConfig(o, explicit)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(cfg.Settings())
}
