package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tenzoki/agen/dcop/internal/broker"
	"github.com/tenzoki/agen/dcop/internal/config"
	"github.com/tenzoki/agen/dcop/internal/journal"
	"github.com/tenzoki/agen/dcop/internal/logging"
	"github.com/tenzoki/agen/dcop/internal/metrics"
	"github.com/tenzoki/agen/dcop/internal/transport"
)

const shutdownTimeout = 10 * time.Second

// run starts every service, blocks until ctx is cancelled or the broker
// commits suicide, then tears everything down. ready, if non-nil, receives
// the published addresses once clients can connect.
func run(ctx context.Context, cfg *config.Config, logger *logging.Logger, ready chan<- transport.Addresses) error {
	socket := cfg.Server.UnixSocket
	switch socket {
	case "":
		socket = transport.DefaultSocketPath()
	case "-":
		socket = ""
	}
	addressFile := cfg.Server.AddressFile
	if addressFile == "" {
		addressFile = transport.DefaultAddressFile()
	}

	if existing, err := transport.ReadAddress(addressFile); err == nil && existing.Reachable(ctx) {
		return fmt.Errorf("a broker is already running (pid %d, %s)", existing.PID, addressFile)
	}

	m := metrics.New()
	if cfg.Metrics.Address != "" {
		ms := metrics.NewServer(cfg.Metrics.Address, cfg.Metrics.Path, m)
		if err := ms.Start(); err != nil {
			return err
		}
		logger.Info("Metrics on http://%s%s", ms.Addr(), cfg.Metrics.Path)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := ms.Stop(sctx); err != nil {
				logger.Warn("%v", err)
			}
		}()
	}

	var j *journal.Journal
	if cfg.Journal.Dir != "" {
		jc := journal.DefaultConfig(cfg.Journal.Dir)
		jc.Retention = cfg.JournalRetention()
		jc.Logger = logger
		var err error
		if j, err = journal.Open(jc); err != nil {
			return err
		}
		defer j.Close()
		logger.Info("Journal in %s", cfg.Journal.Dir)
	}

	b := broker.New(broker.Options{
		Logger:              logger,
		Metrics:             m,
		Journal:             j,
		DelayedReplyTimeout: cfg.DelayedReplyTimeout(),
		Suicide:             cfg.Lifecycle.Suicide,
		SuicideGrace:        cfg.SuicideGrace(),
		TickInterval:        cfg.TickInterval(),
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	brokerDone := make(chan error, 1)
	go func() {
		brokerDone <- b.Run(runCtx)
	}()

	srv, err := transport.Listen(runCtx, transport.Config{
		UnixSocket:   socket,
		TCPAddress:   cfg.Server.TCPAddress,
		NoLocal:      cfg.Server.NoLocal,
		WriteTimeout: cfg.WriteTimeout(),
		MaxPending:   cfg.Server.MaxPendingBytes,
		Logger:       logger,
	}, b)
	if err != nil {
		cancel()
		<-brokerDone
		return err
	}

	published, err := transport.PublishAddress(addressFile, srv.Addresses())
	if err != nil {
		cancel()
		srv.Close()
		<-brokerDone
		return err
	}
	logger.Info("DCOP server ready, address file %s (instance %s)", addressFile, published.Instance)
	if ready != nil {
		ready <- published
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-brokerDone:
		brokerDone = nil
	}

	cancel()
	srv.Close()
	if brokerDone != nil {
		select {
		case runErr = <-brokerDone:
		case <-time.After(shutdownTimeout):
			logger.Warn("Shutdown timeout exceeded")
		}
	}

	if err := transport.RemoveAddress(addressFile, published.Instance); err != nil {
		logger.Warn("%v", err)
	}

	if errors.Is(runErr, broker.ErrSuicide) {
		logger.Info("No clients left, exiting")
		return nil
	}
	if runErr == nil {
		logger.Info("DCOP server stopped")
	}
	return runErr
}
