package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	docopt "github.com/docopt/docopt-go"
	mozlog "github.com/mozilla-services/go-mozlogrus"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/taskcluster/devicerelay/cfg"
	"github.com/taskcluster/devicerelay/command"
	"github.com/taskcluster/devicerelay/compression"
	"github.com/taskcluster/devicerelay/headers"
	"github.com/taskcluster/devicerelay/localhttp"
	"github.com/taskcluster/devicerelay/protocol"
	"github.com/taskcluster/devicerelay/relay"
	"github.com/taskcluster/devicerelay/servercon"
	"github.com/taskcluster/devicerelay/session"
	"github.com/taskcluster/devicerelay/webstream"
)

const version = "1.0.0"

const closeWait = 2 * time.Second

func usage() string {
	return `Device Relay Client
relay-client keeps a connection to the relay service open and serves the
requests it forwards from the local web servers of this device.

Usage: relay-client <config-file> [--json] [--log-level=<level>]
       relay-client -h | --help

Options:
-h --help              Show help
--json                 Output logs in JSON format
--log-level=<level>    Override the configured log level

Environment:
 ENV          set to "production" for mozlog formatted logs
 SENTRY_DSN   report crashes and fatal errors to sentry
` + cfg.Usage()
}

func main() {
	opts, err := docopt.Parse(usage(), nil, true, "relay-client "+version, false, true)
	if err != nil {
		log.Fatalf("Error parsing command-line arguments: %s", err)
	}

	filename := opts["<config-file>"].(string)
	conf, err := cfg.Load(filename)
	if err != nil {
		log.Fatalf("Error loading relay-client config from %s: %s", filename, err)
	}

	logger, err := newLogger(conf, opts)
	if err != nil {
		log.Fatal(err)
	}
	if client := sentryClient(logger); client != nil {
		logger.AddHook(newSentryHook(client, sentryTags(conf)))
	}

	defer func() {
		if r := recover(); r != nil {
			reportCrash(logger, conf, r)
			panic(r)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Configure signals for graceful handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan error, 1)
	go func() {
		done <- run(ctx, conf, logger)
	}()

	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("shutting down")
		cancel()
		select {
		case <-time.After(closeWait):
		case <-done:
		}
	case err := <-done:
		if err != nil && errors.Cause(err) != context.Canceled {
			reportError(logger, conf, err)
			os.Exit(1)
		}
	}
}

func newLogger(conf *cfg.Config, opts docopt.Opts) (*log.Logger, error) {
	logger := log.New()
	logger.SetLevel(conf.LogLevel())
	if lvl, ok := opts["--log-level"].(string); ok && lvl != "" {
		level, err := log.ParseLevel(lvl)
		if err != nil {
			return nil, err
		}
		logger.SetLevel(level)
	}

	if env := os.Getenv("ENV"); env == "production" {
		// add mozlog formatter
		logger.Formatter = &mozlog.MozLogFormatter{
			LoggerName: "relay-client",
		}
	} else if json, _ := opts["--json"].(bool); json {
		logger.Formatter = &log.JSONFormatter{}
	}
	return logger, nil
}

// run wires the client together and blocks until ctx is done.
func run(ctx context.Context, conf *cfg.Config, logger *log.Logger) error {
	pool, err := compression.NewPool(protocol.CompressionZstandard, logger)
	if err != nil {
		return err
	}

	localIP := localhttp.LocalIP
	if conf.Local.IPOverride != "" {
		localIP = localhttp.StaticIP(conf.Local.IPOverride)
	}

	streams := &webstream.Config{
		Resolver: localhttp.NewResolver(localhttp.Config{
			HostAddress:  conf.Local.HostAddress,
			PrimaryPort:  conf.Local.PrimaryPort,
			ProxyPort:    conf.Local.ProxyPort,
			ProxyIsHTTPS: conf.Local.ProxyIsHTTPS,
			WebcamPort:   conf.Local.WebcamPort,
			LocalIP:      localIP,
			NameResolver: localhttp.NewLocalNames(logger),
			Log:          logger,
		}),
		Headers:          headers.NewTranslator(conf.Local.HostAddress, logger),
		Compression:      pool,
		DisableHTTPRelay: conf.Local.DisableHTTPRelay,
		Log:              logger,
	}

	manager, err := relay.New(relay.Config{
		Connection: servercon.Config{
			Endpoint:         conf.Relay.Endpoint,
			UseLowestLatency: conf.Relay.UseLowestLatency,
			Session: session.Config{
				PrinterID:      conf.Device.PrinterID,
				PrivateKey:     conf.Device.PrivateKey,
				PluginVersion:  conf.Device.PluginVersion,
				ServerHostType: conf.Device.ServerHostType,
				IsCompanion:    conf.Device.IsCompanion,
				ProxyPort:      uint32(conf.Local.ProxyPort),
				LocalIP:        localIP,
				Popups:         &popupLog{log: logger},
				Streams:        streams,
			},
			Status: &statusLog{log: logger},
			Backoff: servercon.BackoffConfig{
				Base:      conf.Backoff.Base,
				Max:       conf.Backoff.Cap,
				JitterMin: conf.Backoff.JitterMin,
				JitterMax: conf.Backoff.JitterMax,
			},
		},
		PrimaryRunFor:   conf.Relay.PrimaryRunFor,
		SecondaryRunFor: conf.Relay.SecondaryRunFor,
		Log:             logger,
	})
	if err != nil {
		return err
	}
	streams.Commands = command.New(manager, conf.Device.PluginVersion, logger)

	logger.WithFields(log.Fields{
		"endpoint": conf.Relay.Endpoint,
		"printer":  conf.Device.PrinterID,
		"version":  version,
	}).Info("starting relay client")
	return manager.Run(ctx)
}
