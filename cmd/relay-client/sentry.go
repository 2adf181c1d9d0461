package main

import (
	"encoding/hex"
	"fmt"
	"os"

	raven "github.com/getsentry/raven-go"
	"github.com/pborman/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/taskcluster/devicerelay/cfg"
)

// entries carrying this field were already sent to sentry explicitly
const incidentField = "incidentId"

func sentryTags(conf *cfg.Config) map[string]string {
	return map[string]string{
		"printerId":     conf.Device.PrinterID,
		"pluginVersion": conf.Device.PluginVersion,
		"version":       version,
	}
}

func sentryClient(logger *log.Logger) *raven.Client {
	dsn := os.Getenv("SENTRY_DSN")
	if dsn == "" {
		logger.Debug("no SENTRY_DSN defined, not reporting to sentry")
		return nil
	}
	client, err := raven.New(dsn)
	if err != nil {
		logger.WithError(err).Warn("could not create raven client for reporting to sentry")
		return nil
	}
	return client
}

// sentryHook forwards error log entries to sentry without waiting for
// delivery.
type sentryHook struct {
	client *raven.Client
	tags   map[string]string
}

func newSentryHook(client *raven.Client, tags map[string]string) *sentryHook {
	return &sentryHook{client: client, tags: tags}
}

func (h *sentryHook) Levels() []log.Level {
	return []log.Level{log.PanicLevel, log.FatalLevel, log.ErrorLevel}
}

func (h *sentryHook) Fire(entry *log.Entry) error {
	packet := entryPacket(entry)
	if packet == nil {
		return nil
	}
	h.client.Capture(packet, h.tags)
	return nil
}

// entryPacket builds the sentry packet for a log entry, or nil if the entry
// should not be reported.
func entryPacket(entry *log.Entry) *raven.Packet {
	if _, ok := entry.Data[incidentField]; ok {
		return nil
	}
	extra := map[string]interface{}{}
	for k, v := range entry.Data {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		extra[k] = v
	}
	packet := raven.NewPacket(entry.Message)
	packet.Extra = extra
	packet.Level = raven.ERROR
	if entry.Level < log.ErrorLevel {
		packet.Level = raven.FATAL
	}
	return packet
}

func reportCrash(logger *log.Logger, conf *cfg.Config, r interface{}) {
	logger.WithFields(log.Fields{"panic": r, incidentField: uuid.NewRandom().String()}).Error("relay client crashed")
	client := sentryClient(logger)
	if client == nil {
		return
	}
	_, _ = client.CapturePanicAndWait(
		func() {
			panic(r)
		},
		sentryTags(conf),
	)
}

func reportError(logger *log.Logger, conf *cfg.Config, err error) {
	incidentID := uuid.NewRandom()
	logger.WithField(incidentField, incidentID.String()).WithError(err).Error("relay client stopped")
	client := sentryClient(logger)
	if client == nil {
		return
	}

	exception := raven.NewException(err, raven.NewStacktrace(1, 5, []string{
		"github.com/taskcluster/",
	}))
	packet := raven.NewPacket(fmt.Sprintf("Error: %s", err), nil, exception)
	packet.Level = raven.ERROR
	packet.EventID = hex.EncodeToString(incidentID)

	tags := sentryTags(conf)
	tags[incidentField] = incidentID.String()
	_, done := client.Capture(packet, tags)
	<-done
}
