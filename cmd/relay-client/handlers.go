package main

import (
	log "github.com/sirupsen/logrus"
	"github.com/taskcluster/devicerelay/session"
)

// popupLog shows relay notifications in the log; this client has no UI of
// its own.
type popupLog struct {
	log log.FieldLogger
}

func (p *popupLog) ShowPopup(pop session.Popup) {
	entry := p.log.WithFields(log.Fields{
		"title": pop.Title,
		"type":  pop.Type,
	})
	if pop.ActionLink != "" {
		entry = entry.WithField("link", pop.ActionLink)
	}
	if pop.Type == "error" {
		entry.Warn(pop.Text)
		return
	}
	entry.Info(pop.Text)
}

type statusLog struct {
	log log.FieldLogger
}

func (s *statusLog) OnPrimaryConnectionEstablished(accessKey string, connectedAccounts []string) {
	s.log.WithField("accounts", connectedAccounts).Info("primary relay connection established")
}

func (s *statusLog) OnPluginUpdateRequired() {
	s.log.Error("the relay requires a newer version of this client")
}
