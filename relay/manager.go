// Package relay hosts the connections of one device: a primary connection
// that is restarted for as long as the process runs, and secondary
// connections the relay summons to other endpoints.
package relay

import (
	"context"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/taskcluster/devicerelay/protocol"
	"github.com/taskcluster/devicerelay/servercon"
	"github.com/taskcluster/devicerelay/util"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPrimaryRunFor   = 47 * time.Hour
	DefaultSecondaryRunFor = 15 * time.Minute
)

// Config is used to create a Manager.
type Config struct {
	// Connection is the template of every connection. Its Endpoint is the
	// primary endpoint.
	Connection servercon.Config

	PrimaryRunFor   time.Duration // Default = DefaultPrimaryRunFor
	SecondaryRunFor time.Duration // Default = DefaultSecondaryRunFor

	Log logrus.FieldLogger
}

// Manager runs the primary connection and any summoned secondaries.
type Manager struct {
	conf Config
	log  logrus.FieldLogger

	// hold m to modify the fields below
	m           sync.Mutex
	primary     *servercon.Connection
	secondaries mapset.Set
	conns       map[string]*servercon.Connection
	group       *errgroup.Group
	ctx         context.Context
}

// New creates a Manager.
func New(conf Config) (*Manager, error) {
	if conf.Connection.Endpoint == "" {
		return nil, errors.New("relay: no primary endpoint")
	}
	if conf.PrimaryRunFor <= 0 {
		conf.PrimaryRunFor = DefaultPrimaryRunFor
	}
	if conf.SecondaryRunFor <= 0 {
		conf.SecondaryRunFor = DefaultSecondaryRunFor
	}
	return &Manager{
		conf:        conf,
		log:         util.OrNull(conf.Log),
		secondaries: mapset.NewSet(),
		conns:       make(map[string]*servercon.Connection),
	}, nil
}

// Run keeps the primary connection running until ctx is done. Secondary
// connections end with it.
func (m *Manager) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	m.m.Lock()
	if m.group != nil {
		m.m.Unlock()
		return errors.New("relay: manager already running")
	}
	m.group = g
	m.ctx = gctx
	m.m.Unlock()

	g.Go(func() error { return m.runPrimary(gctx) })
	err := g.Wait()

	m.m.Lock()
	m.group = nil
	m.ctx = nil
	m.m.Unlock()
	return err
}

func (m *Manager) runPrimary(ctx context.Context) error {
	for {
		conn, err := m.newConnection(m.conf.Connection.Endpoint, true, protocol.SummonUnknown)
		if err != nil {
			return err
		}
		m.m.Lock()
		m.primary = conn
		m.m.Unlock()

		err = conn.Run(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			m.log.WithError(err).Warn("primary connection stopped, restarting it")
		} else {
			m.log.Info("primary connection recycled")
		}
	}
}

func (m *Manager) newConnection(endpoint string, primary bool, method protocol.SummonMethod) (*servercon.Connection, error) {
	conf := m.conf.Connection
	conf.Endpoint = endpoint
	conf.IsPrimary = primary
	conf.SummonMethod = method
	conf.Summons = m
	conf.Log = m.log.WithField("endpoint", endpoint)
	if primary {
		conf.RunFor = m.conf.PrimaryRunFor
	} else {
		// secondaries must reach the endpoint they were summoned to
		conf.UseLowestLatency = false
		conf.Status = nil
		conf.RunFor = m.conf.SecondaryRunFor
	}
	return servercon.New(conf)
}

// OnSummonRequest starts a secondary connection to url, unless one exists.
func (m *Manager) OnSummonRequest(url string, method protocol.SummonMethod) {
	log := m.log.WithFields(logrus.Fields{"url": url, "method": method})

	m.m.Lock()
	defer m.m.Unlock()
	if m.group == nil || m.ctx.Err() != nil {
		log.Warn("summon request while not running")
		return
	}
	if !m.secondaries.Add(url) {
		log.Warn("already connected to summoned endpoint")
		return
	}
	conn, err := m.newConnection(url, false, method)
	if err != nil {
		m.secondaries.Remove(url)
		log.WithError(err).Error("could not create secondary connection")
		return
	}
	m.conns[url] = conn

	ctx := m.ctx
	log.Info("starting secondary connection")
	m.group.Go(func() error {
		m.runSecondary(ctx, url, conn)
		return nil
	})
}

// runSecondary runs a secondary connection once; errors never stop the
// group.
func (m *Manager) runSecondary(ctx context.Context, url string, conn *servercon.Connection) {
	err := conn.Run(ctx)
	log := m.log.WithField("url", url)
	if err != nil && ctx.Err() == nil {
		log.WithError(err).Warn("secondary connection stopped")
	}

	m.m.Lock()
	defer m.m.Unlock()
	if !m.secondaries.Contains(url) {
		log.Error("secondary connection ended but was not tracked")
	}
	m.secondaries.Remove(url)
	delete(m.conns, url)
	log.Info("secondary connection ended")
}

// ReconnectPrimary reconnects the primary connection without waiting,
// e.g. once a lower latency endpoint is known.
func (m *Manager) ReconnectPrimary() {
	m.m.Lock()
	primary := m.primary
	m.m.Unlock()
	if primary != nil {
		primary.ReconnectNow()
	}
}

// Connections returns the status of the primary connection followed by the
// secondaries, ordered by endpoint.
func (m *Manager) Connections() []servercon.Status {
	m.m.Lock()
	primary := m.primary
	conns := make([]*servercon.Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.m.Unlock()

	var out []servercon.Status
	if primary != nil {
		out = append(out, primary.Status())
	}
	secondaries := make([]servercon.Status, 0, len(conns))
	for _, c := range conns {
		secondaries = append(secondaries, c.Status())
	}
	sort.Slice(secondaries, func(i, j int) bool { return secondaries[i].Endpoint < secondaries[j].Endpoint })
	return append(out, secondaries...)
}
