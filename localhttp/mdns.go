package localhttp

import (
	"context"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/taskcluster/devicerelay/util"
)

const (
	localNameLookupTimeout = 2 * time.Second
	localNameCacheTime     = 5 * time.Minute
)

type cachedAddr struct {
	ip      string
	expires time.Time
}

// LocalNames resolves ".local" host names through the system resolver, which
// answers multicast dns names on hosts configured for it. Answers are cached
// for a few minutes.
type LocalNames struct {
	Lookup func(ctx context.Context, host string) ([]string, error)
	Log    logrus.FieldLogger

	mu    sync.Mutex
	cache map[string]cachedAddr
	now   func() time.Time
}

// NewLocalNames creates a LocalNames using the default resolver.
func NewLocalNames(log logrus.FieldLogger) *LocalNames {
	return &LocalNames{
		Lookup: net.DefaultResolver.LookupHost,
		Log:    util.OrNull(log),
	}
}

// ResolveIfLocalName implements LocalNameResolver.
func (l *LocalNames) ResolveIfLocalName(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", false
	}
	host := u.Hostname()
	if !strings.Contains(strings.ToLower(host), ".local") {
		return "", false
	}
	ip, ok := l.lookup(host)
	if !ok {
		util.OrNull(l.Log).WithField("host", host).Info("could not resolve local name")
		return "", false
	}
	if port := u.Port(); port != "" {
		u.Host = net.JoinHostPort(ip, port)
	} else if strings.Contains(ip, ":") {
		u.Host = "[" + ip + "]"
	} else {
		u.Host = ip
	}
	return u.String(), true
}

func (l *LocalNames) lookup(host string) (string, bool) {
	now := time.Now
	if l.now != nil {
		now = l.now
	}
	key := strings.ToLower(host)

	l.mu.Lock()
	if c, ok := l.cache[key]; ok && now().Before(c.expires) {
		l.mu.Unlock()
		return c.ip, true
	}
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), localNameLookupTimeout)
	defer cancel()
	addrs, err := l.Lookup(ctx, host)
	if err != nil || len(addrs) == 0 {
		return "", false
	}
	ip := addrs[0]
	// prefer ipv4, local web servers often only listen on it
	for _, a := range addrs {
		if !strings.Contains(a, ":") {
			ip = a
			break
		}
	}

	l.mu.Lock()
	if l.cache == nil {
		l.cache = make(map[string]cachedAddr)
	}
	l.cache[key] = cachedAddr{ip: ip, expires: now().Add(localNameCacheTime)}
	l.mu.Unlock()
	return ip, true
}
