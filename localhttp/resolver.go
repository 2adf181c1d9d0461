// Package localhttp finds and calls the local web servers that relayed
// requests are meant for.
package localhttp

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/taskcluster/devicerelay/protocol"
	"github.com/taskcluster/devicerelay/util"
)

const (
	// local operations such as firmware uploads can legitimately take a long
	// time to answer
	defaultTimeout = 30 * time.Minute
	dialTimeout    = 10 * time.Second
)

// RouteOverride maps a relative path to an absolute url on a different local
// service, for servers that expose their API somewhere other than their UI.
// scheme is "http" or "ws".
type RouteOverride interface {
	MapRelativePath(path, scheme string) (string, bool)
}

// LocalNameResolver rewrites urls whose host is a multicast dns name (such
// as "printer.local") to use the resolved ip.
type LocalNameResolver interface {
	ResolveIfLocalName(rawURL string) (string, bool)
}

// Config describes the local services. HostAddress is the loopback address
// the services are reached on.
type Config struct {
	HostAddress  string
	PrimaryPort  int
	ProxyPort    int
	ProxyIsHTTPS bool
	// WebcamPort is tried last for webcam paths; 0 disables it.
	WebcamPort int

	// LocalIP returns the LAN address of the device. It defaults to LocalIP.
	LocalIP func() (string, error)

	RouteOverride RouteOverride
	NameResolver  LocalNameResolver

	// Timeout is the time allowed for a local server to start answering.
	Timeout time.Duration

	Log logrus.FieldLogger
}

// Candidate is one url to attempt.
type Candidate struct {
	Kind string
	URL  string
}

// Resolver computes candidate urls and performs local http calls. Candidates
// are computed again for every request, since the local services may move
// between requests.
type Resolver struct {
	conf   Config
	client *http.Client
	log    logrus.FieldLogger
}

// NewResolver creates a Resolver.
func NewResolver(conf Config) *Resolver {
	if conf.HostAddress == "" {
		conf.HostAddress = "127.0.0.1"
	}
	if conf.LocalIP == nil {
		conf.LocalIP = LocalIP
	}
	if conf.Timeout == 0 {
		conf.Timeout = defaultTimeout
	}
	return &Resolver{
		conf:   conf,
		client: newClient(conf.Timeout),
		log:    util.OrNull(conf.Log),
	}
}

func newClient(timeout time.Duration) *http.Client {
	return &http.Client{
		// redirects are passed back to the browser
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   dialTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			// local servers use self signed certificates
			TLSClientConfig:       &tls.Config{InsecureSkipVerify: true}, // #nosec G402
			ResponseHeaderTimeout: timeout,
			DisableCompression:    true,
			MaxIdleConnsPerHost:   8,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

// HostAddress is the loopback address of the local services.
func (r *Resolver) HostAddress() string {
	return r.conf.HostAddress
}

func (r *Resolver) hostURL(scheme, host string, port int) string {
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(port))
}

func (r *Resolver) lanIP() string {
	ip, err := r.conf.LocalIP()
	if err != nil {
		r.log.WithError(err).Debug("no lan ip, skipping lan candidates")
		return ""
	}
	if ip == r.conf.HostAddress {
		return ""
	}
	return ip
}

// normalizePath fixes up the one relative path form some webcam servers
// mishandle.
func normalizePath(path string) string {
	if strings.HasPrefix(path, "/webcam?action") {
		return "/webcam/" + path[len("/webcam"):]
	}
	return path
}

// webcamPath returns the path below the first segment of a webcam path, e.g.
// "/?action=stream" for "/webcam/?action=stream".
func webcamPath(path string) (string, bool) {
	if !strings.HasPrefix(strings.ToLower(path), "/webcam") {
		return "", false
	}
	i := strings.Index(path[1:], "/")
	if i < 0 {
		return "", false
	}
	return path[i+1:], true
}

// Resolve returns the urls to try, in order, for an http request.
func (r *Resolver) Resolve(path string, pathType protocol.PathType) ([]Candidate, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}
	switch pathType {
	case protocol.PathAbsolute:
		return r.absolute(path), nil
	case protocol.PathRelative:
	default:
		return nil, errors.Wrapf(ErrUnknownPathType, "path type %d", pathType)
	}

	path = normalizePath(path)
	host := r.conf.HostAddress
	proxyScheme := util.HTTPScheme(r.conf.ProxyIsHTTPS)

	var cands []Candidate
	if r.conf.RouteOverride != nil {
		if u, ok := r.conf.RouteOverride.MapRelativePath(path, "http"); ok {
			cands = append(cands, Candidate{Kind: "override", URL: u})
		}
	}
	cands = append(cands, Candidate{Kind: "primary", URL: r.hostURL("http", host, r.conf.PrimaryPort) + path})
	if r.conf.ProxyPort > 0 {
		cands = append(cands, Candidate{Kind: "proxy", URL: r.hostURL(proxyScheme, host, r.conf.ProxyPort) + path})
	}
	if ip := r.lanIP(); ip != "" {
		cands = append(cands, Candidate{Kind: "lan-primary", URL: r.hostURL("http", ip, r.conf.PrimaryPort) + path})
		if r.conf.ProxyPort > 0 {
			cands = append(cands, Candidate{Kind: "lan-proxy", URL: r.hostURL(proxyScheme, ip, r.conf.ProxyPort) + path})
		}
	}
	if r.conf.WebcamPort > 0 {
		if rest, ok := webcamPath(path); ok {
			cands = append(cands, Candidate{Kind: "webcam", URL: r.hostURL("http", host, r.conf.WebcamPort) + rest})
		}
	}
	return cands, nil
}

// WebSocketCandidates returns the urls to try, in order, for a websocket.
// There are at most four for a relative path and two for an absolute one.
func (r *Resolver) WebSocketCandidates(path string, pathType protocol.PathType) ([]Candidate, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}
	switch pathType {
	case protocol.PathAbsolute:
		cands := r.absolute(path)
		for i := range cands {
			cands[i].URL = util.MakeWsURL(cands[i].URL)
		}
		return cands, nil
	case protocol.PathRelative:
	default:
		return nil, errors.Wrapf(ErrUnknownPathType, "path type %d", pathType)
	}

	host := r.conf.HostAddress
	proxyScheme := util.WsScheme(r.conf.ProxyIsHTTPS)

	first := Candidate{Kind: "primary", URL: r.hostURL("ws", host, r.conf.PrimaryPort) + path}
	if r.conf.RouteOverride != nil {
		if u, ok := r.conf.RouteOverride.MapRelativePath(path, "ws"); ok {
			first = Candidate{Kind: "override", URL: u}
		}
	}
	cands := []Candidate{first}
	if r.conf.ProxyPort > 0 {
		cands = append(cands, Candidate{Kind: "proxy", URL: r.hostURL(proxyScheme, host, r.conf.ProxyPort) + path})
	}
	if ip := r.lanIP(); ip != "" {
		if r.conf.ProxyPort > 0 {
			cands = append(cands, Candidate{Kind: "lan-proxy", URL: r.hostURL(proxyScheme, ip, r.conf.ProxyPort) + path})
		}
		cands = append(cands, Candidate{Kind: "lan-primary", URL: r.hostURL("ws", ip, r.conf.PrimaryPort) + path})
	}
	return cands, nil
}

func (r *Resolver) absolute(rawURL string) []Candidate {
	if r.conf.NameResolver != nil {
		if resolved, ok := r.conf.NameResolver.ResolveIfLocalName(rawURL); ok && resolved != rawURL {
			return []Candidate{{Kind: "resolved", URL: resolved}, {Kind: "absolute", URL: rawURL}}
		}
	}
	return []Candidate{{Kind: "absolute", URL: rawURL}}
}

// Do performs a request against the candidates for path. Candidates are tried
// in order until one answers with something other than 404. If none does, the
// result of the last candidate is returned, which is nil if it could not be
// reached. An error is only returned for requests that cannot be attempted at
// all.
func (r *Resolver) Do(ctx context.Context, method, path string, pathType protocol.PathType, header http.Header, body []byte) (*Result, error) {
	cands, err := r.Resolve(path, pathType)
	if err != nil {
		return nil, err
	}

	for i, c := range cands {
		log := r.log.WithFields(logrus.Fields{"endpoint": c.Kind, "url": c.URL})
		res, err := r.attempt(ctx, method, c.URL, header, body)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil
			}
			log.WithError(err).Debug("local request failed")
			continue
		}
		res.DidFallback = i > 0
		if res.StatusCode != http.StatusNotFound || i == len(cands)-1 {
			if res.DidFallback {
				log.WithField("status", res.StatusCode).Debug("answered by fallback")
			}
			return res, nil
		}
		log.Debug("local request got 404, trying next candidate")
		_ = res.Close()
	}
	return nil, nil
}

func (r *Resolver) attempt(ctx context.Context, method, url string, header http.Header, body []byte) (*Result, error) {
	res, err := r.send(ctx, method, url, header, body)
	if err != nil {
		return nil, err
	}
	if res.StatusCode == http.StatusRequestHeaderFieldsTooLarge {
		r.log.WithField("url", url).Info("local server rejected the request headers, retrying without them")
		_ = res.Close()
		return r.send(ctx, method, url, nil, body)
	}
	return res, nil
}

func (r *Resolver) send(ctx context.Context, method, url string, header http.Header, body []byte) (*Result, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, errors.Wrap(err, "building local request")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if host := req.Header.Get("Host"); host != "" {
		req.Host = host
		req.Header.Del("Host")
	}
	// the body is relayed as is, compression is the relay's job
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	return &Result{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		URL:        url,
		Body:       resp.Body,
	}, nil
}
