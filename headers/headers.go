// Package headers translates http headers between the form carried on the
// relay wire and the form sent to, or received from, the local web server.
package headers

import (
	"net/http"
	"net/url"
	"sort"
	"strings"

	set "github.com/deckarep/golang-set"
	"github.com/sirupsen/logrus"
	"github.com/taskcluster/devicerelay/protocol"
	"github.com/taskcluster/devicerelay/util"
)

const (
	ForwardedProto = "X-Forwarded-Proto"
	ForwardedHost  = "X-Forwarded-Host"
)

// Headers the relay adds to route a request to the webcam. They are read by
// the webcam collaborator and never reach the local server.
const (
	WebcamSnapshot  = "oe-snapshot"
	WebcamStream    = "oe-webcamstream"
	WebcamIndex     = "oe-webcam-index"
	WebcamTransform = "x-oe-webcam-transform"
)

// Protocol is the base protocol of a relayed request; it picks the value of
// X-Forwarded-Proto.
type Protocol int

const (
	HTTP Protocol = iota
	WebSocket
)

var (
	// request headers never forwarded to the local server, lower case
	strippedRequest = set.NewSetFromSlice([]interface{}{
		"accept-encoding",
		"transfer-encoding",
		"upgrade-insecure-requests",
		"x-forwarded-for",
		"x-real-ip",
		"x-original-proto",
	}).Union(webcamSignals)

	webcamSignals = set.NewSetFromSlice([]interface{}{
		WebcamSnapshot,
		WebcamStream,
		WebcamIndex,
		WebcamTransform,
	})

	// response headers never sent back over the relay, lower case
	strippedResponse = set.NewSetFromSlice([]interface{}{
		"transfer-encoding",
		"x-clacks-overhead",
	})
)

// Translator holds what is needed to rewrite headers for the local hop.
type Translator struct {
	// HostAddress is the local address (no scheme) used for Host, Referer
	// and Origin.
	HostAddress string
	Log         logrus.FieldLogger
}

// NewTranslator returns a Translator targeting hostAddress.
func NewTranslator(hostAddress string, log logrus.FieldLogger) *Translator {
	if log == nil {
		log = util.NullLogger()
	}
	return &Translator{HostAddress: hostAddress, Log: log}
}

// GatherRequest builds the header set for a local http call from the headers
// carried in ctx. ctx may be nil, in which case only the injected headers are
// returned.
func (t *Translator) GatherRequest(ctx *protocol.HttpInitialContext, proto Protocol) (http.Header, error) {
	send := http.Header{}
	if ctx != nil {
		for _, h := range ctx.Headers {
			if !t.valid(h) {
				continue
			}
			lower := strings.ToLower(h.Key)
			if strippedRequest.Contains(lower) {
				continue
			}
			value := h.Value
			switch lower {
			case "host":
				value = t.HostAddress
			case "referer", "origin":
				value = "http://" + t.HostAddress
			}
			send.Add(h.Key, value)
		}

		// CorrectLocation depends on these two
		if ctx.OctoHost == "" {
			return nil, ErrMissingHost
		}
		send.Set(ForwardedHost, ctx.OctoHost)
	}

	switch proto {
	case HTTP:
		send.Set(ForwardedProto, "https")
	case WebSocket:
		send.Set(ForwardedProto, "wss")
	default:
		t.Log.WithField("protocol", proto).Error("unknown protocol gathering request headers")
	}

	// identity, since compression happens on the relay link instead
	send.Set("Accept-Encoding", "identity")
	return send, nil
}

// WebcamSignals returns the webcam routing headers carried in ctx, or an
// empty header set.
func (t *Translator) WebcamSignals(ctx *protocol.HttpInitialContext) http.Header {
	out := http.Header{}
	if ctx == nil {
		return out
	}
	for _, h := range ctx.Headers {
		if webcamSignals.Contains(strings.ToLower(h.Key)) && t.valid(h) {
			out.Add(h.Key, h.Value)
		}
	}
	return out
}

// GatherWebSocket returns the headers allowed on a local websocket upgrade.
// Only api keys and cookies are forwarded; some local realtime servers refuse
// upgrades carrying anything unexpected.
func (t *Translator) GatherWebSocket(ctx *protocol.HttpInitialContext) http.Header {
	send := http.Header{}
	if ctx == nil {
		return send
	}
	for _, h := range ctx.Headers {
		if !t.valid(h) {
			continue
		}
		lower := strings.ToLower(h.Key)
		if strings.HasPrefix(lower, "x-api-key") || lower == "cookie" {
			send.Add(h.Key, h.Value)
		}
	}
	return send
}

// SubProtocols returns the websocket sub-protocols requested in ctx, or nil.
func SubProtocols(ctx *protocol.HttpInitialContext) []string {
	value, ok := ctx.HeaderValue("Sec-WebSocket-Protocol")
	if !ok {
		return nil
	}
	var out []string
	for _, p := range strings.Split(value, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// CorrectLocation rewrites a Location response header so that it points at
// the forwarded scheme and host instead of whatever local address the server
// used. requestPath is the path (or URL) of the original request and is used
// to resolve "./" relative targets. sent is the header set that was sent to
// the local server.
func (t *Translator) CorrectLocation(requestPath, location string, sent http.Header) string {
	log := t.Log.WithField("location", location)
	proto, host := sent.Get(ForwardedProto), sent.Get(ForwardedHost)
	if proto == "" || host == "" {
		log.Warn("location header seen without forwarded proto and host")
		return location
	}

	loc, err := url.Parse(location)
	if err != nil {
		log.WithError(err).Warn("could not parse location header")
		return location
	}
	switch strings.ToLower(loc.Scheme) {
	case "", "http", "https", "ws", "wss":
	default:
		log.Warn("location header is not http or ws")
		return location
	}

	path := loc.Path
	if strings.HasPrefix(path, "./") {
		base := &url.URL{Path: "/"}
		if req, err := url.Parse(requestPath); err == nil && req.Path != "" {
			base.Path = req.Path
		}
		path = base.ResolveReference(&url.URL{Path: path}).Path
	}

	corrected := (&url.URL{
		Scheme:   proto,
		Host:     host,
		Path:     path,
		RawQuery: loc.RawQuery,
	}).String()
	if corrected != location {
		log.WithField("corrected", corrected).Info("corrected location header")
	}
	return corrected
}

// FilterResponse converts local response headers into wire headers, dropping
// the ones that would not match what the relay sends on. The output is sorted
// by key so that frames are deterministic.
func FilterResponse(h http.Header) []protocol.Header {
	keys := make([]string, 0, len(h))
	for k := range h {
		if strippedResponse.Contains(strings.ToLower(k)) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]protocol.Header, 0, len(keys))
	for _, k := range keys {
		for _, v := range h[k] {
			out = append(out, protocol.Header{Key: k, Value: v})
		}
	}
	return out
}

func (t *Translator) valid(h protocol.Header) bool {
	if h.Key == "" || strings.ContainsAny(h.Key, " :\r\n\t") || strings.ContainsAny(h.Value, "\r\n") {
		t.Log.WithField("header", h.Key).Warn("skipping malformed header")
		return false
	}
	return true
}
