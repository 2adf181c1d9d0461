package localhttp

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskcluster/devicerelay/protocol"
)

func genLogger() *log.Logger {
	return &log.Logger{
		Out:       os.Stdout,
		Formatter: new(log.TextFormatter),
		Level:     log.DebugLevel,
	}
}

func noLanIP() (string, error) {
	return "", ErrNoLocalIP
}

func urls(cands []Candidate) []string {
	out := make([]string, 0, len(cands))
	for _, c := range cands {
		out = append(out, c.URL)
	}
	return out
}

func port(t *testing.T, srv *httptest.Server) int {
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	p, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return p
}

func closedPort(t *testing.T) int {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return p
}

// genServer answers every path with status and body, counting hits
func genServer(status int, body string, hits *int32) *httptest.Server {
	r := mux.NewRouter()
	r.PathPrefix("/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			atomic.AddInt32(hits, 1)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})
	return httptest.NewServer(r)
}

type fixedOverride struct {
	base string
}

func (f fixedOverride) MapRelativePath(path, scheme string) (string, bool) {
	if path != "/api/printer" {
		return "", false
	}
	return scheme + "://" + f.base + path, true
}

type fixedNames map[string]string

func (f fixedNames) ResolveIfLocalName(rawURL string) (string, bool) {
	r, ok := f[rawURL]
	return r, ok
}

func TestResolveRelative(t *testing.T) {
	r := NewResolver(Config{
		PrimaryPort:  5000,
		ProxyPort:    80,
		ProxyIsHTTPS: true,
		WebcamPort:   8080,
		LocalIP:      StaticIP("192.168.1.20"),
		Log:          genLogger(),
	})

	cands, err := r.Resolve("/webcam?action=stream", protocol.PathRelative)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"http://127.0.0.1:5000/webcam/?action=stream",
		"https://127.0.0.1:80/webcam/?action=stream",
		"http://192.168.1.20:5000/webcam/?action=stream",
		"https://192.168.1.20:80/webcam/?action=stream",
		"http://127.0.0.1:8080/?action=stream",
	}, urls(cands))

	cands, err = r.Resolve("/api/version", protocol.PathRelative)
	require.NoError(t, err)
	assert.Len(t, cands, 4)
	assert.Equal(t, "primary", cands[0].Kind)
	assert.Equal(t, "proxy", cands[1].Kind)
}

func TestResolveRelativeNoLanIP(t *testing.T) {
	r := NewResolver(Config{PrimaryPort: 5000, ProxyPort: 80, LocalIP: noLanIP})
	cands, err := r.Resolve("/", protocol.PathRelative)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://127.0.0.1:5000/", "http://127.0.0.1:80/"}, urls(cands))
}

func TestResolveRouteOverride(t *testing.T) {
	r := NewResolver(Config{
		PrimaryPort:   5000,
		ProxyPort:     80,
		LocalIP:       noLanIP,
		RouteOverride: fixedOverride{base: "127.0.0.1:7125"},
	})
	cands, err := r.Resolve("/api/printer", protocol.PathRelative)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"http://127.0.0.1:7125/api/printer",
		"http://127.0.0.1:5000/api/printer",
		"http://127.0.0.1:80/api/printer",
	}, urls(cands))

	ws, err := r.WebSocketCandidates("/api/printer", protocol.PathRelative)
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:7125/api/printer", ws[0].URL)
}

func TestResolveAbsolute(t *testing.T) {
	r := NewResolver(Config{
		PrimaryPort:  5000,
		NameResolver: fixedNames{"http://printer.local/stream": "http://192.168.1.5/stream"},
	})
	cands, err := r.Resolve("http://printer.local/stream", protocol.PathAbsolute)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://192.168.1.5/stream", "http://printer.local/stream"}, urls(cands))

	cands, err = r.Resolve("http://example.com/x", protocol.PathAbsolute)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://example.com/x"}, urls(cands))
}

func TestResolveErrors(t *testing.T) {
	r := NewResolver(Config{PrimaryPort: 5000})
	_, err := r.Resolve("", protocol.PathRelative)
	require.Equal(t, ErrEmptyPath, err)
	_, err = r.Resolve("/x", protocol.PathNone)
	require.Error(t, err)
	_, err = r.WebSocketCandidates("/x", protocol.PathType(7))
	require.Error(t, err)
}

func TestWebSocketCandidates(t *testing.T) {
	r := NewResolver(Config{
		PrimaryPort:  5000,
		ProxyPort:    443,
		ProxyIsHTTPS: true,
		WebcamPort:   8080,
		LocalIP:      StaticIP("10.0.0.7"),
	})
	cands, err := r.WebSocketCandidates("/sockjs/websocket", protocol.PathRelative)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"ws://127.0.0.1:5000/sockjs/websocket",
		"wss://127.0.0.1:443/sockjs/websocket",
		"wss://10.0.0.7:443/sockjs/websocket",
		"ws://10.0.0.7:5000/sockjs/websocket",
	}, urls(cands))

	r = NewResolver(Config{
		NameResolver: fixedNames{"ws://printer.local:7125/websocket": "ws://192.168.1.5:7125/websocket"},
	})
	cands, err = r.WebSocketCandidates("ws://printer.local:7125/websocket", protocol.PathAbsolute)
	require.NoError(t, err)
	assert.Len(t, cands, 2)

	cands, err = r.WebSocketCandidates("https://example.com/socket", protocol.PathAbsolute)
	require.NoError(t, err)
	assert.Equal(t, []string{"wss://example.com/socket"}, urls(cands))
}

func TestDoFallsBackOn404(t *testing.T) {
	primary := genServer(http.StatusNotFound, "nope", nil)
	defer primary.Close()
	proxy := genServer(http.StatusOK, "proxy", nil)
	defer proxy.Close()

	r := NewResolver(Config{PrimaryPort: port(t, primary), ProxyPort: port(t, proxy), LocalIP: noLanIP, Log: genLogger()})
	res, err := r.Do(context.Background(), "GET", "/index.html", protocol.PathRelative, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, res)
	defer res.Close()

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, res.DidFallback)
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, "proxy", string(body))
}

func TestDoServerErrorIsFinal(t *testing.T) {
	var proxyHits int32
	primary := genServer(http.StatusInternalServerError, "boom", nil)
	defer primary.Close()
	proxy := genServer(http.StatusOK, "proxy", &proxyHits)
	defer proxy.Close()

	r := NewResolver(Config{PrimaryPort: port(t, primary), ProxyPort: port(t, proxy), LocalIP: noLanIP})
	res, err := r.Do(context.Background(), "GET", "/", protocol.PathRelative, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, res)
	defer res.Close()
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	assert.False(t, res.DidFallback)
	assert.Equal(t, int32(0), atomic.LoadInt32(&proxyHits))
}

func TestDoSkipsUnreachable(t *testing.T) {
	proxy := genServer(http.StatusOK, "proxy", nil)
	defer proxy.Close()

	r := NewResolver(Config{PrimaryPort: closedPort(t), ProxyPort: port(t, proxy), LocalIP: noLanIP})
	res, err := r.Do(context.Background(), "GET", "/", protocol.PathRelative, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, res)
	defer res.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestDoAllFail(t *testing.T) {
	primary := genServer(http.StatusNotFound, "", nil)
	defer primary.Close()
	proxy := genServer(http.StatusNotFound, "", nil)
	defer proxy.Close()

	r := NewResolver(Config{PrimaryPort: port(t, primary), ProxyPort: port(t, proxy), LocalIP: noLanIP})
	res, err := r.Do(context.Background(), "GET", "/", protocol.PathRelative, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, res)
	defer res.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Contains(t, res.URL, strconv.Itoa(port(t, proxy)))

	// the last candidate cannot be reached
	r = NewResolver(Config{PrimaryPort: port(t, primary), ProxyPort: closedPort(t), LocalIP: noLanIP})
	res, err = r.Do(context.Background(), "GET", "/", protocol.PathRelative, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestDoRetriesWithoutHeaders(t *testing.T) {
	var hits int32
	router := mux.NewRouter()
	router.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.Header.Get("X-Huge") != "" {
			w.WriteHeader(http.StatusRequestHeaderFieldsTooLarge)
			return
		}
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(body)
	}).Methods("POST")
	srv := httptest.NewServer(router)
	defer srv.Close()

	r := NewResolver(Config{PrimaryPort: port(t, srv), LocalIP: noLanIP})
	h := http.Header{}
	h.Set("X-Huge", "x")
	res, err := r.Do(context.Background(), "POST", "/upload", protocol.PathRelative, h, []byte("gcode"))
	require.NoError(t, err)
	require.NotNil(t, res)
	defer res.Close()
	assert.Equal(t, http.StatusCreated, res.StatusCode)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, "gcode", string(body))
}

func TestDoSendsHeaders(t *testing.T) {
	router := mux.NewRouter()
	router.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Host", r.Host)
		w.Header().Set("X-Accept-Encoding", r.Header.Get("Accept-Encoding"))
		w.Header().Set("X-Cookie", r.Header.Get("Cookie"))
		w.Header().Set("Location", "http://127.0.0.1/elsewhere")
		w.WriteHeader(http.StatusFound)
	})
	srv := httptest.NewServer(router)
	defer srv.Close()

	r := NewResolver(Config{PrimaryPort: port(t, srv), LocalIP: noLanIP})
	h := http.Header{}
	h.Set("Host", "127.0.0.1")
	h.Set("Cookie", "a=1")
	h.Set("Accept-Encoding", "gzip")
	res, err := r.Do(context.Background(), "GET", "/echo", protocol.PathRelative, h, nil)
	require.NoError(t, err)
	require.NotNil(t, res)
	defer res.Close()

	// redirects are not followed
	assert.Equal(t, http.StatusFound, res.StatusCode)
	assert.Equal(t, "127.0.0.1", res.Header.Get("X-Host"))
	assert.Equal(t, "identity", res.Header.Get("X-Accept-Encoding"))
	assert.Equal(t, "a=1", res.Header.Get("X-Cookie"))
}

func TestResultClose(t *testing.T) {
	var closed int
	res := &Result{FullBody: []byte("x"), OnClose: func() { closed++ }}
	require.NoError(t, res.Close())
	require.NoError(t, res.Close())
	assert.Equal(t, 1, closed)
	assert.True(t, res.HasFullBody())
	assert.Equal(t, 1, res.FullBodyUncompressedSize())

	res = &Result{FullBody: []byte("xx"), FullBodyCompression: protocol.CompressionZlib, FullBodySize: 500}
	assert.Equal(t, 500, res.FullBodyUncompressedSize())

	var nilResult *Result
	require.NoError(t, nilResult.Close())
}
