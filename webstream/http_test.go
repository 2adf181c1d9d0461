package webstream

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskcluster/devicerelay/headers"
	"github.com/taskcluster/devicerelay/localhttp"
	"github.com/taskcluster/devicerelay/protocol"
)

func headerValue(hs []protocol.Header, key string) (string, bool) {
	for _, h := range hs {
		if strings.EqualFold(h.Key, key) {
			return h.Value, true
		}
	}
	return "", false
}

func genLocalServer() *httptest.Server {
	r := mux.NewRouter()
	r.HandleFunc("/hello", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Content-Length", "5")
		_, _ = w.Write([]byte("hello"))
	})
	r.HandleFunc("/big.json", func(w http.ResponseWriter, r *http.Request) {
		body := strings.Repeat(`{"temp":210.5,"target":210.0},`, 4000)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write([]byte(body))
	})
	r.HandleFunc("/cached", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Content-Type", "text/css")
		w.Header().Set("Content-Length", "4")
		_, _ = w.Write([]byte("body"))
	})
	r.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write(body)
	}).Methods("POST")
	r.HandleFunc("/moved", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "http://127.0.0.1/elsewhere")
		w.WriteHeader(http.StatusFound)
	})
	r.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		f := w.(http.Flusher)
		for i := 0; i < 3; i++ {
			_, _ = w.Write([]byte("data: " + strconv.Itoa(i) + "\n\n"))
			f.Flush()
		}
	})
	return httptest.NewServer(r)
}

func TestRelayGet(t *testing.T) {
	srv := genLocalServer()
	defer srv.Close()

	host := &fakeHost{}
	conf := genConfig(t, serverPort(t, srv))
	genStream(1, host, conf).Incoming(openAndExecute(1, httpContext("GET", "/hello")))
	host.waitClosed(t, 1)

	msgs := host.messages(1)
	require.Len(t, msgs, 1)
	first := msgs[0]
	assert.Equal(t, uint32(200), first.StatusCode)
	assert.Equal(t, uint64(5), first.FullStreamDataSize)
	assert.True(t, first.IsDataTransmissionDone)
	assert.True(t, first.IsCloseMsg)
	assert.False(t, first.CloseDueToRequestConnectionFailure)
	require.NotNil(t, first.HttpInitialContext)
	ct, ok := headerValue(first.HttpInitialContext.Headers, "Content-Type")
	assert.True(t, ok)
	assert.Equal(t, "text/plain", ct)
	assert.Equal(t, []byte("hello"), host.body(t, conf.Compression, 1))
	assert.Empty(t, host.sessionErrors())
}

func TestRelayCompressesText(t *testing.T) {
	srv := genLocalServer()
	defer srv.Close()

	host := &fakeHost{}
	conf := genConfig(t, serverPort(t, srv))
	genStream(1, host, conf).Incoming(openAndExecute(1, httpContext("GET", "/big.json")))
	host.waitClosed(t, 1)

	msgs := host.messages(1)
	require.NotEmpty(t, msgs)
	assert.Equal(t, protocol.CompressionZstandard, msgs[0].DataCompression)
	assert.Less(t, len(msgs[0].Data), int(msgs[0].OriginalDataSize))
	want := strings.Repeat(`{"temp":210.5,"target":210.0},`, 4000)
	assert.Equal(t, want, string(host.body(t, conf.Compression, 1)))
}

func TestRelayNotModified(t *testing.T) {
	srv := genLocalServer()
	defer srv.Close()

	host := &fakeHost{}
	conf := genConfig(t, serverPort(t, srv))
	ctx := httpContext("GET", "/cached")
	ctx.Headers = []protocol.Header{{Key: "If-None-Match", Value: `W/"v1"`}}
	genStream(1, host, conf).Incoming(openAndExecute(1, ctx))
	host.waitClosed(t, 1)

	msgs := host.messages(1)
	require.Len(t, msgs, 1)
	assert.Equal(t, uint32(http.StatusNotModified), msgs[0].StatusCode)
	assert.Empty(t, msgs[0].Data)
	_, hasLength := headerValue(msgs[0].HttpInitialContext.Headers, "Content-Length")
	assert.False(t, hasLength)
	etag, _ := headerValue(msgs[0].HttpInitialContext.Headers, "ETag")
	assert.Equal(t, `"v1"`, etag)
}

func TestRelayUpload(t *testing.T) {
	srv := genLocalServer()
	defer srv.Close()

	host := &fakeHost{}
	conf := genConfig(t, serverPort(t, srv))
	s := genStream(1, host, conf)
	s.Incoming(&protocol.WebStreamMsg{
		StreamID:           1,
		IsOpenMsg:          true,
		HttpInitialContext: httpContext("POST", "/echo"),
		FullStreamDataSize: 11,
		Data:               []byte("hello "),
	})
	s.Incoming(&protocol.WebStreamMsg{StreamID: 1, Data: []byte("world"), IsDataTransmissionDone: true})
	host.waitClosed(t, 1)

	assert.Equal(t, "hello world", string(host.body(t, conf.Compression, 1)))
	assert.Empty(t, host.sessionErrors())
}

func TestRelayUploadUnknownSize(t *testing.T) {
	srv := genLocalServer()
	defer srv.Close()

	host := &fakeHost{}
	conf := genConfig(t, serverPort(t, srv))
	s := genStream(1, host, conf)
	s.Incoming(&protocol.WebStreamMsg{StreamID: 1, IsOpenMsg: true, HttpInitialContext: httpContext("POST", "/echo"), Data: []byte("a")})
	s.Incoming(&protocol.WebStreamMsg{StreamID: 1, Data: []byte("b")})
	s.Incoming(&protocol.WebStreamMsg{StreamID: 1, Data: []byte("c")})
	s.Incoming(&protocol.WebStreamMsg{StreamID: 1, IsControlFlagsOnly: true, IsDataTransmissionDone: true})
	host.waitClosed(t, 1)

	assert.Equal(t, "abc", string(host.body(t, conf.Compression, 1)))
}

func TestRelayUploadCompressed(t *testing.T) {
	srv := genLocalServer()
	defer srv.Close()

	host := &fakeHost{}
	conf := genConfig(t, serverPort(t, srv))
	upload := strings.Repeat("G1 X10 Y10 E0.5\n", 500)
	comp := conf.Compression.NewContext()
	require.NoError(t, comp.SetExpectedTotalSize(int64(len(upload))))
	res, err := comp.Compress([]byte(upload))
	require.NoError(t, err)
	comp.Close()

	s := genStream(1, host, conf)
	s.Incoming(&protocol.WebStreamMsg{
		StreamID:               1,
		IsOpenMsg:              true,
		HttpInitialContext:     httpContext("POST", "/echo"),
		FullStreamDataSize:     uint64(len(upload)),
		Data:                   res.Bytes,
		DataCompression:        res.Type,
		OriginalDataSize:       uint32(len(upload)),
		IsDataTransmissionDone: true,
	})
	host.waitClosed(t, 1)

	assert.Equal(t, upload, string(host.body(t, conf.Compression, 1)))
}

func TestRelayUploadTooLarge(t *testing.T) {
	host := &fakeHost{}
	s := genStream(1, host, genConfig(t, 1))
	s.Incoming(&protocol.WebStreamMsg{
		StreamID:           1,
		IsOpenMsg:          true,
		HttpInitialContext: httpContext("POST", "/echo"),
		FullStreamDataSize: 3,
		Data:               []byte("hello"),
	})

	host.waitClosed(t, 1)
	require.Eventually(t, func() bool { return len(host.sessionErrors()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, ErrUploadTooLarge, errors.Cause(host.sessionErrors()[0]))
}

func TestRelayUploadIncomplete(t *testing.T) {
	host := &fakeHost{}
	s := genStream(1, host, genConfig(t, 1))
	s.Incoming(&protocol.WebStreamMsg{
		StreamID:               1,
		IsOpenMsg:              true,
		HttpInitialContext:     httpContext("POST", "/echo"),
		FullStreamDataSize:     10,
		Data:                   []byte("hello"),
		IsDataTransmissionDone: true,
	})

	host.waitClosed(t, 1)
	require.Eventually(t, func() bool { return len(host.sessionErrors()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, ErrIncompleteUpload, errors.Cause(host.sessionErrors()[0]))
}

func TestRelayMissingMethod(t *testing.T) {
	host := &fakeHost{}
	s := genStream(1, host, genConfig(t, 1))
	s.Incoming(openAndExecute(1, httpContext("", "/hello")))

	host.waitClosed(t, 1)
	require.Eventually(t, func() bool { return len(host.sessionErrors()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, ErrMissingMethod, errors.Cause(host.sessionErrors()[0]))
}

func TestRelayUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	p := serverPort(t, srv)
	srv.Close()

	host := &fakeHost{}
	genStream(1, host, genConfig(t, p)).Incoming(openAndExecute(1, httpContext("GET", "/hello")))
	host.waitClosed(t, 1)

	msg, ok := host.closeSent(1)
	require.True(t, ok)
	assert.True(t, msg.CloseDueToRequestConnectionFailure)
	assert.True(t, msg.IsControlFlagsOnly)
	assert.Empty(t, host.sessionErrors())
}

func TestRelayDisabled(t *testing.T) {
	srv := genLocalServer()
	defer srv.Close()

	host := &fakeHost{}
	conf := genConfig(t, serverPort(t, srv))
	conf.DisableHTTPRelay = true
	genStream(1, host, conf).Incoming(openAndExecute(1, httpContext("GET", "/hello")))
	host.waitClosed(t, 1)

	msgs := host.messages(1)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].CloseDueToRequestConnectionFailure)
	assert.Empty(t, host.sessionErrors())
}

func TestRelayCorrectsLocation(t *testing.T) {
	srv := genLocalServer()
	defer srv.Close()

	host := &fakeHost{}
	conf := genConfig(t, serverPort(t, srv))
	genStream(1, host, conf).Incoming(openAndExecute(1, httpContext("GET", "/moved")))
	host.waitClosed(t, 1)

	msgs := host.messages(1)
	require.NotEmpty(t, msgs)
	assert.Equal(t, uint32(http.StatusFound), msgs[0].StatusCode)
	loc, ok := headerValue(msgs[0].HttpInitialContext.Headers, "Location")
	require.True(t, ok)
	assert.Equal(t, "https://abc.octoeverywhere.com/elsewhere", loc)
}

func TestRelayEventStream(t *testing.T) {
	srv := genLocalServer()
	defer srv.Close()

	host := &fakeHost{}
	conf := genConfig(t, serverPort(t, srv))
	genStream(1, host, conf).Incoming(openAndExecute(1, httpContext("GET", "/events")))
	host.waitClosed(t, 1)

	assert.Equal(t, "data: 0\n\ndata: 1\n\ndata: 2\n\n", string(host.body(t, conf.Compression, 1)))
	msgs := host.messages(1)
	last := msgs[len(msgs)-1]
	assert.True(t, last.IsDataTransmissionDone)
	assert.True(t, last.IsCloseMsg)
	assert.Equal(t, uint64(0), msgs[0].FullStreamDataSize)
}

type fakeCommands struct{}

func (fakeCommands) IsCommandRequest(ctx *protocol.HttpInitialContext) bool {
	return strings.HasPrefix(ctx.Path, "/cmd/")
}

func (fakeCommands) HandleCommand(ctx context.Context, req *Request) *localhttp.Result {
	return &localhttp.Result{
		StatusCode: 200,
		Header:     http.Header{"Content-Type": {"application/json"}},
		FullBody:   []byte(`{"Status":200}`),
	}
}

type fakeCache struct {
	hits int
}

func (c *fakeCache) Lookup(ctx *protocol.HttpInitialContext) *localhttp.Result {
	if ctx.Path != "/static/app.js" {
		return nil
	}
	c.hits++
	return &localhttp.Result{StatusCode: 200, Header: http.Header{}, FullBody: []byte("cached")}
}

func TestRelayCollaborators(t *testing.T) {
	host := &fakeHost{}
	conf := genConfig(t, 1)
	cache := &fakeCache{}
	conf.Commands = fakeCommands{}
	conf.Cache = cache

	genStream(1, host, conf).Incoming(openAndExecute(1, httpContext("GET", "/cmd/ping")))
	genStream(2, host, conf).Incoming(openAndExecute(2, httpContext("GET", "/static/app.js")))
	host.waitClosed(t, 1)
	host.waitClosed(t, 2)

	assert.Equal(t, `{"Status":200}`, string(host.body(t, conf.Compression, 1)))
	msgs := host.messages(1)
	length, _ := headerValue(msgs[0].HttpInitialContext.Headers, "Content-Length")
	assert.Equal(t, "14", length)

	assert.Equal(t, "cached", string(host.body(t, conf.Compression, 2)))
	assert.Equal(t, 1, cache.hits)
}

func TestNotModified(t *testing.T) {
	res := func() *localhttp.Result {
		return &localhttp.Result{StatusCode: 200, Header: http.Header{
			"Etag":           {`"abc"`},
			"Last-Modified":  {"Mon, 01 Jan 2024 00:00:00 GMT"},
			"Content-Length": {"10"},
			"Content-Type":   {"text/html"},
		}}
	}

	r := res()
	assert.False(t, notModified(http.Header{}, r))
	assert.Equal(t, 200, r.StatusCode)

	r = res()
	assert.False(t, notModified(http.Header{"If-None-Match": {`"xyz"`}}, r))

	r = res()
	assert.True(t, notModified(http.Header{"If-None-Match": {`"abc"`}}, r))
	assert.Equal(t, http.StatusNotModified, r.StatusCode)
	assert.Empty(t, r.Header.Get("Content-Length"))
	assert.Empty(t, r.Header.Get("Content-Type"))
	assert.Equal(t, `"abc"`, r.Header.Get("ETag"))

	r = res()
	assert.True(t, notModified(http.Header{"If-Modified-Since": {"Mon, 01 Jan 2024 00:00:00 GMT"}}, r))
}

type etagCache struct{}

func (etagCache) Lookup(ctx *protocol.HttpInitialContext) *localhttp.Result {
	return &localhttp.Result{
		StatusCode: 200,
		Header:     http.Header{"Etag": {`"abc"`}, "Content-Type": {"text/plain"}},
		FullBody:   []byte("hello world"),
	}
}

func TestRelayCachedNotModified(t *testing.T) {
	host := &fakeHost{}
	conf := genConfig(t, 1)
	conf.Cache = etagCache{}
	ctx := httpContext("GET", "/static/app.js")
	ctx.Headers = []protocol.Header{{Key: "If-None-Match", Value: `"abc"`}}
	genStream(1, host, conf).Incoming(openAndExecute(1, ctx))
	host.waitClosed(t, 1)

	msgs := host.messages(1)
	require.Len(t, msgs, 1)
	assert.Equal(t, uint32(http.StatusNotModified), msgs[0].StatusCode)
	assert.Empty(t, msgs[0].Data)
	assert.Equal(t, uint64(0), msgs[0].FullStreamDataSize)
	_, hasLength := headerValue(msgs[0].HttpInitialContext.Headers, "Content-Length")
	assert.False(t, hasLength)
	assert.True(t, msgs[0].IsCloseMsg)
}

func TestRelayNoContentIgnoresFullBody(t *testing.T) {
	host := &fakeHost{}
	conf := genConfig(t, 1)
	conf.Commands = noContentCommands{}
	genStream(1, host, conf).Incoming(openAndExecute(1, httpContext("GET", "/cmd/empty")))
	host.waitClosed(t, 1)

	msgs := host.messages(1)
	require.Len(t, msgs, 1)
	assert.Equal(t, uint32(http.StatusNoContent), msgs[0].StatusCode)
	assert.Empty(t, msgs[0].Data)
	assert.Equal(t, uint64(0), msgs[0].FullStreamDataSize)
	_, hasLength := headerValue(msgs[0].HttpInitialContext.Headers, "Content-Length")
	assert.False(t, hasLength)
}

type noContentCommands struct{}

func (noContentCommands) IsCommandRequest(ctx *protocol.HttpInitialContext) bool { return true }

func (noContentCommands) HandleCommand(ctx context.Context, req *Request) *localhttp.Result {
	return &localhttp.Result{StatusCode: http.StatusNoContent, Header: http.Header{}, FullBody: []byte("ignored")}
}

// fakeWebcam answers snapshot requests and records the headers it was given
type fakeWebcam struct {
	m    sync.Mutex
	seen []http.Header
}

func (w *fakeWebcam) IsSnapshotOrStreamRequest(h http.Header) bool {
	return h.Get(headers.WebcamSnapshot) != "" || h.Get(headers.WebcamStream) != ""
}

func (w *fakeWebcam) Handle(ctx context.Context, req *Request) (*localhttp.Result, error) {
	w.m.Lock()
	w.seen = append(w.seen, req.Header)
	w.m.Unlock()
	return &localhttp.Result{StatusCode: 200, Header: http.Header{"Content-Type": {"image/jpeg"}}, FullBody: []byte("jpeg")}, nil
}

func TestRelayWebcamHeadersStayLocal(t *testing.T) {
	received := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- r.Header.Clone()
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	host := &fakeHost{}
	conf := genConfig(t, serverPort(t, srv))
	cam := &fakeWebcam{}
	conf.Webcam = cam

	// the webcam index and transform alone do not route to the webcam, so
	// this request goes to the local server
	ctx := httpContext("GET", "/index.html")
	ctx.Headers = []protocol.Header{
		{Key: "Oe-Webcam-Index", Value: "1"},
		{Key: "X-Oe-Webcam-Transform", Value: "flip"},
		{Key: "Cookie", Value: "session=abc"},
	}
	genStream(1, host, conf).Incoming(openAndExecute(1, ctx))
	host.waitClosed(t, 1)

	var got http.Header
	select {
	case got = <-received:
	case <-time.After(waitFor):
		t.Fatal("local server was not called")
	}
	for _, k := range []string{headers.WebcamSnapshot, headers.WebcamStream, headers.WebcamIndex, headers.WebcamTransform} {
		assert.Empty(t, got.Values(k), k)
	}
	assert.Equal(t, "session=abc", got.Get("Cookie"))
	assert.Equal(t, "ok", string(host.body(t, conf.Compression, 1)))
	assert.Empty(t, cam.seen)

	// a snapshot request is served by the webcam, which sees the routing headers
	ctx = httpContext("GET", "/snapshot")
	ctx.Headers = []protocol.Header{
		{Key: "oe-snapshot", Value: "1"},
		{Key: "oe-webcam-index", Value: "2"},
	}
	genStream(2, host, conf).Incoming(openAndExecute(2, ctx))
	host.waitClosed(t, 2)

	assert.Equal(t, "jpeg", string(host.body(t, conf.Compression, 2)))
	cam.m.Lock()
	defer cam.m.Unlock()
	require.Len(t, cam.seen, 1)
	assert.Equal(t, "2", cam.seen[0].Get(headers.WebcamIndex))
	assert.Equal(t, "abc.octoeverywhere.com", cam.seen[0].Get(headers.ForwardedHost))
	assert.Len(t, received, 0)
}
