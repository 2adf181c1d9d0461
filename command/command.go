// Package command serves the command api: requests under PathPrefix are
// answered by the client itself instead of the local web server.
package command

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/taskcluster/devicerelay/localhttp"
	"github.com/taskcluster/devicerelay/protocol"
	"github.com/taskcluster/devicerelay/servercon"
	"github.com/taskcluster/devicerelay/util"
	"github.com/taskcluster/devicerelay/webstream"
)

// PathPrefix is the lower case path every command starts with.
const PathPrefix = "/octoeverywhere-command-api/"

// command system errors, shared with the relay service
const (
	CodeUnknownFailure           = 750
	CodeArgParseFailure          = 751
	CodeExecutionFailure         = 752
	CodeResponseSerializeFailure = 753
	CodeUnknownCommand           = 754
)

// Response is the json body of every command result.
type Response struct {
	Status int         `json:"Status"`
	Result interface{} `json:"Result,omitempty"`
	Error  string      `json:"Error,omitempty"`
}

// Success is a successful response. A nil result is sent as an empty object.
func Success(result interface{}) Response {
	if result == nil {
		result = map[string]interface{}{}
	}
	return Response{Status: http.StatusOK, Result: result}
}

// Failure is an error response.
func Failure(code int, msg string) Response {
	return Response{Status: code, Error: msg}
}

// Handler runs a command. args is the json request body, or nil.
type Handler func(ctx context.Context, args json.RawMessage) Response

// StatusSource reports the relay connections.
type StatusSource interface {
	Connections() []servercon.Status
}

// Dispatcher routes command requests to their handlers.
type Dispatcher struct {
	router *mux.Router
	log    logrus.FieldLogger
}

// New creates a Dispatcher with the built in ping and status commands.
func New(status StatusSource, version string, log logrus.FieldLogger) *Dispatcher {
	d := &Dispatcher{
		router: mux.NewRouter().SkipClean(true),
		log:    util.OrNull(log).WithField("component", "command"),
	}
	d.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d.write(w, Failure(CodeUnknownCommand, "The command path didn't match any known commands."))
	})

	d.Register("ping", func(ctx context.Context, args json.RawMessage) Response {
		return Success(map[string]string{"Message": "Pong"})
	})
	d.Register("status", func(ctx context.Context, args json.RawMessage) Response {
		var conns []servercon.Status
		if status != nil {
			conns = status.Connections()
		}
		return Success(map[string]interface{}{
			"PluginVersion":    version,
			"RelayConnections": conns,
		})
	})
	return d
}

// Register adds a command. Commands match by prefix, ignoring case.
func (d *Dispatcher) Register(name string, h Handler) {
	d.router.PathPrefix(PathPrefix + strings.ToLower(name)).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var args json.RawMessage
		body, err := io.ReadAll(r.Body)
		if err != nil {
			d.write(w, Failure(CodeArgParseFailure, err.Error()))
			return
		}
		if len(bytes.TrimSpace(body)) > 0 {
			if !json.Valid(body) {
				d.write(w, Failure(CodeArgParseFailure, "command arguments are not valid json"))
				return
			}
			args = body
		}
		d.write(w, d.run(r.Context(), name, h, args))
	})
}

func (d *Dispatcher) run(ctx context.Context, name string, h Handler, args json.RawMessage) (res Response) {
	defer func() {
		if r := recover(); r != nil {
			d.log.WithFields(logrus.Fields{"command": name, "panic": r}).Error("command failed")
			res = Failure(CodeExecutionFailure, fmt.Sprint(r))
		}
	}()
	return h(ctx, args)
}

func (d *Dispatcher) write(w http.ResponseWriter, res Response) {
	body, err := json.Marshal(res)
	if err != nil {
		d.log.WithError(err).Error("could not serialize command response")
		body, _ = json.Marshal(Failure(CodeResponseSerializeFailure, "Serialize Response Failed"))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// IsCommandRequest implements webstream.CommandDispatcher.
func (d *Dispatcher) IsCommandRequest(ctx *protocol.HttpInitialContext) bool {
	return ctx.PathType == protocol.PathRelative && strings.HasPrefix(strings.ToLower(ctx.Path), PathPrefix)
}

// HandleCommand implements webstream.CommandDispatcher. The http status is
// always 200; the command status is in the body.
func (d *Dispatcher) HandleCommand(ctx context.Context, req *webstream.Request) *localhttp.Result {
	path := strings.ToLower(req.Context.Path)
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	w := &responseBuffer{header: make(http.Header)}
	r, err := http.NewRequestWithContext(ctx, method, path, bytes.NewReader(req.Body))
	if err != nil {
		d.write(w, Failure(CodeUnknownFailure, err.Error()))
	} else {
		d.router.ServeHTTP(w, r)
	}

	d.log.WithFields(logrus.Fields{"path": path, "bytes": w.body.Len()}).Debug("handled command")
	return &localhttp.Result{
		StatusCode: w.status,
		Header:     w.header,
		URL:        req.Context.Path,
		FullBody:   w.body.Bytes(),
	}
}

// responseBuffer collects a response served by the router.
type responseBuffer struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (b *responseBuffer) Header() http.Header {
	return b.header
}

func (b *responseBuffer) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *responseBuffer) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}
