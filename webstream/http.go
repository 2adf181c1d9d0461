package webstream

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/taskcluster/devicerelay/compression"
	"github.com/taskcluster/devicerelay/headers"
	"github.com/taskcluster/devicerelay/localhttp"
	"github.com/taskcluster/devicerelay/protocol"
	"github.com/taskcluster/devicerelay/util"
)

// headroom for uploads of unknown size
const uploadSlack = 50 * 1024

// httpRelay runs one http request: it collects the upload, executes the
// request locally and streams the response back.
type httpRelay struct {
	s   *Stream
	ctx *protocol.HttpInitialContext
	log logrus.FieldLogger

	// declared is the announced upload size, 0 when unknown
	declared int64
	upload   []byte
	received int64
	// decompresses upload chunks, created on first use
	decomp *compression.Context

	bodyReadHighWater time.Duration
	sendHighWater     time.Duration
}

func newHTTPRelay(s *Stream, open *protocol.WebStreamMsg) (*httpRelay, error) {
	if open.HttpInitialContext == nil {
		return nil, ErrMissingContext
	}
	return &httpRelay{
		s:        s,
		ctx:      open.HttpInitialContext,
		log:      s.log.WithField("path", open.HttpInitialContext.Path),
		declared: int64(open.FullStreamDataSize),
	}, nil
}

func (h *httpRelay) incoming(msg *protocol.WebStreamMsg) (bool, error) {
	if len(msg.Data) > 0 {
		if err := h.copyUpload(msg); err != nil {
			return false, err
		}
	}
	if msg.IsDataTransmissionDone {
		return true, h.execute()
	}
	return false, nil
}

func (h *httpRelay) close() {}

func (h *httpRelay) finish() {
	if h.decomp != nil {
		h.decomp.Close()
	}
}

func (h *httpRelay) copyUpload(msg *protocol.WebStreamMsg) error {
	data := msg.Data
	if msg.DataCompression != protocol.CompressionNone {
		if h.decomp == nil {
			h.decomp = h.s.conf.Compression.NewContext()
			if h.declared > 0 {
				_ = h.decomp.SetExpectedTotalSize(h.declared)
			}
		}
		var err error
		data, err = h.decomp.Decompress(data, msg.OriginalDataSize, msg.IsDataTransmissionDone, msg.DataCompression)
		if err != nil {
			return errors.Wrap(err, "decompressing upload")
		}
	}

	if h.upload == nil {
		switch {
		case h.declared > 0 && int64(len(data)) == h.declared:
			h.upload = data
			h.received = h.declared
			return nil
		case h.declared > 0:
			h.upload = make([]byte, 0, h.declared)
		default:
			h.upload = make([]byte, 0, len(data)+uploadSlack)
		}
	}
	if h.declared > 0 && h.received+int64(len(data)) > h.declared {
		return errors.Wrapf(ErrUploadTooLarge, "declared %d, received %d", h.declared, h.received+int64(len(data)))
	}
	h.upload = append(h.upload, data...)
	h.received += int64(len(data))
	return nil
}

// execute runs the request. Local failures close the stream with the failed
// connection marker and return nil; errors mean the relay sent something it
// should not have.
func (h *httpRelay) execute() error {
	start := time.Now()
	if h.declared > 0 && h.received != h.declared {
		return errors.Wrapf(ErrIncompleteUpload, "declared %d, received %d", h.declared, h.received)
	}
	if h.ctx.Method == "" {
		return ErrMissingMethod
	}
	if h.ctx.Path == "" {
		return ErrMissingPath
	}
	sent, err := h.s.requestHeader(h.ctx)
	if err != nil {
		return err
	}

	h.s.waitForPriority()

	conf := h.s.conf
	// sent never carries the webcam routing headers
	signals := conf.Headers.WebcamSignals(h.ctx)
	req := &Request{Context: h.ctx, Method: h.ctx.Method, Header: sent, Body: h.upload}
	var (
		res       *localhttp.Result
		fromCache bool
	)
	switch {
	case conf.Webcam != nil && conf.Webcam.IsSnapshotOrStreamRequest(signals):
		cam := *req
		cam.Header = sent.Clone()
		for k, v := range signals {
			cam.Header[k] = v
		}
		res, err = conf.Webcam.Handle(h.s.ctx, &cam)
		if err != nil {
			h.log.WithError(err).Warn("webcam request failed")
			res = nil
		}
	case conf.Commands != nil && conf.Commands.IsCommandRequest(h.ctx):
		res = conf.Commands.HandleCommand(h.s.ctx, req)
	default:
		if conf.DisableHTTPRelay && h.ctx.PathType != protocol.PathAbsolute {
			h.log.Warn("http relay is disabled, refusing request")
			h.s.setFailed()
			return nil
		}
		if conf.Cache != nil {
			res = conf.Cache.Lookup(h.ctx)
			fromCache = res != nil
		}
		if res == nil {
			res, err = conf.Resolver.Do(h.s.ctx, h.ctx.Method, h.ctx.Path, h.ctx.PathType, sent, h.upload)
			if err != nil {
				return err
			}
		}
	}

	if res == nil {
		if !h.s.IsClosed() {
			h.log.Warn("local request failed")
		}
		h.s.setFailed()
		return nil
	}
	defer res.Close()

	h.log.WithFields(logrus.Fields{
		"status":  res.StatusCode,
		"cached":  fromCache,
		"execute": time.Since(start),
	}).Debug("local request executed")
	h.sendResponse(res, sent)
	return nil
}

// notModified turns res into a bodyless 304 if the request's conditional
// headers match it.
func notModified(sent http.Header, res *localhttp.Result) bool {
	etag := sent.Get("If-None-Match")
	since := sent.Get("If-Modified-Since")
	if etag == "" && since == "" {
		return false
	}
	etag = strings.TrimPrefix(etag, "W/")
	match := (etag != "" && etag == res.Header.Get("ETag")) ||
		(since != "" && since == res.Header.Get("Last-Modified"))
	if !match {
		return false
	}
	res.StatusCode = http.StatusNotModified
	res.Header.Del("Content-Length")
	res.Header.Del("Content-Type")
	return true
}

func (h *httpRelay) sendResponse(res *localhttp.Result, sent http.Header) {
	if res.Header == nil {
		res.Header = http.Header{}
	}
	notModified(sent, res)
	bodyless := res.StatusCode == http.StatusNotModified || res.StatusCode == http.StatusNoContent

	if res.HasFullBody() && !bodyless {
		size := strconv.Itoa(res.FullBodyUncompressedSize())
		if cl := res.Header.Get("Content-Length"); cl != "" && cl != size {
			h.log.WithFields(logrus.Fields{"header": cl, "body": size}).Warn("content length does not match the full body")
		}
		res.Header.Set("Content-Length", size)
	}

	contentLength := int64(-1)
	if cl := res.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64); err == nil && n >= 0 {
			contentLength = n
		}
	}
	contentType := res.Header.Get("Content-Type")
	if loc := res.Header.Get("Location"); loc != "" {
		res.Header.Set("Location", h.s.conf.Headers.CorrectLocation(h.ctx.Path, loc, sent))
	}

	preCompressed := res.HasFullBody() && res.FullBodyCompression != protocol.CompressionNone
	compress := preCompressed || compression.ShouldCompressBody(contentType, contentLength)

	body := newBodySource(res, contentType, contentLength, compress, h.s.conf.AccumulationWindow, h.log)
	defer body.close()
	multipart, _ := body.(*boundaryBody)

	comp := h.s.conf.Compression.NewContext()
	defer comp.Close()
	if contentLength > 0 {
		_ = comp.SetExpectedTotalSize(contentLength)
	}

	var (
		read, onWire int64
		warnedOver   bool
		messages     int
	)
	for first := true; !h.s.IsClosed(); first = false {
		h.s.waitForPriority()

		var data []byte
		if !bodyless {
			readStart := time.Now()
			var err error
			data, err = body.next()
			if err != nil {
				h.log.WithError(err).Info("body read ended")
				data = nil
			}
			if d := time.Since(readStart); d > h.bodyReadHighWater {
				h.bodyReadHighWater = d
			}
		}
		if h.s.IsClosed() {
			break
		}

		msg := &protocol.WebStreamMsg{StreamID: h.s.id}
		if data != nil {
			original := int64(len(data))
			switch {
			case preCompressed:
				msg.DataCompression = res.FullBodyCompression
				msg.OriginalDataSize = uint32(res.FullBodySize)
				original = int64(res.FullBodySize)
			case compress && comp.ShouldCompress(len(data)):
				out, err := comp.Compress(data)
				if err != nil {
					h.log.WithError(err).Error("compressing response body")
					h.s.setFailed()
					return
				}
				if out.Type != protocol.CompressionNone {
					msg.DataCompression = out.Type
					msg.OriginalDataSize = uint32(len(data))
					data = out.Bytes
				}
			}
			msg.Data = data
			read += original
			onWire += int64(len(data))
		}

		if contentLength >= 0 && read > contentLength && !warnedOver {
			warnedOver = true
			h.log.WithFields(logrus.Fields{"read": read, "length": contentLength}).Warn("body is longer than its content length")
		}
		if data == nil && contentLength >= 0 && read < contentLength && !bodyless {
			h.log.WithFields(logrus.Fields{"read": read, "length": contentLength}).Warn("body ended before its content length")
		}
		last := data == nil || (contentLength >= 0 && read >= contentLength)

		if first {
			msg.StatusCode = uint32(res.StatusCode)
			msg.HttpInitialContext = &protocol.HttpInitialContext{Headers: headers.FilterResponse(res.Header)}
			if contentLength >= 0 && !bodyless {
				msg.FullStreamDataSize = uint64(contentLength)
			}
		}
		if last {
			msg.IsDataTransmissionDone = true
			msg.IsCloseMsg = true
		}
		if multipart != nil {
			h.attachTelemetry(msg, multipart)
		}

		sendStart := time.Now()
		if err := h.s.send(msg, last); err != nil {
			return
		}
		if d := time.Since(sendStart); d > h.sendHighWater {
			h.sendHighWater = d
		}
		messages++
		if last {
			break
		}
	}

	h.log.WithFields(logrus.Fields{
		"status":   res.StatusCode,
		"read":     read,
		"sent":     onWire,
		"messages": messages,
		"url":      res.URL,
	}).Debug("response relayed")
}

// attachTelemetry adds the multipart read rate and the high water marks,
// which are reset once reported.
func (h *httpRelay) attachTelemetry(msg *protocol.WebStreamMsg, b *boundaryBody) {
	rate := b.takeReadsPerSecond()
	if rate == 0 {
		return
	}
	msg.MultipartReadsPerSecond = util.Clamp(int64(rate), 255)
	msg.BodyReadTimeHighWaterMarkMs = util.Clamp(h.bodyReadHighWater.Milliseconds(), 65535)
	msg.SocketSendTimeHighWaterMarkMs = util.Clamp(h.sendHighWater.Milliseconds(), 65535)
	h.bodyReadHighWater = 0
	h.sendHighWater = 0
}
