// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package httpapi exposes an HDR acquisition session over HTTP.
//
//	GET  /status             session status (JSON)
//	GET  /frames/:slot       raw content of the latest low|high (0|1) frame
//	GET  /frames/:slot/pgm   same, as a binary PGM image
//	GET  /pair               latest pair, in the binary wire format
//	PUT  /exposure           {"low": N, "high": M}
//	POST /cycle              run a single bracket cycle
package httpapi // import "github.com/go-lpc/hdrcam/internal/httpapi"

import (
	"bytes"
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-lpc/hdrcam/hdr"
	"github.com/go-lpc/hdrcam/internal/wire"
)

// Sessions gives access to the current acquisition session.
// Session returns nil when no session is booted.
type Sessions interface {
	Session() *hdr.Session
}

type fixed struct{ sess *hdr.Session }

func (f fixed) Session() *hdr.Session { return f.sess }

// Fixed returns a source always serving sess.
func Fixed(sess *hdr.Session) Sessions { return fixed{sess} }

// Server serves the HTTP API of the current session.
type Server struct {
	msg *log.Logger
	src Sessions
	mux *gin.Engine
}

type Option func(srv *Server)

// WithLogger sets the logger of the server.
func WithLogger(msg *log.Logger) Option {
	return func(srv *Server) { srv.msg = msg }
}

// New returns the HTTP API of the sessions served by src.
func New(src Sessions, opts ...Option) *Server {
	srv := &Server{
		msg: log.New(os.Stdout, "http: ", 0),
		src: src,
		mux: gin.New(),
	}
	for _, opt := range opts {
		opt(srv)
	}

	srv.mux.Use(gin.Recovery())
	srv.mux.GET("/status", srv.status)
	srv.mux.GET("/frames/:slot", srv.frame)
	srv.mux.GET("/frames/:slot/pgm", srv.pgm)
	srv.mux.GET("/pair", srv.pair)
	srv.mux.PUT("/exposure", srv.exposure)
	srv.mux.POST("/cycle", srv.cycle)
	return srv
}

// Handler returns the HTTP handler of the API.
func (srv *Server) Handler() http.Handler { return srv.mux }

func (srv *Server) session(c *gin.Context) (*hdr.Session, bool) {
	sess := srv.src.Session()
	if sess == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no HDR session"})
		return nil, false
	}
	return sess, true
}

func (srv *Server) status(c *gin.Context) {
	sess, ok := srv.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sess.Status())
}

func (srv *Server) latest(c *gin.Context, sess *hdr.Session) (hdr.Frame, []byte, bool) {
	slot, err := hdr.ParseSlot(c.Param("slot"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return hdr.Frame{}, nil, false
	}

	l := sess.Latest()
	if l == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "no access to frame memory"})
		return hdr.Frame{}, nil, false
	}

	frame, raw, ok := l.Frame(slot)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no frame captured yet"})
		return hdr.Frame{}, nil, false
	}

	c.Header("X-Hdr-Slot", frame.Slot.String())
	c.Header("X-Hdr-Exposure", strconv.Itoa(int(frame.Exposure)))
	c.Header("X-Hdr-Cycle", strconv.FormatUint(frame.Cycle, 10))
	return frame, raw, true
}

func (srv *Server) frame(c *gin.Context) {
	sess, ok := srv.session(c)
	if !ok {
		return
	}
	_, raw, ok := srv.latest(c, sess)
	if !ok {
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", raw)
}

func (srv *Server) pgm(c *gin.Context) {
	sess, ok := srv.session(c)
	if !ok {
		return
	}
	geo := sess.Config().Geometry
	if geo.BytesPerPixel != 1 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": wire.ErrPGMDepth.Error()})
		return
	}

	_, raw, ok := srv.latest(c, sess)
	if !ok {
		return
	}

	buf := new(bytes.Buffer)
	err := wire.WritePGM(buf, geo, raw)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "image/x-portable-graymap", buf.Bytes())
}

func (srv *Server) pair(c *gin.Context) {
	sess, ok := srv.session(c)
	if !ok {
		return
	}
	l := sess.Latest()
	if l == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "no access to frame memory"})
		return
	}
	rec, ok := wire.FromLatest(l)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no frame captured yet"})
		return
	}

	buf := new(bytes.Buffer)
	err := wire.NewEncoder(buf).Encode(&rec)
	if err != nil {
		srv.msg.Printf("could not encode pair %d: %+v", rec.Pair.Cycle, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Header("X-Hdr-Cycle", strconv.FormatUint(rec.Pair.Cycle, 10))
	c.Data(http.StatusOK, "application/octet-stream", buf.Bytes())
}

func (srv *Server) exposure(c *gin.Context) {
	sess, ok := srv.session(c)
	if !ok {
		return
	}

	var args hdr.ExposureArgs
	err := c.ShouldBindJSON(&args)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err = sess.Controller().SetExposures(args.Low, args.High)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	srv.msg.Printf("exposures set to low=%d, high=%d", args.Low, args.High)

	low, high := sess.Controller().Exposures()
	c.JSON(http.StatusOK, hdr.ExposureArgs{Low: low, High: high})
}

func (srv *Server) cycle(c *gin.Context) {
	sess, ok := srv.session(c)
	if !ok {
		return
	}
	p, err := sess.RunCycle(c.Request.Context())
	switch {
	case errors.Is(err, hdr.ErrBusy):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, p)
	}
}
