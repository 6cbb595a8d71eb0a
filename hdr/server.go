// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hdr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strings"
	"sync"
)

// Request is a control command sent to a Server.
type Request struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Reply is the answer of a Server to a Request.
// Msg is "ok" on success, the error message otherwise.
type Reply struct {
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (rep Reply) Err() error {
	if rep.Msg == "ok" {
		return nil
	}
	return errors.New(rep.Msg)
}

// ExposureArgs are the arguments of the "exposure" command.
type ExposureArgs struct {
	Low  Exposure `json:"low"`
	High Exposure `json:"high"`
}

// Server allows to control an HDR acquisition session over TCP.
type Server struct {
	ctl net.Listener
	msg *log.Logger

	newSession func() (*Session, error)

	mu   sync.Mutex
	sess *Session
}

// Serve serves control connections on addr.
// newSession is called on the first "boot" command.
func Serve(addr string, newSession func() (*Session, error)) error {
	srv, err := NewServer(addr, newSession)
	if err != nil {
		return fmt.Errorf("could not create hdr server: %w", err)
	}
	return srv.Serve()
}

func NewServer(addr string, newSession func() (*Session, error)) (*Server, error) {
	ctl, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("could not create hdr-ctl server on %q: %w", addr, err)
	}

	return &Server{
		ctl:        ctl,
		msg:        log.New(os.Stdout, "hdr-svc: ", 0),
		newSession: newSession,
	}, nil
}

// Addr returns the address the server listens on.
func (srv *Server) Addr() net.Addr { return srv.ctl.Addr() }

// Session returns the current session, nil before the first boot.
func (srv *Server) Session() *Session {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.sess
}

// Serve accepts connections until the listener is closed.
func (srv *Server) Serve() error {
	defer srv.Close()

	for {
		conn, err := srv.ctl.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("could not accept connection: %w", err)
		}

		err = srv.handle(conn)
		if err != nil {
			srv.msg.Printf("could not run HDR session: %+v", err)
			continue
		}
	}
}

func (srv *Server) handle(conn net.Conn) error {
	defer conn.Close()
	srv.msg.Printf("serving %v...", conn.RemoteAddr())
	defer srv.msg.Printf("serving %v... [done]", conn.RemoteAddr())

	dec := json.NewDecoder(conn)
	for {
		var req Request
		err := dec.Decode(&req)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			srv.msg.Printf("could not decode command request: %+v", err)
			srv.reply(conn, nil, err)
			return fmt.Errorf("could not decode command request: %w", err)
		}
		srv.msg.Printf("received request: name=%q", req.Name)

		data, err := srv.dispatch(req)
		srv.reply(conn, data, err)
		if err != nil {
			srv.msg.Printf("could not run %q: %+v", req.Name, err)
			continue
		}

		if strings.ToLower(req.Name) == "quit" {
			return nil
		}
	}
}

func (srv *Server) dispatch(req Request) (any, error) {
	ctx := context.Background()

	switch strings.ToLower(req.Name) {
	case "boot":
		sess, err := srv.session(true)
		if err != nil {
			return nil, err
		}
		return nil, sess.Boot(ctx)

	case "start":
		sess, err := srv.session(false)
		if err != nil {
			return nil, err
		}
		return nil, sess.Start(ctx)

	case "stop":
		sess, err := srv.session(false)
		if err != nil {
			return nil, err
		}
		err = sess.Stop()
		return sess.Controller().Stats(), err

	case "exposure":
		sess, err := srv.session(false)
		if err != nil {
			return nil, err
		}
		if len(req.Args) == 0 {
			low, high := sess.Controller().Exposures()
			return ExposureArgs{Low: low, High: high}, nil
		}
		var args ExposureArgs
		err = json.Unmarshal(req.Args, &args)
		if err != nil {
			return nil, fmt.Errorf("could not decode %q payload: %w", req.Name, err)
		}
		return args, sess.Controller().SetExposures(args.Low, args.High)

	case "cycle":
		sess, err := srv.session(false)
		if err != nil {
			return nil, err
		}
		pair, err := sess.RunCycle(ctx)
		if err != nil {
			return nil, err
		}
		return pair, nil

	case "status":
		sess, err := srv.session(false)
		if err != nil {
			return nil, err
		}
		return sess.Status(), nil

	case "regs":
		sess, err := srv.session(false)
		if err != nil {
			return nil, err
		}
		dump, ok := sess.Engine().(RegisterDumper)
		if !ok {
			return nil, fmt.Errorf("engine %T can not dump its registers", sess.Engine())
		}
		o := new(strings.Builder)
		err = dump.DumpRegisters(o)
		if err != nil {
			return nil, fmt.Errorf("could not dump engine registers: %w", err)
		}
		return o.String(), nil

	case "quit":
		srv.mu.Lock()
		sess := srv.sess
		srv.sess = nil
		srv.mu.Unlock()
		if sess == nil {
			return nil, nil
		}
		return nil, sess.Close()

	default:
		return nil, fmt.Errorf("unknown command %q", req.Name)
	}
}

func (srv *Server) session(create bool) (*Session, error) {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if srv.sess != nil {
		return srv.sess, nil
	}
	if !create {
		return nil, fmt.Errorf("no HDR session: send a \"boot\" command first")
	}

	sess, err := srv.newSession()
	if err != nil {
		return nil, fmt.Errorf("could not create HDR session: %w", err)
	}
	srv.sess = sess
	return sess, nil
}

func (srv *Server) reply(w io.Writer, data any, err error) {
	rep := Reply{Msg: "ok"}
	if err != nil {
		rep.Msg = fmt.Sprintf("%+v", err)
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			srv.msg.Printf("could not encode reply payload: %+v", err)
		} else {
			rep.Data = raw
		}
	}

	_ = json.NewEncoder(w).Encode(rep)
}

// Close closes the listener and the current session.
func (srv *Server) Close() error {
	err := srv.ctl.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}

	srv.mu.Lock()
	sess := srv.sess
	srv.sess = nil
	srv.mu.Unlock()

	if sess != nil {
		e := sess.Close()
		if e != nil && err == nil {
			err = e
		}
	}
	return err
}

// Client sends control commands to a Server.
type Client struct {
	conn net.Conn
	dec  *json.Decoder
}

func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("could not dial hdr server %q: %w", addr, err)
	}
	return &Client{conn: conn, dec: json.NewDecoder(conn)}, nil
}

// Send sends the named command and waits for the reply.
// A reply carrying an error is returned together with that error.
func (c *Client) Send(name string, args any) (Reply, error) {
	req := Request{Name: name}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return Reply{}, fmt.Errorf("could not encode %q args: %w", name, err)
		}
		req.Args = raw
	}

	err := json.NewEncoder(c.conn).Encode(req)
	if err != nil {
		return Reply{}, fmt.Errorf("could not send %q command: %w", name, err)
	}

	var rep Reply
	err = c.dec.Decode(&rep)
	if err != nil {
		return rep, fmt.Errorf("could not decode %q reply: %w", name, err)
	}
	return rep, rep.Err()
}

func (c *Client) Close() error {
	return c.conn.Close()
}
