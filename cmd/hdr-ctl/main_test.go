// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"io"
	"log"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/go-lpc/hdrcam/hdr"
	"github.com/go-lpc/hdrcam/internal/fakehw"
)

func TestRequest(t *testing.T) {
	for _, tc := range []struct {
		args []string
		want any
		err  string
	}{
		{[]string{"boot"}, nil, ""},
		{[]string{"exposure"}, nil, ""},
		{[]string{"exposure", "100", "0x384"}, hdr.ExposureArgs{Low: 100, High: 900}, ""},
		{[]string{"exposure", "100"}, nil, "usage: exposure"},
		{[]string{"exposure", "dark", "bright"}, nil, "could not parse exposure"},
		{[]string{"start", "now"}, nil, "takes no argument"},
		{[]string{"reboot"}, nil, "unknown command"},
	} {
		t.Run(strings.Join(tc.args, " "), func(t *testing.T) {
			got, err := request(tc.args[0], tc.args[1:])
			switch {
			case tc.err != "":
				if err == nil || !strings.Contains(err.Error(), tc.err) {
					t.Fatalf("invalid error: got=%v, want=%q", err, tc.err)
				}
			case err != nil:
				t.Fatalf("could not build request: %+v", err)
			default:
				if !reflect.DeepEqual(got, tc.want) {
					t.Fatalf("invalid request: got=%#v, want=%#v", got, tc.want)
				}
			}
		})
	}
}

func TestExec(t *testing.T) {
	g := hdr.Geometry{Width: 8, Height: 2, BytesPerPixel: 1}
	srv, err := hdr.NewServer("localhost:0", func() (*hdr.Session, error) {
		brd := fakehw.New(hdr.DefaultBaseAddr, g)
		return hdr.NewSession(
			brd.Hardware(),
			hdr.WithLogger(log.New(io.Discard, "", 0)),
			hdr.WithGeometry(g),
			hdr.WithFrameDelay(time.Millisecond),
			hdr.WithCycleDelay(0),
		)
	})
	if err != nil {
		t.Fatalf("could not create server: %+v", err)
	}
	go func() { _ = srv.Serve() }()
	defer srv.Close()

	cli, err := hdr.Dial(srv.Addr().String())
	if err != nil {
		t.Fatalf("could not dial server: %+v", err)
	}
	defer cli.Close()

	for _, tc := range []struct {
		args []string
		want string
	}{
		{[]string{"help"}, "commands: boot, start"},
		{[]string{"boot"}, "boot: ok"},
		{[]string{"exposure", "10", "1000"}, `"high": 1000`},
		{[]string{"cycle"}, `"cycle": 1`},
		{[]string{"regs"}, "fakehw: running=true"},
		{[]string{"quit"}, "quit: ok"},
	} {
		o := new(strings.Builder)
		err := exec(o, cli, tc.args)
		if err != nil {
			t.Fatalf("%v: could not run command: %+v", tc.args, err)
		}
		if !strings.Contains(o.String(), tc.want) {
			t.Fatalf("%v: invalid output:\ngot= %q\nwant=%q", tc.args, o.String(), tc.want)
		}
	}
}
