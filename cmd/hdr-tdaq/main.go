// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command hdr-tdaq starts a TDAQ node running the HDR bracket loop.
//
// Each completed bracket pair is sent, in the binary wire format,
// on the "/frames" output port.
package main // import "github.com/go-lpc/hdrcam/cmd/hdr-tdaq"

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"
	"github.com/go-lpc/hdrcam/hdr"
	"github.com/go-lpc/hdrcam/internal/fakehw"
	"github.com/go-lpc/hdrcam/internal/wire"
	"github.com/go-lpc/hdrcam/platform"
)

func main() {
	var (
		cfgName = flag.String("cfg", "", "path to a JSON acquisition configuration")
		brdName = flag.String("board", "", "path to a JSON board description")
		sim     = flag.Bool("sim", false, "run on a simulated board")
	)

	cmd := flags.New()

	dev := newNode(*cfgName, *brdName, *sim)

	srv := tdaq.New(cmd, os.Stdout)
	srv.CmdHandle("/config", dev.OnConfig)
	srv.CmdHandle("/init", dev.OnInit)
	srv.CmdHandle("/reset", dev.OnReset)
	srv.CmdHandle("/start", dev.OnStart)
	srv.CmdHandle("/stop", dev.OnStop)
	srv.CmdHandle("/quit", dev.OnQuit)

	srv.OutputHandle("/frames", dev.frames)

	srv.RunHandle(dev.run)

	err := srv.Run(context.Background())
	if err != nil {
		log.Panicf("error: %+v", err)
	}
}

type node struct {
	fname string
	board string
	sim   bool

	cfg  hdr.Config
	sess *hdr.Session

	mu    sync.Mutex
	data  chan []byte
	n     int // pairs sent
	drops int // pairs dropped because the output port lagged
}

func newNode(fname, board string, sim bool) *node {
	return &node{
		fname: fname,
		board: board,
		sim:   sim,
		cfg:   hdr.NewConfig(),
	}
}

func (dev *node) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")
	if dev.fname == "" {
		return nil
	}
	cfg, err := hdr.LoadConfig(dev.fname)
	if err != nil {
		ctx.Msg.Errorf("could not load configuration: %+v", err)
		return err
	}
	dev.cfg = cfg
	return nil
}

func (dev *node) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")
	err := dev.close()
	if err != nil {
		ctx.Msg.Warnf("could not close previous session: %+v", err)
	}

	hw, err := dev.hardware()
	if err != nil {
		return fmt.Errorf("could not open hardware: %w", err)
	}

	dev.sess, err = hdr.NewSession(hw, hdr.WithConfig(dev.cfg), hdr.WithSink(dev))
	if err != nil {
		_ = hw.Closer.Close()
		return fmt.Errorf("could not create HDR session: %w", err)
	}

	err = dev.sess.Boot(ctx.Ctx)
	if err != nil {
		ctx.Msg.Errorf("could not boot HDR session: %+v", err)
		return fmt.Errorf("could not boot HDR session: %w", err)
	}

	dev.reset()
	return nil
}

func (dev *node) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")
	dev.reset()
	return nil
}

func (dev *node) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command...")
	if dev.sess == nil {
		return fmt.Errorf("could not start: no HDR session (missing /init)")
	}
	return nil
}

func (dev *node) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	dev.mu.Lock()
	n, drops := dev.n, dev.drops
	dev.mu.Unlock()
	ctx.Msg.Debugf("received /stop command... -> n=%d (dropped=%d)", n, drops)
	return nil
}

func (dev *node) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")
	return dev.close()
}

func (dev *node) hardware() (hdr.Hardware, error) {
	if dev.sim {
		brd := fakehw.New(dev.cfg.BaseAddr, dev.cfg.Geometry).WithFramePeriod(dev.cfg.FrameDelay)
		return brd.Hardware(), nil
	}

	bcfg := platform.DefaultConfig()
	if dev.board != "" {
		var err error
		bcfg, err = platform.LoadConfig(dev.board)
		if err != nil {
			return hdr.Hardware{}, err
		}
	}
	brd, err := platform.Open(
		bcfg,
		platform.WithSensorDelays(dev.cfg.BusDelay, dev.cfg.ResetDelay),
	)
	if err != nil {
		return hdr.Hardware{}, err
	}
	return brd.Hardware(), nil
}

func (dev *node) reset() {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.data = make(chan []byte, 16)
	dev.n = 0
	dev.drops = 0
}

func (dev *node) close() error {
	if dev.sess == nil {
		return nil
	}
	err := dev.sess.Close()
	dev.sess = nil
	return err
}

// Consume queues the wire encoding of the latest pair for the output port.
func (dev *node) Consume(ctx context.Context, p hdr.Pair) error {
	rec, ok := wire.FromLatest(dev.sess.Latest())
	if !ok || rec.Pair.Cycle != p.Cycle {
		return fmt.Errorf("could not find frames of cycle %d", p.Cycle)
	}

	buf := new(bytes.Buffer)
	err := wire.NewEncoder(buf).Encode(&rec)
	if err != nil {
		return fmt.Errorf("could not encode cycle %d: %w", p.Cycle, err)
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()
	select {
	case dev.data <- buf.Bytes():
		dev.n++
	default:
		dev.drops++
	}
	return nil
}

func (dev *node) frames(ctx tdaq.Context, dst *tdaq.Frame) error {
	dev.mu.Lock()
	data := dev.data
	dev.mu.Unlock()

	select {
	case <-ctx.Ctx.Done():
		dst.Body = nil
		return nil
	case raw := <-data:
		dst.Body = raw
	}
	return nil
}

func (dev *node) run(ctx tdaq.Context) error {
	if dev.sess == nil {
		return fmt.Errorf("could not run: no HDR session")
	}

	err := dev.sess.Start(ctx.Ctx)
	if err != nil {
		return fmt.Errorf("could not start bracket loop: %w", err)
	}
	err = dev.sess.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		ctx.Msg.Errorf("bracket loop halted: %+v", err)
		return err
	}
	return dev.sess.Stop()
}
