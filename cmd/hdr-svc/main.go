// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command hdr-svc serves an HDR acquisition session.
//
// hdr-svc listens for hdr-ctl commands, exposes the latest bracket pair
// over HTTP and, optionally, publishes bracket events on an MQTT broker
// and writes scheduled snapshots to disk.
// A halted bracket loop raises a mail/SMS alert, configured from the
// MAIL_USERNAME, MAIL_PASSWORD, MAIL_SERVER, MAIL_PORT, MAIL_TGTS and
// SMS_ENDPOINT environment variables.
package main // import "github.com/go-lpc/hdrcam/cmd/hdr-svc"

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-lpc/hdrcam"
	"github.com/go-lpc/hdrcam/hdr"
	"github.com/go-lpc/hdrcam/internal/alert"
	"github.com/go-lpc/hdrcam/internal/fakehw"
	"github.com/go-lpc/hdrcam/internal/httpapi"
	"github.com/go-lpc/hdrcam/internal/notify"
	"github.com/go-lpc/hdrcam/internal/snapshot"
	"github.com/go-lpc/hdrcam/platform"
	"golang.org/x/sync/errgroup"
)

type options struct {
	addr  string // control server address
	http  string // HTTP API address
	mqtt  string // MQTT broker
	topic string
	snap  string // snapshot cron schedule
	odir  string

	cfg   hdr.Config
	board string
	sim   bool
}

func main() {
	var (
		addr  = flag.String("addr", ":9999", "hdr-ctl [addr]:port to listen on")
		web   = flag.String("http", ":8080", "HTTP API [addr]:port to listen on (empty to disable)")
		mqtt  = flag.String("mqtt", "", "MQTT broker to publish bracket events on (e.g. tcp://localhost:1883)")
		topic = flag.String("topic", "hdrcam", "MQTT root topic")
		snap  = flag.String("snap", "", "snapshot schedule (e.g. '@every 1m')")
		odir  = flag.String("o", "/home/root/hdr", "snapshot output dir")

		cfgName = flag.String("cfg", "", "path to a JSON acquisition configuration")
		brdName = flag.String("board", "", "path to a JSON board description")
		sim     = flag.Bool("sim", false, "run on a simulated board")
	)

	log.SetPrefix("hdr-svc: ")
	log.SetFlags(0)

	flag.Parse()

	if v, _ := hdrcam.Version(); v != "" {
		log.Printf("version %s", v)
	}

	cfg := hdr.NewConfig()
	if *cfgName != "" {
		var err error
		cfg, err = hdr.LoadConfig(*cfgName)
		if err != nil {
			log.Fatalf("could not load configuration: %+v", err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	gin.SetMode(gin.ReleaseMode)

	err := run(ctx, options{
		addr:  *addr,
		http:  *web,
		mqtt:  *mqtt,
		topic: *topic,
		snap:  *snap,
		odir:  *odir,
		cfg:   cfg,
		board: *brdName,
		sim:   *sim,
	})
	if err != nil {
		log.Fatalf("could not run hdr-svc: %+v", err)
	}
}

func openHardware(cfg hdr.Config, board string, sim bool) (hdr.Hardware, error) {
	if sim {
		brd := fakehw.New(cfg.BaseAddr, cfg.Geometry).WithFramePeriod(cfg.FrameDelay)
		return brd.Hardware(), nil
	}

	bcfg := platform.DefaultConfig()
	if board != "" {
		var err error
		bcfg, err = platform.LoadConfig(board)
		if err != nil {
			return hdr.Hardware{}, err
		}
	}
	brd, err := platform.Open(bcfg, platform.WithSensorDelays(cfg.BusDelay, cfg.ResetDelay))
	if err != nil {
		return hdr.Hardware{}, fmt.Errorf("could not open board: %w", err)
	}
	return brd.Hardware(), nil
}

func run(ctx context.Context, o options) error {
	var ntf *notify.Notifier
	if o.mqtt != "" {
		host, _ := os.Hostname()
		var err error
		ntf, err = notify.Dial(o.mqtt, "hdr-svc-"+host, notify.WithTopic(o.topic))
		if err != nil {
			return fmt.Errorf("could not connect to MQTT broker: %w", err)
		}
		defer ntf.Close()
	}

	alerter := alert.New("hdr-svc", alert.FromEnv())
	onHalt := func(err error) {
		alerter.Halted(err)
		if ntf != nil {
			_ = ntf.Status("halted", err)
		}
	}

	newSession := func() (*hdr.Session, error) {
		hw, err := openHardware(o.cfg, o.board, o.sim)
		if err != nil {
			return nil, err
		}
		opts := []hdr.Option{
			hdr.WithConfig(o.cfg),
			hdr.WithHaltHandler(onHalt),
		}
		if ntf != nil {
			opts = append(opts, hdr.WithSink(ntf))
		}
		sess, err := hdr.NewSession(hw, opts...)
		if err != nil {
			_ = hw.Closer.Close()
			return nil, err
		}
		if ntf != nil {
			ntf.Bind(sess.Latest())
			_ = ntf.Status("created", nil)
		}
		return sess, nil
	}

	srv, err := hdr.NewServer(o.addr, newSession)
	if err != nil {
		return err
	}
	log.Printf("listening for hdr-ctl commands on %v...", srv.Addr())

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(srv.Serve)

	if o.http != "" {
		api := &http.Server{
			Addr:              o.http,
			Handler:           httpapi.New(srv).Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		grp.Go(func() error {
			log.Printf("serving HTTP API on %q...", o.http)
			err := api.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		grp.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return api.Shutdown(sctx)
		})
	}

	if o.snap != "" {
		w := snapshot.New(o.odir, nil, snapshot.WithSource(func() *hdr.Latest {
			sess := srv.Session()
			if sess == nil {
				return nil
			}
			return sess.Latest()
		}))
		sched, err := snapshot.Schedule(o.snap, w)
		if err != nil {
			_ = srv.Close()
			return err
		}
		defer sched.Stop()
	}

	grp.Go(func() error {
		<-ctx.Done()
		log.Printf("shutting down...")
		return srv.Close()
	})

	return grp.Wait()
}
