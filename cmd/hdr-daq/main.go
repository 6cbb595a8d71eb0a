// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command hdr-daq runs the HDR bracket loop in stand-alone mode.
//
// Without the -n flag, the loop runs until an interrupt signal is received
// or the error policy halts it.
package main // import "github.com/go-lpc/hdrcam/cmd/hdr-daq"

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-lpc/hdrcam"
	"github.com/go-lpc/hdrcam/hdr"
	"github.com/go-lpc/hdrcam/internal/fakehw"
	"github.com/go-lpc/hdrcam/internal/snapshot"
	"github.com/go-lpc/hdrcam/platform"
	"github.com/sbinet/pmon"
)

func main() {
	var (
		cfgName = flag.String("cfg", "", "path to a JSON acquisition configuration")
		brdName = flag.String("board", "", "path to a JSON board description")
		sim     = flag.Bool("sim", false, "run on a simulated board")
		ncycles = flag.Int("n", 0, "number of bracket cycles to run (0: until interrupted)")
		low     = flag.Int("low", -1, "low exposure (overrides configuration)")
		high    = flag.Int("high", -1, "high exposure (overrides configuration)")
		odir    = flag.String("o", "", "output directory for the last bracket pair")

		doMon  = flag.Bool("pmon", false, "enable pmon monitoring")
		doFreq = flag.Duration("freq", 1*time.Second, "pmon frequency")
	)

	log.SetPrefix("hdr-daq: ")
	log.SetFlags(0)

	flag.Parse()

	if v, _ := hdrcam.Version(); v != "" {
		log.Printf("version %s", v)
	}

	cfg, err := loadConfig(*cfgName, *low, *high)
	if err != nil {
		log.Fatalf("could not load configuration: %+v", err)
	}

	if *doMon {
		stop, err := monitor(*odir, *doFreq)
		if err != nil {
			log.Fatalf("could not start pmon: %+v", err)
		}
		defer stop()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err = run(ctx, cfg, *brdName, *sim, *ncycles, *odir)
	if err != nil {
		log.Fatalf("could not run hdr-daq: %+v", err)
	}
}

func loadConfig(fname string, low, high int) (hdr.Config, error) {
	cfg := hdr.NewConfig()
	if fname != "" {
		var err error
		cfg, err = hdr.LoadConfig(fname)
		if err != nil {
			return cfg, err
		}
	}
	if low >= 0 {
		cfg.Low = hdr.Exposure(low)
	}
	if high >= 0 {
		cfg.High = hdr.Exposure(high)
	}
	return cfg, cfg.Validate()
}

func openHardware(cfg hdr.Config, board string, sim bool) (hdr.Hardware, error) {
	if sim {
		brd := fakehw.New(cfg.BaseAddr, cfg.Geometry)
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

func run(ctx context.Context, cfg hdr.Config, board string, sim bool, n int, odir string) error {
	hw, err := openHardware(cfg, board, sim)
	if err != nil {
		return err
	}

	sess, err := hdr.NewSession(hw, hdr.WithConfig(cfg))
	if err != nil {
		_ = hw.Closer.Close()
		return fmt.Errorf("could not create HDR session: %w", err)
	}
	defer sess.Close()

	err = sess.Boot(ctx)
	if err != nil {
		return fmt.Errorf("could not boot HDR session: %w", err)
	}

	switch {
	case n > 0:
		for i := 0; i < n; i++ {
			p, err := sess.RunCycle(ctx)
			if err != nil {
				return fmt.Errorf("could not run bracket cycle %d: %w", i, err)
			}
			log.Printf(
				"cycle %d: low=%d high=%d",
				p.Cycle, p.Low.Exposure, p.High.Exposure,
			)
		}
	default:
		err = sess.Start(ctx)
		if err != nil {
			return fmt.Errorf("could not start bracket loop: %w", err)
		}
		err = sess.Wait()
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("bracket loop halted: %w", err)
		}
	}

	st := sess.Controller().Stats()
	log.Printf("cycles=%d failures=%d", st.Cycles, st.Failures)

	if odir == "" || sess.Latest() == nil {
		return nil
	}
	files, err := snapshot.New(odir, sess.Latest()).Snap()
	if err != nil {
		return fmt.Errorf("could not save last bracket pair: %w", err)
	}
	log.Printf("wrote %v", files)
	return nil
}

func monitor(dir string, freq time.Duration) (func(), error) {
	p, err := pmon.Monitor(os.Getpid())
	if err != nil {
		return nil, fmt.Errorf("could not start monitoring: %w", err)
	}
	f, err := os.Create(filepath.Join(dir, "hdr-daq-pmon.log"))
	if err != nil {
		return nil, fmt.Errorf("could not create pmon log file: %w", err)
	}
	p.W = f
	p.Freq = freq

	go func() {
		err := p.Run()
		if err != nil {
			log.Printf("could not run pmon: %+v", err)
		}
	}()

	return func() {
		err := p.Kill()
		if err != nil {
			log.Printf("could not stop monitoring: %+v", err)
		}
		_ = f.Close()
	}, nil
}
