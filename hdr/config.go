// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hdr

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"
)

const (
	DefaultBaseAddr = 0x10000000
)

// Policy tells the bracket loop what to do with a failed cycle.
type Policy uint8

const (
	PolicyHalt  Policy = iota // stop the loop and return the error
	PolicyRetry               // run the cycle again, up to Config.Retries consecutive failures
	PolicySkip                // log the error and carry on with the next cycle
)

func (p Policy) String() string {
	switch p {
	case PolicyHalt:
		return "halt"
	case PolicyRetry:
		return "retry"
	case PolicySkip:
		return "skip"
	}
	return fmt.Sprintf("policy(%d)", uint8(p))
}

func (p Policy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Policy) UnmarshalText(v []byte) error {
	switch strings.ToLower(string(v)) {
	case "halt", "":
		*p = PolicyHalt
	case "retry":
		*p = PolicyRetry
	case "skip":
		*p = PolicySkip
	default:
		return fmt.Errorf("hdr: unknown error policy %q", v)
	}
	return nil
}

// Config holds the acquisition parameters.
// Geometry is fixed for the lifetime of a session.
type Config struct {
	Geometry

	Low  Exposure `json:"exposure-low"`
	High Exposure `json:"exposure-high"`

	BusDelay     time.Duration `json:"bus-delay"`     // settle delay after each sensor register write
	ResetDelay   time.Duration `json:"reset-delay"`   // settle delay after the sensor soft-reset
	FrameDelay   time.Duration `json:"frame-delay"`   // fixed frame wait, without completion signal
	FrameTimeout time.Duration `json:"frame-timeout"` // completion signal timeout
	CycleDelay   time.Duration `json:"cycle-delay"`   // delay between two bracket cycles

	BaseAddr uint64 `json:"base-addr"`

	Policy  Policy `json:"policy"`
	Retries int    `json:"retries"`
}

// NewConfig returns the default acquisition configuration:
// VGA, 8-bit pixels, exposures 100/900, 40ms frame wait.
func NewConfig() Config {
	return Config{
		Geometry: Geometry{
			Width:         640,
			Height:        480,
			BytesPerPixel: 1,
		},
		Low:          DefaultLow,
		High:         DefaultHigh,
		BusDelay:     1 * time.Millisecond,
		ResetDelay:   10 * time.Millisecond,
		FrameDelay:   40 * time.Millisecond,
		FrameTimeout: 120 * time.Millisecond,
		CycleDelay:   10 * time.Millisecond,
		BaseAddr:     DefaultBaseAddr,
		Policy:       PolicyHalt,
	}
}

func (cfg Config) Validate() error {
	err := cfg.Geometry.Validate()
	if err != nil {
		return err
	}
	err = cfg.Low.Validate()
	if err != nil {
		return fmt.Errorf("hdr: invalid low exposure: %w", err)
	}
	err = cfg.High.Validate()
	if err != nil {
		return fmt.Errorf("hdr: invalid high exposure: %w", err)
	}
	for _, v := range []struct {
		name string
		d    time.Duration
	}{
		{"bus", cfg.BusDelay},
		{"reset", cfg.ResetDelay},
		{"frame", cfg.FrameDelay},
		{"frame-timeout", cfg.FrameTimeout},
		{"cycle", cfg.CycleDelay},
	} {
		if v.d < 0 {
			return fmt.Errorf("hdr: invalid negative %s delay %v", v.name, v.d)
		}
	}
	if cfg.Retries < 0 {
		return fmt.Errorf("hdr: invalid number of retries %d", cfg.Retries)
	}
	return nil
}

// timeout returns the completion signal timeout, derived from the
// frame delay when not set.
func (cfg Config) timeout() time.Duration {
	if cfg.FrameTimeout > 0 {
		return cfg.FrameTimeout
	}
	return 3 * cfg.FrameDelay
}

type jsonConfig struct {
	Width         int      `json:"width"`
	Height        int      `json:"height"`
	BytesPerPixel int      `json:"bytes-per-pixel"`
	Low           Exposure `json:"exposure-low"`
	High          Exposure `json:"exposure-high"`
	BusDelay      string   `json:"bus-delay"`
	ResetDelay    string   `json:"reset-delay"`
	FrameDelay    string   `json:"frame-delay"`
	FrameTimeout  string   `json:"frame-timeout"`
	CycleDelay    string   `json:"cycle-delay"`
	BaseAddr      uint64   `json:"base-addr"`
	Policy        Policy   `json:"policy"`
	Retries       int      `json:"retries"`
}

func (cfg Config) MarshalJSON() ([]byte, error) {
	return json.Marshal(jsonConfig{
		Width:         cfg.Width,
		Height:        cfg.Height,
		BytesPerPixel: cfg.BytesPerPixel,
		Low:           cfg.Low,
		High:          cfg.High,
		BusDelay:      cfg.BusDelay.String(),
		ResetDelay:    cfg.ResetDelay.String(),
		FrameDelay:    cfg.FrameDelay.String(),
		FrameTimeout:  cfg.FrameTimeout.String(),
		CycleDelay:    cfg.CycleDelay.String(),
		BaseAddr:      cfg.BaseAddr,
		Policy:        cfg.Policy,
		Retries:       cfg.Retries,
	})
}

// UnmarshalJSON decodes a configuration, with durations written as
// time.ParseDuration strings ("40ms"). Missing fields keep their
// current value.
func (cfg *Config) UnmarshalJSON(p []byte) error {
	raw := jsonConfig{
		Width:         cfg.Width,
		Height:        cfg.Height,
		BytesPerPixel: cfg.BytesPerPixel,
		Low:           cfg.Low,
		High:          cfg.High,
		BaseAddr:      cfg.BaseAddr,
		Policy:        cfg.Policy,
		Retries:       cfg.Retries,
	}
	err := json.Unmarshal(p, &raw)
	if err != nil {
		return err
	}

	cfg.Width = raw.Width
	cfg.Height = raw.Height
	cfg.BytesPerPixel = raw.BytesPerPixel
	cfg.Low = raw.Low
	cfg.High = raw.High
	cfg.BaseAddr = raw.BaseAddr
	cfg.Policy = raw.Policy
	cfg.Retries = raw.Retries

	for _, v := range []struct {
		name string
		src  string
		dst  *time.Duration
	}{
		{"bus-delay", raw.BusDelay, &cfg.BusDelay},
		{"reset-delay", raw.ResetDelay, &cfg.ResetDelay},
		{"frame-delay", raw.FrameDelay, &cfg.FrameDelay},
		{"frame-timeout", raw.FrameTimeout, &cfg.FrameTimeout},
		{"cycle-delay", raw.CycleDelay, &cfg.CycleDelay},
	} {
		if v.src == "" {
			continue
		}
		d, err := time.ParseDuration(v.src)
		if err != nil {
			return fmt.Errorf("hdr: could not parse %s %q: %w", v.name, v.src, err)
		}
		*v.dst = d
	}
	return nil
}

// DecodeConfig decodes a JSON configuration on top of the default one.
func DecodeConfig(r io.Reader) (Config, error) {
	cfg := NewConfig()
	err := json.NewDecoder(r).Decode(&cfg)
	if err != nil {
		return cfg, fmt.Errorf("hdr: could not decode configuration: %w", err)
	}
	err = cfg.Validate()
	if err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadConfig loads a JSON configuration file.
func LoadConfig(fname string) (Config, error) {
	f, err := os.Open(fname)
	if err != nil {
		return Config{}, fmt.Errorf("hdr: could not open configuration file: %w", err)
	}
	defer f.Close()

	return DecodeConfig(f)
}

type config struct {
	Config

	msg    *log.Logger
	sinks  []Sink
	onHalt func(err error)
	now    func() time.Time
}

func newConfig() config {
	return config{
		Config: NewConfig(),
		msg:    log.New(os.Stdout, "hdr: ", 0),
		now:    time.Now,
	}
}

// Option configures a Session.
type Option func(cfg *config)

// WithConfig replaces the whole acquisition configuration.
func WithConfig(c Config) Option {
	return func(cfg *config) {
		cfg.Config = c
	}
}

func WithExposures(low, high Exposure) Option {
	return func(cfg *config) {
		cfg.Low = low
		cfg.High = high
	}
}

func WithGeometry(g Geometry) Option {
	return func(cfg *config) {
		cfg.Geometry = g
	}
}

func WithBaseAddr(addr uint64) Option {
	return func(cfg *config) {
		cfg.BaseAddr = addr
	}
}

func WithFrameDelay(d time.Duration) Option {
	return func(cfg *config) {
		cfg.FrameDelay = d
	}
}

func WithFrameTimeout(d time.Duration) Option {
	return func(cfg *config) {
		cfg.FrameTimeout = d
	}
}

func WithCycleDelay(d time.Duration) Option {
	return func(cfg *config) {
		cfg.CycleDelay = d
	}
}

// WithPolicy sets the error policy of the bracket loop.
// retries is only used by PolicyRetry.
func WithPolicy(p Policy, retries int) Option {
	return func(cfg *config) {
		cfg.Policy = p
		cfg.Retries = retries
	}
}

func WithLogger(msg *log.Logger) Option {
	return func(cfg *config) {
		cfg.msg = msg
	}
}

// WithSink registers consumers notified after each completed bracket cycle.
func WithSink(sinks ...Sink) Option {
	return func(cfg *config) {
		cfg.sinks = append(cfg.sinks, sinks...)
	}
}

// WithHaltHandler registers a function called when the bracket loop
// started with Session.Start stops on an error.
func WithHaltHandler(f func(err error)) Option {
	return func(cfg *config) {
		cfg.onHalt = f
	}
}
