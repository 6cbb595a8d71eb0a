// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package notify publishes bracket events to an MQTT broker.
package notify // import "github.com/go-lpc/hdrcam/internal/notify"

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-lpc/hdrcam/hdr"
	"github.com/go-lpc/hdrcam/internal/crc16"
	"github.com/google/uuid"
)

// publisher sends a payload on a topic.
type publisher interface {
	Publish(topic string, payload []byte) error
	Close()
}

// FrameEvent describes one frame of a bracket pair.
type FrameEvent struct {
	Slot     string       `json:"slot"`
	Exposure hdr.Exposure `json:"exposure"`
	Addr     uint64       `json:"addr"`
	Time     time.Time    `json:"time"`
	CRC      *uint16      `json:"crc,omitempty"` // CRC-16 of the frame content
}

// Event is published once per completed bracket cycle.
type Event struct {
	Session string     `json:"session"`
	Cycle   uint64     `json:"cycle"`
	Low     FrameEvent `json:"low"`
	High    FrameEvent `json:"high"`
	Time    time.Time  `json:"time"`
}

// StatusEvent is published when the bracket loop state changes.
type StatusEvent struct {
	Session string    `json:"session"`
	State   string    `json:"state"`
	Error   string    `json:"error,omitempty"`
	Time    time.Time `json:"time"`
}

// Notifier is an hdr.Sink publishing a JSON event per bracket pair on
// <topic>/bracket and loop state changes on <topic>/status.
type Notifier struct {
	msg    *log.Logger
	pub    publisher
	topic  string
	sid    string
	latest *hdr.Latest

	mu        sync.Mutex
	published uint64
	failures  uint64
}

type Option func(n *Notifier)

// WithLogger sets the logger of the notifier.
func WithLogger(msg *log.Logger) Option {
	return func(n *Notifier) { n.msg = msg }
}

// WithTopic sets the root topic of the published events.
func WithTopic(topic string) Option {
	return func(n *Notifier) { n.topic = topic }
}

// WithLatest attaches frame checksums, computed from the frames held by l,
// to the published events.
func WithLatest(l *hdr.Latest) Option {
	return func(n *Notifier) { n.latest = l }
}

func newNotifier(pub publisher, opts ...Option) *Notifier {
	n := &Notifier{
		msg:   log.New(os.Stdout, "notify: ", 0),
		pub:   pub,
		topic: "hdrcam",
		sid:   uuid.New().String(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Dial connects to the MQTT broker and returns a notifier publishing there.
func Dial(broker, clientID string, opts ...Option) (*Notifier, error) {
	o := mqtt.NewClientOptions().AddBroker(broker).SetClientID(clientID)
	o.SetAutoReconnect(true)
	o.SetConnectRetryInterval(2 * time.Second)
	o.SetMaxReconnectInterval(30 * time.Second)

	cli := mqtt.NewClient(o)
	token := cli.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("notify: timeout connecting to %q", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("notify: could not connect to %q: %w", broker, err)
	}

	return newNotifier(&mqttPublisher{cli: cli, qos: 1, timeout: 2 * time.Second}, opts...), nil
}

// Session returns the identifier tagging all the published events.
func (n *Notifier) Session() string { return n.sid }

// Consume publishes the event describing p.
func (n *Notifier) Consume(ctx context.Context, p hdr.Pair) error {
	evt := Event{
		Session: n.sid,
		Cycle:   p.Cycle,
		Low:     frameEvent(p.Low),
		High:    frameEvent(p.High),
		Time:    p.High.Time,
	}
	n.mu.Lock()
	latest := n.latest
	n.mu.Unlock()
	if latest != nil {
		if cur, data, ok := latest.Snapshot(); ok && cur.Cycle == p.Cycle {
			lo := crc16.Checksum(data[hdr.SlotLow])
			hi := crc16.Checksum(data[hdr.SlotHigh])
			evt.Low.CRC = &lo
			evt.High.CRC = &hi
		}
	}
	return n.publish(n.topic+"/bracket", evt)
}

// Bind attaches the frames of l to the next published events.
// It is used when a new session takes over the notifier.
func (n *Notifier) Bind(l *hdr.Latest) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.latest = l
}

// Status publishes a loop state change.
func (n *Notifier) Status(state string, err error) error {
	evt := StatusEvent{
		Session: n.sid,
		State:   state,
		Time:    time.Now().UTC(),
	}
	if err != nil {
		evt.Error = err.Error()
	}
	return n.publish(n.topic+"/status", evt)
}

// Stats returns the number of published and failed events.
func (n *Notifier) Stats() (published, failures uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.published, n.failures
}

func (n *Notifier) publish(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("notify: could not encode event: %w", err)
	}

	err = n.pub.Publish(topic, payload)

	n.mu.Lock()
	defer n.mu.Unlock()
	if err != nil {
		n.failures++
		return fmt.Errorf("notify: could not publish on %q: %w", topic, err)
	}
	n.published++
	return nil
}

// Close disconnects from the broker.
func (n *Notifier) Close() error {
	n.pub.Close()
	return nil
}

func frameEvent(f hdr.Frame) FrameEvent {
	return FrameEvent{
		Slot:     f.Slot.String(),
		Exposure: f.Exposure,
		Addr:     f.Addr,
		Time:     f.Time,
	}
}

type mqttPublisher struct {
	cli     mqtt.Client
	qos     byte
	timeout time.Duration
}

func (pub *mqttPublisher) Publish(topic string, payload []byte) error {
	token := pub.cli.Publish(topic, pub.qos, false, payload)
	if !token.WaitTimeout(pub.timeout) {
		return fmt.Errorf("timeout after %v", pub.timeout)
	}
	return token.Error()
}

func (pub *mqttPublisher) Close() {
	pub.cli.Disconnect(250)
}

var _ hdr.Sink = (*Notifier)(nil)
