// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package alert notifies operators when a bracket loop halts.
package alert // import "github.com/go-lpc/hdrcam/internal/alert"

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	mail "gopkg.in/gomail.v2"
)

var errNoCredentials = errors.New("alert: missing credentials")

// Config holds the mail and SMS alert end-points.
type Config struct {
	MailUser    string
	MailPass    string
	MailServer  string
	MailPort    int
	MailTargets []string

	SMSEndPoint string
}

// FromEnv reads the alert configuration from the MAIL_USERNAME,
// MAIL_PASSWORD, MAIL_SERVER, MAIL_PORT, MAIL_TGTS (comma separated)
// and SMS_ENDPOINT environment variables.
func FromEnv() Config {
	cfg := Config{
		MailUser:    os.Getenv("MAIL_USERNAME"),
		MailPass:    os.Getenv("MAIL_PASSWORD"),
		MailServer:  os.Getenv("MAIL_SERVER"),
		MailPort:    atoi(os.Getenv("MAIL_PORT")),
		SMSEndPoint: os.Getenv("SMS_ENDPOINT"),
	}
	for _, tgt := range strings.Split(os.Getenv("MAIL_TGTS"), ",") {
		if tgt = strings.TrimSpace(tgt); tgt != "" {
			cfg.MailTargets = append(cfg.MailTargets, tgt)
		}
	}
	return cfg
}

func (cfg Config) mailOK() bool {
	return cfg.MailUser != "" && cfg.MailPass != "" &&
		cfg.MailServer != "" && cfg.MailPort != 0 &&
		len(cfg.MailTargets) != 0
}

// Alerter sends a bounded number of alerts.
type Alerter struct {
	msg  *log.Logger
	name string
	cfg  Config
	max  int

	send func(msg *mail.Message) error
	post func(url string, body []byte) (string, error)

	mu     sync.Mutex
	alerts int
}

type Option func(a *Alerter)

// WithLogger sets the logger of the alerter.
func WithLogger(msg *log.Logger) Option {
	return func(a *Alerter) { a.msg = msg }
}

// WithMaxAlerts bounds the number of alerts sent over the process lifetime.
func WithMaxAlerts(n int) Option {
	return func(a *Alerter) { a.max = n }
}

// New returns an alerter tagging its messages with name.
func New(name string, cfg Config, opts ...Option) *Alerter {
	a := &Alerter{
		msg:  log.New(os.Stdout, "alert: ", 0),
		name: name,
		cfg:  cfg,
		max:  5,
	}
	a.send = a.dialAndSend
	a.post = postSMS
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Halted reports that the bracket loop stopped on err.
func (a *Alerter) Halted(err error) {
	a.mu.Lock()
	a.alerts++
	n := a.alerts
	a.mu.Unlock()

	if n > a.max {
		a.msg.Printf("alert #%d suppressed: %+v", n, err)
		return
	}

	var (
		host, _ = os.Hostname()
		now     = time.Now().UTC().Format(time.RFC3339)
		subject = fmt.Sprintf("[%s] bracket loop halted on %s", a.name, host)
		body    = fmt.Sprintf("host:  %s\ntime:  %s\nerror: %+v\n", host, now, err)
	)

	if e := a.mail(subject, body); e != nil {
		a.msg.Printf("could not send mail alert: %+v", e)
	}
	if e := a.sms(fmt.Sprintf("[%s]: halted on %s: %v", a.name, host, err)); e != nil {
		a.msg.Printf("could not send sms alert: %+v", e)
	}
}

func (a *Alerter) mail(subject, body string) error {
	if !a.cfg.mailOK() {
		return errNoCredentials
	}

	msg := mail.NewMessage()
	msg.SetHeader("From", a.cfg.MailUser)
	msg.SetHeader("Bcc", a.cfg.MailTargets...)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)

	return a.send(msg)
}

func (a *Alerter) dialAndSend(msg *mail.Message) error {
	dial := mail.NewDialer(a.cfg.MailServer, a.cfg.MailPort, a.cfg.MailUser, a.cfg.MailPass)
	dial.TLSConfig = &tls.Config{
		InsecureSkipVerify: true,
	}
	return dial.DialAndSend(msg)
}

func (a *Alerter) sms(text string) error {
	if a.cfg.SMSEndPoint == "" {
		return nil
	}

	var msg struct {
		Action string `json:"action"`
		Data   struct {
			All bool   `json:"all"`
			Msg string `json:"message"`
		} `json:"data"`
	}
	msg.Action = "send"
	msg.Data.All = true
	msg.Data.Msg = text

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("alert: could not encode sms: %w", err)
	}

	status, err := a.post(a.cfg.SMSEndPoint, body)
	if err != nil {
		return fmt.Errorf("alert: could not POST sms: %w", err)
	}
	if status != "success" {
		return fmt.Errorf("alert: could not send sms: status=%q", status)
	}
	return nil
}

func postSMS(url string, body []byte) (string, error) {
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var status struct {
		Msg string `json:"status"`
	}
	err = json.NewDecoder(resp.Body).Decode(&status)
	if err != nil {
		return "", fmt.Errorf("could not decode sms reply: %w", err)
	}
	return status.Msg, nil
}

func atoi(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}
