// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command hdr-ctl sends commands to an hdr-svc server.
//
// Usage:
//
//	$> hdr-ctl -addr host:9999                  # interactive shell
//	$> hdr-ctl -addr host:9999 exposure 100 900 # single command
package main // import "github.com/go-lpc/hdrcam/cmd/hdr-ctl"

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/go-lpc/hdrcam/hdr"
	"github.com/peterh/liner"
)

var cmds = []string{
	"boot", "start", "stop", "exposure", "cycle", "status", "regs", "quit", "help",
}

func main() {
	addr := flag.String("addr", ":9999", "hdr-svc [addr]:port to dial")

	log.SetPrefix("hdr-ctl: ")
	log.SetFlags(0)

	flag.Parse()

	cli, err := hdr.Dial(*addr)
	if err != nil {
		log.Fatalf("could not dial hdr-svc: %+v", err)
	}
	defer cli.Close()

	if flag.NArg() > 0 {
		err = exec(os.Stdout, cli, flag.Args())
		if err != nil {
			log.Fatalf("%+v", err)
		}
		return
	}

	err = shell(os.Stdout, cli)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func shell(w io.Writer, cli *hdr.Client) error {
	term := liner.NewLiner()
	defer term.Close()

	term.SetCtrlCAborts(true)
	term.SetCompleter(func(line string) []string {
		var out []string
		for _, cmd := range cmds {
			if strings.HasPrefix(cmd, strings.ToLower(line)) {
				out = append(out, cmd)
			}
		}
		return out
	})

	for {
		line, err := term.Prompt("hdr> ")
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
				return nil
			}
			return fmt.Errorf("could not read command: %w", err)
		}
		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}
		term.AppendHistory(line)

		err = exec(w, cli, args)
		if err != nil {
			fmt.Fprintf(w, "error: %+v\n", err)
		}
		if strings.ToLower(args[0]) == "quit" {
			return nil
		}
	}
}

// exec sends the command described by args and prints its reply.
func exec(w io.Writer, cli *hdr.Client, args []string) error {
	name := strings.ToLower(args[0])
	req, err := request(name, args[1:])
	if err != nil {
		return err
	}
	if name == "help" {
		fmt.Fprintf(w, "commands: %s\n", strings.Join(cmds, ", "))
		return nil
	}

	rep, err := cli.Send(name, req)
	if err != nil {
		return fmt.Errorf("could not run %q: %w", name, err)
	}
	return display(w, name, rep)
}

func request(name string, args []string) (any, error) {
	switch name {
	case "exposure":
		switch len(args) {
		case 0:
			return nil, nil
		case 2:
			var expo [2]hdr.Exposure
			for i, arg := range args {
				v, err := strconv.ParseUint(arg, 0, 16)
				if err != nil {
					return nil, fmt.Errorf("could not parse exposure %q: %w", arg, err)
				}
				expo[i] = hdr.Exposure(v)
			}
			return hdr.ExposureArgs{Low: expo[0], High: expo[1]}, nil
		default:
			return nil, fmt.Errorf("usage: exposure [low high]")
		}
	default:
		if len(args) != 0 {
			return nil, fmt.Errorf("command %q takes no argument", name)
		}
		for _, cmd := range cmds {
			if cmd == name {
				return nil, nil
			}
		}
		return nil, fmt.Errorf("unknown command %q", name)
	}
}

func display(w io.Writer, name string, rep hdr.Reply) error {
	if len(rep.Data) == 0 {
		fmt.Fprintf(w, "%s: %s\n", name, rep.Msg)
		return nil
	}

	if name == "regs" {
		var dump string
		err := json.Unmarshal(rep.Data, &dump)
		if err != nil {
			return fmt.Errorf("could not decode %q reply: %w", name, err)
		}
		fmt.Fprint(w, dump)
		return nil
	}

	var v any
	err := json.Unmarshal(rep.Data, &v)
	if err != nil {
		return fmt.Errorf("could not decode %q reply: %w", name, err)
	}
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("could not format %q reply: %w", name, err)
	}
	fmt.Fprintf(w, "%s\n", raw)
	return nil
}
