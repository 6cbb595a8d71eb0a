// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package hdrcam holds code for HDR exposure-bracket capture
// on OV7670 + AXI VDMA platforms.
//
// A bracket cycle captures a LOW exposure frame into slot 0 and a HIGH
// exposure frame into slot 1 of a pair of DMA buffers:
//
//   - hdr sequences the cycles and serves the control protocol,
//   - ov7670 programs the sensor exposure over I2C,
//   - vdma parks the VDMA write channel on a frame store,
//   - platform assembles a capture board out of those drivers.
//
// The hdr-daq, hdr-svc, hdr-ctl and hdr-tdaq commands run, serve and steer
// bracket loops.
package hdrcam // import "github.com/go-lpc/hdrcam"

import (
	"fmt"
	"runtime/debug"
)

// Version returns the version of hdrcam and its checksum.
// The returned values are only valid in binaries built with module support.
func Version() (version, sum string) {
	b, ok := debug.ReadBuildInfo()
	if !ok {
		return "", ""
	}
	return versionOf(b)
}

func versionOf(b *debug.BuildInfo) (version, sum string) {
	if b == nil {
		return "", ""
	}

	const root = "github.com/go-lpc/hdrcam"
	if b.Main.Path == root && b.Main.Version != "" {
		// hdrcam commands are built from the hdrcam module itself.
		return b.Main.Version, b.Main.Sum
	}
	for _, m := range b.Deps {
		if m.Path != root {
			continue
		}
		if m.Replace != nil {
			switch {
			case m.Replace.Version != "" && m.Replace.Path != "":
				return fmt.Sprintf("%s %s", m.Replace.Path, m.Replace.Version), m.Replace.Sum
			case m.Replace.Version != "":
				return m.Replace.Version, m.Replace.Sum
			case m.Replace.Path != "":
				return m.Replace.Path, m.Replace.Sum
			default:
				return m.Version + "*", ""
			}
		}
		return m.Version, m.Sum
	}
	return "", ""
}
