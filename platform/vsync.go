// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package platform

import (
	"context"

	"github.com/warthog618/go-gpiocdev"
)

// vsyncWaiter counts VSYNC edges delivered by the GPIO event handler.
type vsyncWaiter struct {
	edges  int
	events chan struct{}
}

func newVSyncWaiter(edges int) *vsyncWaiter {
	if edges <= 0 {
		edges = 1
	}
	return &vsyncWaiter{
		edges:  edges,
		events: make(chan struct{}, 16),
	}
}

// handle is the gpiocdev event handler. Events are dropped when nobody
// waits for them.
func (w *vsyncWaiter) handle(evt gpiocdev.LineEvent) {
	select {
	case w.events <- struct{}{}:
	default:
	}
}

// WaitFrame discards edges seen before the call, then waits for the
// configured number of frame boundaries.
func (w *vsyncWaiter) WaitFrame(ctx context.Context) error {
drain:
	for {
		select {
		case <-w.events:
		default:
			break drain
		}
	}

	for n := 0; n < w.edges; n++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.events:
		}
	}
	return nil
}
