// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"time"
)

// Clock is a monotonic time source. Now returns the time elapsed since an
// arbitrary fixed origin with at least microsecond resolution.
type Clock interface {
	Now() time.Duration
}

type systemClock struct {
	origin time.Time
}

// SystemClock returns a Clock backed by the monotonic reading of time.Now.
func SystemClock() Clock {
	return &systemClock{origin: time.Now()}
}

func (c *systemClock) Now() time.Duration {
	return time.Since(c.origin)
}
