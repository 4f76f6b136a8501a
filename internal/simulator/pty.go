// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris

package simulator

import (
	"errors"
	"fmt"
	"os"

	"github.com/creack/pty"
)

// PtyPair is a pseudo-terminal. The simulator serves on Master; a master
// under test opens SlavePath as its serial device.
type PtyPair struct {
	Master     *os.File
	Slave      *os.File
	MasterPath string
	SlavePath  string
}

// Close closes both ends.
func (p *PtyPair) Close() error {
	var errs []error
	if p.Master != nil {
		errs = append(errs, p.Master.Close())
		p.Master = nil
	}
	if p.Slave != nil {
		errs = append(errs, p.Slave.Close())
		p.Slave = nil
	}
	return errors.Join(errs...)
}

// CreatePtyPair opens a new pty pair.
func CreatePtyPair() (*PtyPair, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open pty: %w", err)
	}
	return &PtyPair{
		Master:     master,
		Slave:      slave,
		MasterPath: master.Name(),
		SlavePath:  slave.Name(),
	}, nil
}
