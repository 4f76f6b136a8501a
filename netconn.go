// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	tcpDialTimeout  = 5 * time.Second
	tcpWriteTimeout = 2 * time.Second
)

// NetConn is a Conn over TCP. Dialing and reading happen on background
// goroutines so none of its methods block on the network.
type NetConn struct {
	// Connect string
	Address string
	// Dial timeout
	Timeout time.Duration
	Logger  *slog.Logger

	mu      sync.Mutex
	conn    net.Conn
	pump    *pump
	dialing bool
	dialErr error
}

// NewNetConn returns an unconnected Conn to address.
func NewNetConn(address string) *NetConn {
	return &NetConn{Address: address, Timeout: tcpDialTimeout}
}

// Connect starts dialing unless connected or already dialing. It returns
// the error of the previous failed attempt, if any.
func (mb *NetConn) Connect() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	err := mb.dialErr
	mb.dialErr = nil
	if mb.conn == nil && !mb.dialing {
		mb.dialing = true
		go mb.dial()
	}
	return err
}

func (mb *NetConn) dial() {
	dialer := net.Dialer{Timeout: mb.Timeout}
	conn, err := dialer.Dial("tcp", mb.Address)

	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.dialing = false
	if err != nil {
		mb.dialErr = fmt.Errorf("dialing %s: %w", mb.Address, err)
		mb.logf("modbus: connect failed", "address", mb.Address, "err", err)
		return
	}
	mb.conn = conn
	mb.pump = startPump(conn, tcpMaxLength*4, mb.Logger)
	mb.logf("modbus: connected", "address", mb.Address)
}

// Connected reports whether the connection is up. A connection closed by
// the peer is torn down here.
func (mb *NetConn) Connected() bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.conn == nil {
		return false
	}
	if err := mb.pump.failed(); err != nil && mb.pump.buffered() == 0 {
		mb.logf("modbus: connection lost", "address", mb.Address, "err", err)
		mb.close()
		return false
	}
	return true
}

// Buffered returns the number of received bytes not read yet.
func (mb *NetConn) Buffered() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.pump == nil {
		return 0
	}
	return mb.pump.buffered()
}

// Read returns buffered bytes without blocking.
func (mb *NetConn) Read(b []byte) (int, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.pump == nil {
		return 0, ErrNotConnected
	}
	return mb.pump.read(b), nil
}

// Write sends b, closing the connection on failure.
func (mb *NetConn) Write(b []byte) (int, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.conn == nil {
		return 0, ErrNotConnected
	}
	if err := mb.conn.SetWriteDeadline(time.Now().Add(tcpWriteTimeout)); err != nil {
		return 0, fmt.Errorf("setting deadline: %w", err)
	}
	n, err := mb.conn.Write(b)
	if err != nil {
		mb.close()
		return n, fmt.Errorf("writing request: %w", err)
	}
	return n, nil
}

// Close closes current connection.
func (mb *NetConn) Close() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	return mb.close()
}

// close closes current connection. Caller must hold the mutex.
func (mb *NetConn) close() (err error) {
	if mb.conn != nil {
		err = mb.conn.Close()
		mb.conn = nil
		mb.pump = nil
	}
	return
}

func (mb *NetConn) logf(msg string, args ...any) {
	if mb.Logger != nil {
		mb.Logger.Debug(msg, args...)
	}
}
