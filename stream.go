// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"errors"
	"io"
	"log/slog"
	"sync"
)

// Stream is a byte stream whose reads never block: Read only returns what
// Buffered reported as available.
type Stream interface {
	io.Reader
	io.Writer
	// Buffered returns the number of bytes readable without blocking.
	Buffered() int
}

// Transmitter switches an RS-485 transceiver into driver mode around a write.
type Transmitter interface {
	BeginTransmission()
	EndTransmission()
}

// Conn is a Stream to a remote unit that is connected on demand.
type Conn interface {
	Stream
	Connected() bool
	Connect() error
	Close() error
}

// pump moves bytes from a blocking reader into a bounded buffer so the
// engines can poll it.
type pump struct {
	mu     sync.Mutex
	buf    []byte
	limit  int
	err    error
	done   chan struct{}
	logger *slog.Logger
}

func startPump(r io.Reader, limit int, logger *slog.Logger) *pump {
	p := &pump{
		buf:    make([]byte, 0, limit),
		limit:  limit,
		done:   make(chan struct{}),
		logger: logger,
	}
	go p.run(r)
	return p
}

func (p *pump) run(r io.Reader) {
	defer close(p.done)
	var chunk [rtuMaxSize]byte
	for {
		n, err := r.Read(chunk[:])
		if n > 0 {
			p.mu.Lock()
			free := p.limit - len(p.buf)
			if n > free {
				if p.logger != nil {
					p.logger.Warn("modbus: receive buffer overflow", "dropped", n-free)
				}
				n = free
			}
			p.buf = append(p.buf, chunk[:n]...)
			p.mu.Unlock()
		}
		if err != nil {
			p.mu.Lock()
			p.err = err
			p.mu.Unlock()
			if p.logger != nil && !errors.Is(err, io.EOF) {
				p.logger.Debug("modbus: reader stopped", "err", err)
			}
			return
		}
	}
}

func (p *pump) buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}

func (p *pump) read(b []byte) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := copy(b, p.buf)
	p.buf = p.buf[:copy(p.buf, p.buf[n:])]
	return n
}

// failed returns the error that stopped the reader, if any.
func (p *pump) failed() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// wait blocks until the reader goroutine has exited.
func (p *pump) wait() {
	<-p.done
}
