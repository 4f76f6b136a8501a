// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package simulator

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	tcpHeaderSize = 7
	tcpMaxLength  = 254

	exGatewayPathUnavailable byte = 0x0A
)

// TCPServer answers Modbus TCP requests on a listener.
type TCPServer struct {
	handler  *Handler
	listener net.Listener
	address  string
	units    map[byte]bool
	logger   *slog.Logger
	stopChan chan struct{}
	wg       sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// TCPServerConfig holds configuration for the TCP server.
type TCPServerConfig struct {
	Address string // e.g. "localhost:5020" or ":502"
	// UnitIDs restricts the units served. Requests for other units get a
	// gateway path unavailable exception. Empty serves every unit.
	UnitIDs []byte
	Logger  *slog.Logger
}

// NewTCPServer creates a new TCP server with the given data store and configuration.
func NewTCPServer(ds *DataStore, config *TCPServerConfig) (*TCPServer, error) {
	if config == nil {
		config = &TCPServerConfig{}
	}
	if config.Address == "" {
		config.Address = "localhost:5020"
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	var units map[byte]bool
	if len(config.UnitIDs) > 0 {
		units = make(map[byte]bool, len(config.UnitIDs))
		for _, id := range config.UnitIDs {
			units[id] = true
		}
	}

	handler := NewHandler(ds)
	handler.Logger = logger
	return &TCPServer{
		handler:  handler,
		address:  config.Address,
		units:    units,
		logger:   logger.With("server", "tcp"),
		stopChan: make(chan struct{}),
		conns:    make(map[net.Conn]struct{}),
	}, nil
}

// Address returns the address the server is listening on.
func (s *TCPServer) Address() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.address
}

// Start starts the TCP server and begins accepting connections.
func (s *TCPServer) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}
	s.listener = listener
	s.logger.Info("listening", "addr", listener.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener and every open connection, then waits for the
// connection goroutines.
func (s *TCPServer) Stop() error {
	close(s.stopChan)
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Info("stopped")
	return nil
}

// DropConnections closes every accepted connection without stopping the
// listener.
func (s *TCPServer) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

func (s *TCPServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept", "err", err)
			continue
		}
		s.logger.Debug("accepted", "remote", conn.RemoteAddr().String())

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection serves requests on conn one at a time, in arrival order.
func (s *TCPServer) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	logger := s.logger.With("remote", conn.RemoteAddr().String())
	header := make([]byte, tcpHeaderSize)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Debug("reading header", "err", err)
			}
			return
		}
		protocolID := binary.BigEndian.Uint16(header[2:4])
		length := binary.BigEndian.Uint16(header[4:6])
		unitID := header[6]
		if protocolID != 0 || length < 2 || length > tcpMaxLength {
			logger.Warn("invalid header", "header", fmt.Sprintf("% x", header))
			return
		}

		body := make([]byte, length-1)
		if _, err := io.ReadFull(conn, body); err != nil {
			logger.Debug("reading pdu", "err", err)
			return
		}
		logger.Debug("rx", "frame", fmt.Sprintf("% x % x", header, body))

		req := &PDU{FunctionCode: body[0], Data: body[1:]}
		var resp *PDU
		if s.units != nil && !s.units[unitID] {
			resp = exception(req.FunctionCode, exGatewayPathUnavailable)
		} else {
			resp = s.handler.HandleRequest(req)
		}
		if resp == nil {
			continue
		}

		out := make([]byte, tcpHeaderSize, tcpHeaderSize+1+len(resp.Data))
		copy(out, header[:4])
		binary.BigEndian.PutUint16(out[4:6], uint16(2+len(resp.Data)))
		out[6] = unitID
		out = append(out, resp.FunctionCode)
		out = append(out, resp.Data...)

		logger.Debug("tx", "frame", fmt.Sprintf("% x", out))
		if err := conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
			return
		}
		if _, err := conn.Write(out); err != nil {
			logger.Debug("writing response", "err", err)
			return
		}
	}
}
