// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package testutil

import (
	"log/slog"
	"os"
	"testing"

	"github.com/lumberbarons/modbusmaster/internal/simulator"
)

// RTUSimulatorOption configures an RTU simulator.
type RTUSimulatorOption func(*rtuSimulatorConfig)

type rtuSimulatorConfig struct {
	slaveID  byte
	baudRate int
	config   *simulator.DataStoreConfig
}

// WithSlaveID sets the slave ID for the simulator.
func WithSlaveID(id byte) RTUSimulatorOption {
	return func(c *rtuSimulatorConfig) {
		c.slaveID = id
	}
}

// WithBaudRate sets the baud rate for the simulator.
func WithBaudRate(rate int) RTUSimulatorOption {
	return func(c *rtuSimulatorConfig) {
		c.baudRate = rate
	}
}

// WithDataStoreConfig sets initial data values for the simulator.
func WithDataStoreConfig(config *simulator.DataStoreConfig) RTUSimulatorOption {
	return func(c *rtuSimulatorConfig) {
		c.config = config
	}
}

// Logger returns a debug logger when MODBUS_SIM_DEBUG is set and nil
// otherwise.
func Logger() *slog.Logger {
	if os.Getenv("MODBUS_SIM_DEBUG") == "" {
		return nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// StartRTUSimulator creates and starts an RTU Modbus simulator for testing.
// It returns a cleanup function that should be deferred, and the device path
// that a master should open.
//
// Example usage:
//
//	cleanup, devicePath := testutil.StartRTUSimulator(t,
//	    testutil.WithSlaveID(17),
//	    testutil.WithBaudRate(19200))
//	defer cleanup()
//
//	port := modbus.NewSerialPort(modbus.SerialConfig{Address: devicePath})
func StartRTUSimulator(t *testing.T, opts ...RTUSimulatorOption) (cleanup func(), devicePath string) {
	t.Helper()

	config := &rtuSimulatorConfig{
		slaveID:  1,
		baudRate: 19200,
	}
	for _, opt := range opts {
		opt(config)
	}

	server, err := simulator.NewRTUServer(simulator.NewDataStore(config.config), &simulator.RTUServerConfig{
		SlaveID:  config.slaveID,
		BaudRate: config.baudRate,
		Logger:   Logger(),
	})
	if err != nil {
		t.Fatalf("failed to create RTU simulator: %v", err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("failed to start RTU simulator: %v", err)
	}

	devicePath = server.ClientDevicePath()
	t.Logf("RTU simulator started on %s (slave ID: %d)", devicePath, config.slaveID)

	cleanup = func() {
		if err := server.Stop(); err != nil {
			t.Errorf("failed to stop RTU simulator: %v", err)
		}
	}
	return cleanup, devicePath
}

// TCPSimulatorOption configures a TCP simulator.
type TCPSimulatorOption func(*tcpSimulatorConfig)

type tcpSimulatorConfig struct {
	units  []byte
	config *simulator.DataStoreConfig
}

// WithTCPDataStoreConfig sets initial data values for the simulator.
func WithTCPDataStoreConfig(config *simulator.DataStoreConfig) TCPSimulatorOption {
	return func(c *tcpSimulatorConfig) {
		c.config = config
	}
}

// WithUnitIDs restricts the unit ids the simulator answers for.
func WithUnitIDs(ids ...byte) TCPSimulatorOption {
	return func(c *tcpSimulatorConfig) {
		c.units = ids
	}
}

// StartTCPSimulator starts a TCP Modbus simulator on a free loopback port.
// It returns the server, so tests can drop its connections, and the
// address to dial.
func StartTCPSimulator(t *testing.T, opts ...TCPSimulatorOption) (server *simulator.TCPServer, address string) {
	t.Helper()

	config := &tcpSimulatorConfig{}
	for _, opt := range opts {
		opt(config)
	}

	server, err := simulator.NewTCPServer(simulator.NewDataStore(config.config), &simulator.TCPServerConfig{
		Address: "127.0.0.1:0",
		UnitIDs: config.units,
		Logger:  Logger(),
	})
	if err != nil {
		t.Fatalf("failed to create TCP simulator: %v", err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("failed to start TCP simulator: %v", err)
	}
	t.Cleanup(func() {
		if err := server.Stop(); err != nil {
			t.Errorf("failed to stop TCP simulator: %v", err)
		}
	})
	return server, server.Address()
}
