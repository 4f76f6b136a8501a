// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package integration

import (
	"testing"
	"time"

	modbus "github.com/lumberbarons/modbusmaster"
	"github.com/lumberbarons/modbusmaster/internal/testutil"
)

type poller interface {
	Poll()
	Pending() int
}

// result is a copy of a completed transaction taken inside the handler.
type result struct {
	code    modbus.ErrorCode
	slave   byte
	data    []byte
	regs    []uint16
	bits    []bool
	elapsed time.Duration
}

// collect returns a handler appending a copy of every completion to out.
func collect(out *[]result) modbus.Handler {
	start := time.Now()
	return func(t *modbus.Transaction) {
		r := result{
			code:    t.Code(),
			slave:   t.Slave(),
			data:    append([]byte(nil), t.Data()...),
			elapsed: time.Since(start),
		}
		if t.Code() == modbus.Success {
			switch t.FunctionCode() {
			case modbus.FuncCodeReadCoils, modbus.FuncCodeReadDiscreteInputs:
				// Count is in bytes for bit reads; trailing padding bits are zero.
				for i := 0; i < 8*t.Count(); i++ {
					r.bits = append(r.bits, t.Bit(i))
				}
			case modbus.FuncCodeReadHoldingRegisters, modbus.FuncCodeReadInputRegisters,
				modbus.FuncCodeReadWriteMultipleRegisters:
				for i := 0; i < t.Count(); i++ {
					r.regs = append(r.regs, t.Uint16(i))
				}
			}
		}
		*out = append(*out, r)
	}
}

// pollUntil ticks p until it has no pending work or timeout elapses.
func pollUntil(t *testing.T, p poller, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for p.Pending() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("%d transactions still pending after %v", p.Pending(), timeout)
		}
		p.Poll()
		time.Sleep(100 * time.Microsecond)
	}
}

// one runs a single request to completion and returns its result.
func one(t *testing.T, p poller, submit func(modbus.Handler) modbus.ErrorCode) result {
	t.Helper()
	var results []result
	if code := submit(collect(&results)); code != modbus.Success {
		t.Fatalf("submit failed: %v", code)
	}
	pollUntil(t, p, 5*time.Second)
	if len(results) != 1 {
		t.Fatalf("handler called %d times, want 1", len(results))
	}
	return results[0]
}

func newRTUMaster(t *testing.T, opts ...testutil.RTUSimulatorOption) *modbus.RTUMaster {
	t.Helper()
	cleanup, device := testutil.StartRTUSimulator(t, opts...)
	t.Cleanup(cleanup)

	port := modbus.NewSerialPort(modbus.SerialConfig{Address: device, BaudRate: 19200, Logger: testutil.Logger()})
	if err := port.Connect(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { port.Close() })

	mb, err := modbus.NewRTUMaster(port, modbus.RTUConfig{
		BaudRate:        19200,
		ResponseTimeout: 500 * time.Millisecond,
		Logger:          testutil.Logger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return mb
}
