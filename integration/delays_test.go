// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package integration

import (
	"testing"
	"time"

	modbus "github.com/lumberbarons/modbusmaster"
	"github.com/lumberbarons/modbusmaster/internal/simulator"
	"github.com/lumberbarons/modbusmaster/internal/testutil"
)

func TestTCPClientWithDelay(t *testing.T) {
	_, address := testutil.StartTCPSimulator(t, testutil.WithTCPDataStoreConfig(&simulator.DataStoreConfig{
		NamedHoldingRegs: map[uint16]simulator.RegisterConfig{
			100: {Name: "SLOW_REG", Value: 1234},
		},
		Delays: &simulator.DelayConfigSet{
			HoldingRegs: map[uint16]simulator.DelayConfig{100: {Delay: "200ms"}},
		},
	}))
	mb := newTCPClient(t, modbus.TCPConfig{ResponseTimeout: 5 * time.Second},
		modbus.ChannelConfig{UnitID: 1, Address: address})

	r := one(t, mb, func(h modbus.Handler) modbus.ErrorCode {
		return mb.ReadHoldingRegisters(modbus.Unit(1), 100, 1, h)
	})
	if r.code != modbus.Success || len(r.regs) != 1 || r.regs[0] != 1234 {
		t.Fatalf("read = %v %v", r.code, r.regs)
	}
	if r.elapsed < 150*time.Millisecond || r.elapsed > 400*time.Millisecond {
		t.Errorf("elapsed = %v, want about 200ms", r.elapsed)
	}
}

func TestTCPClientWithTimeout(t *testing.T) {
	_, address := testutil.StartTCPSimulator(t, testutil.WithTCPDataStoreConfig(&simulator.DataStoreConfig{
		NamedHoldingRegs: map[uint16]simulator.RegisterConfig{
			200: {Name: "TIMEOUT_REG", Value: 5678},
		},
		Delays: &simulator.DelayConfigSet{
			HoldingRegs: map[uint16]simulator.DelayConfig{200: {TimeoutProbability: 1.0}},
		},
	}))
	mb := newTCPClient(t, modbus.TCPConfig{ResponseTimeout: 300 * time.Millisecond},
		modbus.ChannelConfig{UnitID: 1, Address: address})

	r := one(t, mb, func(h modbus.Handler) modbus.ErrorCode {
		return mb.ReadHoldingRegisters(modbus.Unit(1), 200, 1, h)
	})
	if r.code != modbus.CodeResponseTimeout {
		t.Fatalf("code = %v, want %v", r.code, modbus.CodeResponseTimeout)
	}
	if r.elapsed < 250*time.Millisecond || r.elapsed > 600*time.Millisecond {
		t.Errorf("elapsed = %v, want about 300ms", r.elapsed)
	}

	// The channel stays usable after a timeout.
	r = one(t, mb, func(h modbus.Handler) modbus.ErrorCode {
		return mb.ReadHoldingRegisters(modbus.Unit(1), 201, 1, h)
	})
	if r.code != modbus.Success {
		t.Errorf("read after timeout: %v", r.code)
	}
}

func TestTCPClientTimeoutPerFunction(t *testing.T) {
	drop := map[uint16]simulator.DelayConfig{0: {TimeoutProbability: 1.0}}
	_, address := testutil.StartTCPSimulator(t, testutil.WithTCPDataStoreConfig(&simulator.DataStoreConfig{
		Delays: &simulator.DelayConfigSet{
			HoldingRegs:    drop,
			Coils:          drop,
			InputRegs:      drop,
			DiscreteInputs: drop,
		},
	}))
	mb := newTCPClient(t, modbus.TCPConfig{ResponseTimeout: 200 * time.Millisecond},
		modbus.ChannelConfig{UnitID: 1, Address: address, AllAtOnce: true})

	var results []result
	unit := modbus.Unit(1)
	mb.ReadHoldingRegisters(unit, 0, 1, collect(&results))
	mb.ReadCoils(unit, 0, 1, collect(&results))
	mb.ReadInputRegisters(unit, 0, 1, collect(&results))
	mb.ReadDiscreteInputs(unit, 0, 1, collect(&results))
	pollUntil(t, mb, 5*time.Second)

	if len(results) != 4 {
		t.Fatalf("handler calls = %d, want 4", len(results))
	}
	for i, r := range results {
		if r.code != modbus.CodeResponseTimeout {
			t.Errorf("request %d code = %v, want %v", i, r.code, modbus.CodeResponseTimeout)
		}
	}
}

func TestRTUMasterWithDelay(t *testing.T) {
	mb := newRTUMaster(t, testutil.WithDataStoreConfig(&simulator.DataStoreConfig{
		NamedInputRegs: map[uint16]simulator.RegisterConfig{
			50: {Name: "SLOW_INPUT", Value: 9999},
		},
		Delays: &simulator.DelayConfigSet{
			InputRegs: map[uint16]simulator.DelayConfig{50: {Delay: "150ms"}},
		},
	}))

	r := one(t, mb, func(h modbus.Handler) modbus.ErrorCode {
		return mb.ReadInputRegisters(modbus.Unit(1), 50, 1, h)
	})
	if r.code != modbus.Success || len(r.regs) != 1 || r.regs[0] != 9999 {
		t.Fatalf("read = %v %v", r.code, r.regs)
	}
	if r.elapsed < 100*time.Millisecond {
		t.Errorf("elapsed = %v, want about 150ms", r.elapsed)
	}
}

func TestRTUMasterTimeoutWithLongDelay(t *testing.T) {
	mb := newRTUMaster(t, testutil.WithDataStoreConfig(&simulator.DataStoreConfig{
		Delays: &simulator.DelayConfigSet{
			Coils: map[uint16]simulator.DelayConfig{0: {Delay: "1s"}},
		},
	}))
	mb.SetResponseTimeout(200 * time.Millisecond)

	r := one(t, mb, func(h modbus.Handler) modbus.ErrorCode {
		return mb.ReadCoils(modbus.Unit(1), 0, 1, h)
	})
	if r.code != modbus.CodeResponseTimeout {
		t.Errorf("code = %v, want %v", r.code, modbus.CodeResponseTimeout)
	}
}

func TestClientWithAddressOverride(t *testing.T) {
	_, address := testutil.StartTCPSimulator(t, testutil.WithTCPDataStoreConfig(&simulator.DataStoreConfig{
		NamedHoldingRegs: map[uint16]simulator.RegisterConfig{
			0:   {Name: "FAST_REG", Value: 100},
			100: {Name: "SLOW_REG", Value: 200},
		},
		Delays: &simulator.DelayConfigSet{
			Global: map[simulator.RegisterType]simulator.DelayConfig{
				simulator.RegisterTypeHoldingReg: {Delay: "50ms"},
			},
			HoldingRegs: map[uint16]simulator.DelayConfig{100: {Delay: "300ms"}},
		},
	}))
	mb := newTCPClient(t, modbus.TCPConfig{ResponseTimeout: 5 * time.Second},
		modbus.ChannelConfig{UnitID: 1, Address: address})

	fast := one(t, mb, func(h modbus.Handler) modbus.ErrorCode {
		return mb.ReadHoldingRegisters(modbus.Unit(1), 0, 1, h)
	})
	slow := one(t, mb, func(h modbus.Handler) modbus.ErrorCode {
		return mb.ReadHoldingRegisters(modbus.Unit(1), 100, 1, h)
	})
	if fast.code != modbus.Success || slow.code != modbus.Success {
		t.Fatalf("codes = %v %v", fast.code, slow.code)
	}
	if slow.elapsed < 250*time.Millisecond || slow.elapsed-fast.elapsed < 150*time.Millisecond {
		t.Errorf("elapsed fast %v slow %v, want the override to be slower", fast.elapsed, slow.elapsed)
	}
}
