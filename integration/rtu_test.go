// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package integration

import (
	"bytes"
	"slices"
	"testing"
	"time"

	modbus "github.com/lumberbarons/modbusmaster"
	"github.com/lumberbarons/modbusmaster/internal/simulator"
	"github.com/lumberbarons/modbusmaster/internal/testutil"
)

func TestRTUMaster(t *testing.T) {
	mb := newRTUMaster(t, testutil.WithSlaveID(17), testutil.WithDataStoreConfig(&simulator.DataStoreConfig{
		Coils:          map[uint16]bool{1: true},
		DiscreteInputs: map[uint16]bool{15: true, 16: true},
		InputRegs:      map[uint16]uint16{8: 0x0102},
	}))
	unit := modbus.Unit(17)

	r := one(t, mb, func(h modbus.Handler) modbus.ErrorCode {
		return mb.WriteMultipleRegisters(unit, 1, []uint16{3, 4}, h)
	})
	if r.code != modbus.Success {
		t.Fatalf("WriteMultipleRegisters: %v", r.code)
	}
	r = one(t, mb, func(h modbus.Handler) modbus.ErrorCode {
		return mb.ReadHoldingRegisters(unit, 0, 3, h)
	})
	if r.code != modbus.Success || !slices.Equal(r.regs, []uint16{0, 3, 4}) {
		t.Errorf("ReadHoldingRegisters = %v %v", r.code, r.regs)
	}
	if r.slave != 17 {
		t.Errorf("slave = %d, want 17", r.slave)
	}

	r = one(t, mb, func(h modbus.Handler) modbus.ErrorCode {
		return mb.ReadDiscreteInputs(unit, 15, 2, h)
	})
	if r.code != modbus.Success || !slices.Equal(r.bits[:2], []bool{true, true}) {
		t.Errorf("ReadDiscreteInputs = %v %v", r.code, r.bits)
	}

	r = one(t, mb, func(h modbus.Handler) modbus.ErrorCode {
		return mb.WriteMultipleCoils(unit, 5, []bool{true, false, true}, h)
	})
	if r.code != modbus.Success {
		t.Fatalf("WriteMultipleCoils: %v", r.code)
	}
	r = one(t, mb, func(h modbus.Handler) modbus.ErrorCode {
		return mb.ReadCoils(unit, 0, 8, h)
	})
	want := []bool{false, true, false, false, false, true, false, true}
	if r.code != modbus.Success || !slices.Equal(r.bits[:8], want) {
		t.Errorf("ReadCoils = %v %v, want %v", r.code, r.bits, want)
	}

	r = one(t, mb, func(h modbus.Handler) modbus.ErrorCode {
		return mb.ReadExceptionStatus(unit, h)
	})
	if r.code != modbus.Success || !bytes.Equal(r.data, []byte{0xA2}) {
		t.Errorf("ReadExceptionStatus = %v % x", r.code, r.data)
	}

	r = one(t, mb, func(h modbus.Handler) modbus.ErrorCode {
		return mb.ReadInputRegisters(unit, 8, 1, h)
	})
	if r.code != modbus.Success || !slices.Equal(r.regs, []uint16{0x0102}) {
		t.Errorf("ReadInputRegisters = %v %v", r.code, r.regs)
	}

	r = one(t, mb, func(h modbus.Handler) modbus.ErrorCode {
		return mb.MaskWriteRegister(unit, 1, 0x00F0, 0x0005, h)
	})
	if r.code != modbus.Success {
		t.Fatalf("MaskWriteRegister: %v", r.code)
	}
	r = one(t, mb, func(h modbus.Handler) modbus.ErrorCode {
		return mb.ReadWriteMultipleRegisters(unit, 1, 2, 2, []uint16{0xBEEF}, h)
	})
	if r.code != modbus.Success || !slices.Equal(r.regs, []uint16{0x0005, 0xBEEF}) {
		t.Errorf("ReadWriteMultipleRegisters = %v %#04x", r.code, r.regs)
	}

	r = one(t, mb, func(h modbus.Handler) modbus.ErrorCode {
		return mb.Diagnostics(unit, modbus.DiagReturnQueryData, 0xA537, h)
	})
	if r.code != modbus.Success || !bytes.Equal(r.data, []byte{0xA5, 0x37}) {
		t.Errorf("Diagnostics = %v % x", r.code, r.data)
	}
}

func TestRTUMasterException(t *testing.T) {
	mb := newRTUMaster(t)
	r := one(t, mb, func(h modbus.Handler) modbus.ErrorCode {
		return mb.ReadHoldingRegisters(modbus.Unit(1), 65535, 2, h)
	})
	if r.code != modbus.ExceptionIllegalDataAddress {
		t.Errorf("code = %v, want %v", r.code, modbus.ExceptionIllegalDataAddress)
	}
}

func TestRTUMasterBroadcast(t *testing.T) {
	mb := newRTUMaster(t)
	r := one(t, mb, func(h modbus.Handler) modbus.ErrorCode {
		return mb.WriteSingleRegister(modbus.Unit(0), 40, 0x1234, h)
	})
	if r.code != modbus.Success {
		t.Fatalf("broadcast: %v", r.code)
	}
	// The broadcast needs no reply, wait for the simulator to apply it.
	time.Sleep(50 * time.Millisecond)
	r = one(t, mb, func(h modbus.Handler) modbus.ErrorCode {
		return mb.ReadHoldingRegisters(modbus.Unit(1), 40, 1, h)
	})
	if !slices.Equal(r.regs, []uint16{0x1234}) {
		t.Errorf("register after broadcast = %v", r.regs)
	}
}

func TestRTUMasterSlaveSet(t *testing.T) {
	mb := newRTUMaster(t, testutil.WithDataStoreConfig(&simulator.DataStoreConfig{
		HoldingRegs: map[uint16]uint16{0: 7},
	}))
	mb.SetResponseTimeout(100 * time.Millisecond)

	set := modbus.NewSlaveSet(1, 2)
	set.SetDelay(10 * time.Millisecond)
	var results []result
	if code := mb.ReadHoldingRegisters(set, 0, 1, collect(&results)); code != modbus.Success {
		t.Fatal(code)
	}
	pollUntil(t, mb, 5*time.Second)

	if len(results) != 2 {
		t.Fatalf("handler calls = %d, want 2", len(results))
	}
	if results[0].slave != 1 || results[0].code != modbus.Success || !slices.Equal(results[0].regs, []uint16{7}) {
		t.Errorf("slave 1 result = %+v", results[0])
	}
	if results[1].slave != 2 || results[1].code != modbus.CodeResponseTimeout {
		t.Errorf("slave 2 result = %+v, want response timeout", results[1])
	}
}

func TestRTUMasterQueued(t *testing.T) {
	mb := newRTUMaster(t)
	var results []result
	for i := uint16(0); i < 4; i++ {
		if code := mb.WriteSingleRegister(modbus.Unit(1), 100+i, 10*i, collect(&results)); code != modbus.Success {
			t.Fatal(code)
		}
	}
	if code := mb.ReadHoldingRegisters(modbus.Unit(1), 100, 4, collect(&results)); code != modbus.Success {
		t.Fatal(code)
	}
	pollUntil(t, mb, 5*time.Second)

	if len(results) != 5 {
		t.Fatalf("handler calls = %d, want 5", len(results))
	}
	if last := results[4]; !slices.Equal(last.regs, []uint16{0, 10, 20, 30}) {
		t.Errorf("registers = %v", last.regs)
	}
}
