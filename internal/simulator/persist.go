// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package simulator

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
)

// Backing file layout, one space after the other:
//
//	coils            65536 bytes, one per bit  (offset 0)
//	discrete inputs  65536 bytes, one per bit  (offset 65536)
//	holding regs     65536 * 2 bytes, big endian (offset 131072)
//	input regs       65536 * 2 bytes, big endian (offset 262144)
const (
	coilsOffset          = 0
	discreteInputsOffset = maxAddress
	holdingRegsOffset    = 2 * maxAddress
	inputRegsOffset      = 4 * maxAddress
	persistSize          = 6 * maxAddress
)

type mmapFile struct {
	file *os.File
	data mmap.MMap
}

// Persist backs the data store with a memory-mapped file. An existing file
// of the right size is loaded over the current values; otherwise the file
// is created and seeded from them. Every write is flushed to the file.
func (ds *DataStore) Persist(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	existing := fi.Size() == persistSize
	if !existing {
		if err := f.Truncate(persistSize); err != nil {
			f.Close()
			return fmt.Errorf("failed to resize %s: %w", path, err)
		}
	}
	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return fmt.Errorf("mmap failed: %w", err)
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.file != nil {
		data.Unmap()
		f.Close()
		return errors.New("data store is already persisted")
	}
	ds.file = &mmapFile{file: f, data: data}
	if existing {
		ds.load()
		return nil
	}
	ds.store(RegisterTypeCoil, 0, maxAddress)
	ds.store(RegisterTypeDiscreteInput, 0, maxAddress)
	ds.store(RegisterTypeHoldingReg, 0, maxAddress)
	ds.store(RegisterTypeInputReg, 0, maxAddress)
	return ds.file.data.Flush()
}

// Close flushes and releases the backing file, if any.
func (ds *DataStore) Close() error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.file == nil {
		return nil
	}
	err := errors.Join(ds.file.data.Flush(), ds.file.data.Unmap(), ds.file.file.Close())
	ds.file = nil
	return err
}

// load copies the mapping into memory. Caller holds ds.mu.
func (ds *DataStore) load() {
	m := ds.file.data
	for i := 0; i < maxAddress; i++ {
		ds.coils[i] = m[coilsOffset+i] != 0
		ds.discreteInputs[i] = m[discreteInputsOffset+i] != 0
		ds.holdingRegs[i] = binary.BigEndian.Uint16(m[holdingRegsOffset+2*i:])
		ds.inputRegs[i] = binary.BigEndian.Uint16(m[inputRegsOffset+2*i:])
	}
}

// store copies n values of one space into the mapping. Caller holds ds.mu.
func (ds *DataStore) store(regType RegisterType, address uint16, n int) {
	m := ds.file.data
	for i := int(address); i < int(address)+n && i < maxAddress; i++ {
		switch regType {
		case RegisterTypeCoil:
			m[coilsOffset+i] = boolByte(ds.coils[i])
		case RegisterTypeDiscreteInput:
			m[discreteInputsOffset+i] = boolByte(ds.discreteInputs[i])
		case RegisterTypeHoldingReg:
			binary.BigEndian.PutUint16(m[holdingRegsOffset+2*i:], ds.holdingRegs[i])
		case RegisterTypeInputReg:
			binary.BigEndian.PutUint16(m[inputRegsOffset+2*i:], ds.inputRegs[i])
		}
	}
}

// sync writes a changed range through to the backing file. Caller holds
// ds.mu.
func (ds *DataStore) sync(regType RegisterType, address uint16, n int) error {
	if ds.file == nil {
		return nil
	}
	ds.store(regType, address, n)
	if err := ds.file.data.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
