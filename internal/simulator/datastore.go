// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package simulator

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Size of each address space.
const maxAddress = 65536

// RegisterType names one of the four Modbus address spaces.
type RegisterType string

const (
	RegisterTypeCoil          RegisterType = "coil"
	RegisterTypeDiscreteInput RegisterType = "discrete_input"
	RegisterTypeHoldingReg    RegisterType = "holding_register"
	RegisterTypeInputReg      RegisterType = "input_register"
)

// DelayConfig describes how the simulator answers a request touching an
// address. Delay is a time.ParseDuration string, Jitter a percentage of
// Delay applied in both directions and TimeoutProbability the chance
// (0 to 1) that no response is sent at all.
type DelayConfig struct {
	Delay              string  `yaml:"delay" json:"delay"`
	Jitter             int     `yaml:"jitter" json:"jitter"`
	TimeoutProbability float64 `yaml:"timeout_probability" json:"timeout_probability"`
}

// DelayConfigSet holds per-address delays with a per-space fallback.
type DelayConfigSet struct {
	Global         map[RegisterType]DelayConfig `yaml:"global" json:"global"`
	Coils          map[uint16]DelayConfig       `yaml:"coils" json:"coils"`
	DiscreteInputs map[uint16]DelayConfig       `yaml:"discrete_inputs" json:"discrete_inputs"`
	HoldingRegs    map[uint16]DelayConfig       `yaml:"holding_registers" json:"holding_registers"`
	InputRegs      map[uint16]DelayConfig       `yaml:"input_registers" json:"input_registers"`
}

// RegisterConfig is a labelled register value.
type RegisterConfig struct {
	Name  string `yaml:"name" json:"name"`
	Value uint16 `yaml:"value" json:"value"`
}

// CoilConfig is a labelled bit value.
type CoilConfig struct {
	Name  string `yaml:"name" json:"name"`
	Value bool   `yaml:"value" json:"value"`
}

// DataStore represents the in-memory storage for Modbus data.
// It maintains four separate address spaces:
// - Coils: read/write single bits (function codes 1, 5, 7, 15)
// - Discrete Inputs: read-only single bits (function code 2)
// - Holding Registers: read/write 16-bit registers (function codes 3, 6, 16, 22, 23)
// - Input Registers: read-only 16-bit registers (function code 4)
type DataStore struct {
	mu sync.RWMutex

	coils          []bool
	discreteInputs []bool
	holdingRegs    []uint16
	inputRegs      []uint16
	names          map[RegisterType]map[uint16]string

	delays *DelayConfigSet
	file   *mmapFile
	rndMu  sync.Mutex
	rnd    *rand.Rand
}

// DataStoreConfig allows configuring initial values for the data store.
// Named entries are applied after the plain maps.
type DataStoreConfig struct {
	Coils          map[uint16]bool   `yaml:"coils" json:"coils"`
	DiscreteInputs map[uint16]bool   `yaml:"discrete_inputs" json:"discrete_inputs"`
	HoldingRegs    map[uint16]uint16 `yaml:"holding_registers" json:"holding_registers"`
	InputRegs      map[uint16]uint16 `yaml:"input_registers" json:"input_registers"`

	NamedCoils          map[uint16]CoilConfig     `yaml:"named_coils" json:"named_coils"`
	NamedDiscreteInputs map[uint16]CoilConfig     `yaml:"named_discrete_inputs" json:"named_discrete_inputs"`
	NamedHoldingRegs    map[uint16]RegisterConfig `yaml:"named_holding_registers" json:"named_holding_registers"`
	NamedInputRegs      map[uint16]RegisterConfig `yaml:"named_input_registers" json:"named_input_registers"`

	Delays *DelayConfigSet `yaml:"delays" json:"delays"`
}

// NewDataStore creates a new DataStore with optional initial configuration.
func NewDataStore(config *DataStoreConfig) *DataStore {
	ds := &DataStore{
		coils:          make([]bool, maxAddress),
		discreteInputs: make([]bool, maxAddress),
		holdingRegs:    make([]uint16, maxAddress),
		inputRegs:      make([]uint16, maxAddress),
		names:          make(map[RegisterType]map[uint16]string),
		rnd:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if config == nil {
		return ds
	}

	for addr, val := range config.Coils {
		ds.coils[addr] = val
	}
	for addr, val := range config.DiscreteInputs {
		ds.discreteInputs[addr] = val
	}
	for addr, val := range config.HoldingRegs {
		ds.holdingRegs[addr] = val
	}
	for addr, val := range config.InputRegs {
		ds.inputRegs[addr] = val
	}
	for addr, c := range config.NamedCoils {
		ds.coils[addr] = c.Value
		ds.setName(RegisterTypeCoil, addr, c.Name)
	}
	for addr, c := range config.NamedDiscreteInputs {
		ds.discreteInputs[addr] = c.Value
		ds.setName(RegisterTypeDiscreteInput, addr, c.Name)
	}
	for addr, r := range config.NamedHoldingRegs {
		ds.holdingRegs[addr] = r.Value
		ds.setName(RegisterTypeHoldingReg, addr, r.Name)
	}
	for addr, r := range config.NamedInputRegs {
		ds.inputRegs[addr] = r.Value
		ds.setName(RegisterTypeInputReg, addr, r.Name)
	}
	ds.delays = config.Delays
	return ds
}

func (ds *DataStore) setName(regType RegisterType, addr uint16, name string) {
	if name == "" {
		return
	}
	m := ds.names[regType]
	if m == nil {
		m = make(map[uint16]string)
		ds.names[regType] = m
	}
	m[addr] = name
}

// Name returns the label configured for an address, if any.
func (ds *DataStore) Name(regType RegisterType, addr uint16) string {
	return ds.names[regType][addr]
}

// GetDelayConfig returns the delay for an address. An address entry wins
// over the Global entry of its space; nil means answer immediately.
func (ds *DataStore) GetDelayConfig(regType RegisterType, addr uint16) *DelayConfig {
	if ds.delays == nil {
		return nil
	}
	var perAddr map[uint16]DelayConfig
	switch regType {
	case RegisterTypeCoil:
		perAddr = ds.delays.Coils
	case RegisterTypeDiscreteInput:
		perAddr = ds.delays.DiscreteInputs
	case RegisterTypeHoldingReg:
		perAddr = ds.delays.HoldingRegs
	case RegisterTypeInputReg:
		perAddr = ds.delays.InputRegs
	}
	if cfg, ok := perAddr[addr]; ok {
		return &cfg
	}
	if cfg, ok := ds.delays.Global[regType]; ok {
		return &cfg
	}
	return nil
}

// ApplyDelay sleeps for the delay configured at addr and reports whether
// a response should be sent. An unparsable delay is ignored.
func (ds *DataStore) ApplyDelay(regType RegisterType, addr uint16) bool {
	cfg := ds.GetDelayConfig(regType, addr)
	if cfg == nil {
		return true
	}
	if cfg.TimeoutProbability > 0 && ds.float64() < cfg.TimeoutProbability {
		return false
	}
	if cfg.Delay == "" {
		return true
	}
	d, err := time.ParseDuration(cfg.Delay)
	if err != nil || d <= 0 {
		return true
	}
	if cfg.Jitter > 0 {
		span := int64(d) * int64(cfg.Jitter) / 100
		if span > 0 {
			d += time.Duration(ds.int63n(2*span+1) - span)
		}
	}
	if d > 0 {
		time.Sleep(d)
	}
	return true
}

func (ds *DataStore) float64() float64 {
	ds.rndMu.Lock()
	defer ds.rndMu.Unlock()
	return ds.rnd.Float64()
}

func (ds *DataStore) int63n(n int64) int64 {
	ds.rndMu.Lock()
	defer ds.rndMu.Unlock()
	return ds.rnd.Int63n(n)
}

// ReadCoils reads quantity coils starting at address.
func (ds *DataStore) ReadCoils(address, quantity uint16) ([]bool, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return readRange(ds.coils, address, quantity)
}

// ReadDiscreteInputs reads quantity discrete inputs starting at address.
func (ds *DataStore) ReadDiscreteInputs(address, quantity uint16) ([]bool, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return readRange(ds.discreteInputs, address, quantity)
}

// ReadHoldingRegisters reads quantity holding registers starting at address.
func (ds *DataStore) ReadHoldingRegisters(address, quantity uint16) ([]uint16, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return readRange(ds.holdingRegs, address, quantity)
}

// ReadInputRegisters reads quantity input registers starting at address.
func (ds *DataStore) ReadInputRegisters(address, quantity uint16) ([]uint16, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return readRange(ds.inputRegs, address, quantity)
}

// ExceptionStatus packs coils 0-7 into one byte, coil 0 in the low bit.
func (ds *DataStore) ExceptionStatus() byte {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	var status byte
	for i := 0; i < 8; i++ {
		if ds.coils[i] {
			status |= 1 << uint(i)
		}
	}
	return status
}

// WriteSingleCoil writes a single coil at address.
func (ds *DataStore) WriteSingleCoil(address uint16, value bool) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.coils[address] = value
	return ds.sync(RegisterTypeCoil, address, 1)
}

// WriteMultipleCoils writes multiple coils starting at address.
func (ds *DataStore) WriteMultipleCoils(address uint16, values []bool) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if err := writeRange(ds.coils, address, values); err != nil {
		return err
	}
	return ds.sync(RegisterTypeCoil, address, len(values))
}

// WriteSingleRegister writes a single holding register at address.
func (ds *DataStore) WriteSingleRegister(address, value uint16) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.holdingRegs[address] = value
	return ds.sync(RegisterTypeHoldingReg, address, 1)
}

// WriteMultipleRegisters writes multiple holding registers starting at address.
func (ds *DataStore) WriteMultipleRegisters(address uint16, values []uint16) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if err := writeRange(ds.holdingRegs, address, values); err != nil {
		return err
	}
	return ds.sync(RegisterTypeHoldingReg, address, len(values))
}

// MaskWriteRegister performs an AND/OR mask write on a holding register.
func (ds *DataStore) MaskWriteRegister(address, andMask, orMask uint16) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	// result = (current AND andMask) OR (orMask AND (NOT andMask))
	current := ds.holdingRegs[address]
	ds.holdingRegs[address] = (current & andMask) | (orMask &^ andMask)
	return ds.sync(RegisterTypeHoldingReg, address, 1)
}

func readRange[T any](space []T, address, quantity uint16) ([]T, error) {
	if err := validateRange(address, quantity); err != nil {
		return nil, err
	}
	result := make([]T, quantity)
	copy(result, space[address:])
	return result, nil
}

func writeRange[T any](space []T, address uint16, values []T) error {
	if len(values) > maxAddress {
		return fmt.Errorf("quantity %d exceeds maximum", len(values))
	}
	if err := validateRange(address, uint16(len(values))); err != nil {
		return err
	}
	copy(space[address:], values)
	return nil
}

// validateRange checks if address + quantity is within bounds.
func validateRange(address, quantity uint16) error {
	if quantity == 0 {
		return fmt.Errorf("quantity must be greater than 0")
	}
	if uint32(address)+uint32(quantity) > maxAddress {
		return fmt.Errorf("address range %d-%d exceeds maximum", address, uint32(address)+uint32(quantity)-1)
	}
	return nil
}
