package main

import (
	"fmt"

	modbus "github.com/lumberbarons/modbusmaster"
)

// elementType is a register element format accepted by --type.
type elementType struct {
	size   int
	format func(t *modbus.Transaction, i int, format string) string
}

var elementTypes = map[string]elementType{
	"uint16": {2, func(t *modbus.Transaction, i int, format string) string {
		if format == "decimal" {
			return fmt.Sprintf("%d", t.Uint16(i))
		}
		return fmt.Sprintf("0x%04X", t.Uint16(i))
	}},
	"int16": {2, func(t *modbus.Transaction, i int, _ string) string {
		return fmt.Sprintf("%d", t.Int16(i))
	}},
	"uint32": {4, func(t *modbus.Transaction, i int, format string) string {
		if format == "decimal" {
			return fmt.Sprintf("%d", t.Uint32(i))
		}
		return fmt.Sprintf("0x%08X", t.Uint32(i))
	}},
	"int32": {4, func(t *modbus.Transaction, i int, _ string) string {
		return fmt.Sprintf("%d", t.Int32(i))
	}},
	"float32": {4, func(t *modbus.Transaction, i int, _ string) string {
		return fmt.Sprintf("%g", t.Float32(i))
	}},
	"uint64": {8, func(t *modbus.Transaction, i int, format string) string {
		if format == "decimal" {
			return fmt.Sprintf("%d", t.Uint64(i))
		}
		return fmt.Sprintf("0x%016X", t.Uint64(i))
	}},
	"float64": {8, func(t *modbus.Transaction, i int, _ string) string {
		return fmt.Sprintf("%g", t.Float64(i))
	}},
}

func parseElementType(name string) (elementType, error) {
	kind, ok := elementTypes[name]
	if !ok {
		return elementType{}, fmt.Errorf("unknown element type %q", name)
	}
	return kind, nil
}

// printBitResults prints bit values (coils/discrete inputs)
func printBitResults(start, count uint16, format string) modbus.Handler {
	return func(t *modbus.Transaction) {
		for i := 0; i < int(count); i++ {
			bit := 0
			if t.Bit(i) {
				bit = 1
			}
			switch format {
			case "hex":
				fmt.Printf("slave %d 0x%04X: 0x%X\n", t.Slave(), int(start)+i, bit)
			default: // binary, decimal
				fmt.Printf("slave %d 0x%04X: %d\n", t.Slave(), int(start)+i, bit)
			}
		}
	}
}

// printRegisterResults prints register values; each element advances the
// address by its register count.
func printRegisterResults(start uint16, kind elementType, format string) modbus.Handler {
	step := (kind.size + 1) / 2
	return func(t *modbus.Transaction) {
		for i := 0; i < t.Count(); i++ {
			fmt.Printf("slave %d 0x%04X: %s\n", t.Slave(), int(start)+i*step, kind.format(t, i, format))
		}
	}
}

func printWritten(t *modbus.Transaction) {
	fmt.Printf("slave %d: ok\n", t.Slave())
}
