package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	modbus "github.com/lumberbarons/modbusmaster"
)

// do opens a session and runs one request through it.
func do(c *cli.Context, submit func(s *session, h modbus.Handler) modbus.ErrorCode, handler modbus.Handler) error {
	s, err := openSession(c)
	if err != nil {
		return err
	}
	ctx, cancel := createContextWithSignalHandler()
	defer cancel()

	return s.run(ctx, func(h modbus.Handler) modbus.ErrorCode {
		return submit(s, h)
	}, handler)
}

func readCount(c *cli.Context, max uint) (start, count uint16, err error) {
	n := c.Uint("count")
	if n < 1 || n > max {
		return 0, 0, fmt.Errorf("count must be between 1 and %d", max)
	}
	return uint16(c.Uint("start")), uint16(n), nil
}

// readCoilsAction handles the read-coils command
func readCoilsAction(c *cli.Context) error {
	start, count, err := readCount(c, 2000)
	if err != nil {
		return err
	}
	return do(c, func(s *session, h modbus.Handler) modbus.ErrorCode {
		return s.ReadCoils(s.target, start, count, h)
	}, printBitResults(start, count, c.String("format")))
}

// readDiscreteInputsAction handles the read-discrete-inputs command
func readDiscreteInputsAction(c *cli.Context) error {
	start, count, err := readCount(c, 2000)
	if err != nil {
		return err
	}
	return do(c, func(s *session, h modbus.Handler) modbus.ErrorCode {
		return s.ReadDiscreteInputs(s.target, start, count, h)
	}, printBitResults(start, count, c.String("format")))
}

// readHoldingRegistersAction handles the read-holding-registers command
func readHoldingRegistersAction(c *cli.Context) error {
	start, count, err := readCount(c, 125)
	if err != nil {
		return err
	}
	kind, err := parseElementType(c.String("type"))
	if err != nil {
		return err
	}
	return do(c, func(s *session, h modbus.Handler) modbus.ErrorCode {
		return s.ReadHoldingRegistersAs(s.target, start, int(count), kind.size, h)
	}, printRegisterResults(start, kind, c.String("format")))
}

// readInputRegistersAction handles the read-input-registers command
func readInputRegistersAction(c *cli.Context) error {
	start, count, err := readCount(c, 125)
	if err != nil {
		return err
	}
	kind, err := parseElementType(c.String("type"))
	if err != nil {
		return err
	}
	return do(c, func(s *session, h modbus.Handler) modbus.ErrorCode {
		return s.ReadInputRegistersAs(s.target, start, int(count), kind.size, h)
	}, printRegisterResults(start, kind, c.String("format")))
}

func writeCoilAction(c *cli.Context) error {
	start := uint16(c.Uint("start"))
	on := c.Bool("on")
	return do(c, func(s *session, h modbus.Handler) modbus.ErrorCode {
		return s.WriteSingleCoil(s.target, start, on, h)
	}, printWritten)
}

func writeRegisterAction(c *cli.Context) error {
	start := uint16(c.Uint("start"))
	value := c.Uint("value")
	if value > 0xFFFF {
		return fmt.Errorf("value %d does not fit a register", value)
	}
	return do(c, func(s *session, h modbus.Handler) modbus.ErrorCode {
		return s.WriteSingleRegister(s.target, start, uint16(value), h)
	}, printWritten)
}

func writeCoilsAction(c *cli.Context) error {
	start := uint16(c.Uint("start"))
	values := make([]bool, 0, len(c.IntSlice("values")))
	for _, v := range c.IntSlice("values") {
		values = append(values, v != 0)
	}
	return do(c, func(s *session, h modbus.Handler) modbus.ErrorCode {
		return s.WriteMultipleCoils(s.target, start, values, h)
	}, printWritten)
}

func writeRegistersAction(c *cli.Context) error {
	start := uint16(c.Uint("start"))
	values, err := registerValues(c.IntSlice("values"))
	if err != nil {
		return err
	}
	return do(c, func(s *session, h modbus.Handler) modbus.ErrorCode {
		return s.WriteMultipleRegisters(s.target, start, values, h)
	}, printWritten)
}

func maskWriteRegisterAction(c *cli.Context) error {
	start := uint16(c.Uint("start"))
	and, or := c.Uint("and"), c.Uint("or")
	if and > 0xFFFF || or > 0xFFFF {
		return fmt.Errorf("masks must fit a register")
	}
	return do(c, func(s *session, h modbus.Handler) modbus.ErrorCode {
		return s.MaskWriteRegister(s.target, start, uint16(and), uint16(or), h)
	}, printWritten)
}

func readWriteRegistersAction(c *cli.Context) error {
	start, count, err := readCount(c, 125)
	if err != nil {
		return err
	}
	values, err := registerValues(c.IntSlice("values"))
	if err != nil {
		return err
	}
	writeStart := uint16(c.Uint("write-start"))
	return do(c, func(s *session, h modbus.Handler) modbus.ErrorCode {
		return s.ReadWriteMultipleRegisters(s.target, start, count, writeStart, values, h)
	}, printRegisterResults(start, elementTypes["uint16"], c.String("format")))
}

func readExceptionStatusAction(c *cli.Context) error {
	return do(c, func(s *session, h modbus.Handler) modbus.ErrorCode {
		return s.ReadExceptionStatus(s.target, h)
	}, func(t *modbus.Transaction) {
		fmt.Printf("slave %d: exception status 0x%02X (%08b)\n", t.Slave(), t.Data()[0], t.Data()[0])
	})
}

func diagnosticsAction(c *cli.Context) error {
	sub, data := c.Uint("sub-function"), c.Uint("data")
	if sub > 0xFFFF || data > 0xFFFF {
		return fmt.Errorf("sub-function and data must fit a register")
	}
	return do(c, func(s *session, h modbus.Handler) modbus.ErrorCode {
		return s.Diagnostics(s.target, uint16(sub), uint16(data), h)
	}, func(t *modbus.Transaction) {
		d := t.Data()
		fmt.Printf("slave %d: sub-function 0x%04X data 0x%02X%02X\n", t.Slave(), sub, d[0], d[1])
	})
}

func registerValues(in []int) ([]uint16, error) {
	out := make([]uint16, len(in))
	for i, v := range in {
		if v < 0 || v > 0xFFFF {
			return nil, fmt.Errorf("value %d does not fit a register", v)
		}
		out[i] = uint16(v)
	}
	return out, nil
}
