package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v2"
)

func main() {
	addressFlags := func(extra ...cli.Flag) []cli.Flag {
		return append([]cli.Flag{
			&cli.UintFlag{
				Name:     "start",
				Usage:    "Starting address",
				Required: true,
			},
		}, extra...)
	}
	readFlags := func(max int, format string) []cli.Flag {
		return addressFlags(
			&cli.UintFlag{
				Name:     "count",
				Usage:    fmt.Sprintf("Number of elements to read (1-%d)", max),
				Required: true,
			},
			&cli.StringFlag{
				Name:  "format",
				Usage: "Output format: hex, decimal, binary",
				Value: format,
			},
		)
	}
	registerFlags := func() []cli.Flag {
		return append(readFlags(125, "hex"), &cli.StringFlag{
			Name:  "type",
			Usage: "Element type: uint16, int16, uint32, int32, float32, uint64, float64",
			Value: "uint16",
		})
	}

	app := &cli.App{
		Name:  "modbus-cli",
		Usage: "Command-line tool for Modbus communication",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Configuration file (YAML)",
			},
			&cli.StringFlag{
				Name:    "protocol",
				Aliases: []string{"p"},
				Usage:   "Protocol type: tcp or rtu",
			},
			&cli.StringFlag{
				Name:    "address",
				Aliases: []string{"a"},
				Usage:   "Connection address (TCP: host:port, RTU: /dev/ttyUSB0)",
			},
			&cli.IntFlag{
				Name:    "slave-id",
				Aliases: []string{"s"},
				Usage:   "Modbus slave/unit ID",
				Value:   1,
			},
			&cli.StringFlag{
				Name:  "slaves",
				Usage: "Slave set, e.g. 1,3,5-9 (overrides --slave-id)",
			},
			&cli.DurationFlag{
				Name:  "slave-delay",
				Usage: "Pause between two slaves of a set",
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Usage:   "Response timeout",
				Value:   500 * time.Millisecond,
			},
			&cli.StringFlag{
				Name:  "byte-order",
				Usage: "Register element byte order: host, big, little",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level: debug, info, warn, error",
			},
			// Serial-specific options
			&cli.IntFlag{
				Name:  "baud",
				Usage: "Baud rate (RTU only)",
				Value: 19200,
			},
			&cli.IntFlag{
				Name:  "data-bits",
				Usage: "Data bits (RTU only)",
				Value: 8,
			},
			&cli.IntFlag{
				Name:  "stop-bits",
				Usage: "Stop bits (RTU only)",
				Value: 1,
			},
			&cli.StringFlag{
				Name:  "parity",
				Usage: "Parity: none, odd, even (RTU only)",
				Value: "none",
			},
			&cli.BoolFlag{
				Name:  "rs485",
				Usage: "Use kernel RS-485 direction control (RTU only)",
			},
			// TCP-specific options
			&cli.BoolFlag{
				Name:  "all-at-once",
				Usage: "Pipeline requests without waiting for responses (TCP only)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "read-coils",
				Usage:  "Read coils (function code 1)",
				Flags:  readFlags(2000, "binary"),
				Action: readCoilsAction,
			},
			{
				Name:   "read-discrete-inputs",
				Usage:  "Read discrete inputs (function code 2)",
				Flags:  readFlags(2000, "binary"),
				Action: readDiscreteInputsAction,
			},
			{
				Name:   "read-holding-registers",
				Usage:  "Read holding registers (function code 3)",
				Flags:  registerFlags(),
				Action: readHoldingRegistersAction,
			},
			{
				Name:   "read-input-registers",
				Usage:  "Read input registers (function code 4)",
				Flags:  registerFlags(),
				Action: readInputRegistersAction,
			},
			{
				Name:  "write-coil",
				Usage: "Write a single coil (function code 5)",
				Flags: addressFlags(&cli.BoolFlag{
					Name:  "on",
					Usage: "Coil state",
				}),
				Action: writeCoilAction,
			},
			{
				Name:  "write-register",
				Usage: "Write a single register (function code 6)",
				Flags: addressFlags(&cli.UintFlag{
					Name:     "value",
					Usage:    "Register value",
					Required: true,
				}),
				Action: writeRegisterAction,
			},
			{
				Name:  "write-coils",
				Usage: "Write multiple coils (function code 15)",
				Flags: addressFlags(&cli.IntSliceFlag{
					Name:     "values",
					Usage:    "Coil states as 0 or 1, e.g. 1,0,1",
					Required: true,
				}),
				Action: writeCoilsAction,
			},
			{
				Name:  "write-registers",
				Usage: "Write multiple registers (function code 16)",
				Flags: addressFlags(&cli.IntSliceFlag{
					Name:     "values",
					Usage:    "Register values, e.g. 10,20,30",
					Required: true,
				}),
				Action: writeRegistersAction,
			},
			{
				Name:  "mask-write-register",
				Usage: "Mask write a register (function code 22)",
				Flags: addressFlags(
					&cli.UintFlag{Name: "and", Usage: "AND mask", Value: 0xFFFF},
					&cli.UintFlag{Name: "or", Usage: "OR mask"},
				),
				Action: maskWriteRegisterAction,
			},
			{
				Name:  "read-write-registers",
				Usage: "Write then read registers (function code 23)",
				Flags: append(readFlags(125, "hex"),
					&cli.UintFlag{Name: "write-start", Usage: "Write starting address", Required: true},
					&cli.IntSliceFlag{Name: "values", Usage: "Register values to write", Required: true},
				),
				Action: readWriteRegistersAction,
			},
			{
				Name:   "read-exception-status",
				Usage:  "Read exception status (function code 7)",
				Action: readExceptionStatusAction,
			},
			{
				Name:  "diagnostics",
				Usage: "Serial line diagnostics (function code 8)",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "sub-function", Usage: "Sub-function code"},
					&cli.UintFlag{Name: "data", Usage: "Data word"},
				},
				Action: diagnosticsAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}
