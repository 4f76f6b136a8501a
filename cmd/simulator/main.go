// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/lumberbarons/modbusmaster/internal/simulator"
)

func main() {
	app := &cli.App{
		Name:  "modbus-simulator",
		Usage: "Modbus slave simulator for testing masters",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "mode",
				Aliases: []string{"m"},
				Usage:   "Modbus mode: tcp or rtu",
				Value:   "tcp",
			},
			&cli.StringFlag{
				Name:    "addr",
				Aliases: []string{"a"},
				Usage:   "TCP address (tcp mode only, format: host:port)",
				Value:   "localhost:5020",
			},
			&cli.IntFlag{
				Name:    "slave-id",
				Aliases: []string{"s"},
				Usage:   "Slave ID for rtu mode (1-247)",
				Value:   1,
			},
			&cli.IntSliceFlag{
				Name:  "units",
				Usage: "Unit ids served in tcp mode; others get a gateway exception (default: all)",
			},
			&cli.IntFlag{
				Name:  "baud",
				Usage: "Baud rate for rtu mode",
				Value: 19200,
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML or JSON data file with initial values and delays",
			},
			&cli.StringFlag{
				Name:  "persist",
				Usage: "Memory-mapped file that keeps the data across restarts",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level: debug, info, warn, error",
				Value: "info",
			},
		},
		Action: runSimulator,
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("simulator failed", "err", err)
		os.Exit(1)
	}
}

func runSimulator(c *cli.Context) error {
	logger := setupLogger(c.String("log-level"))
	mode := strings.ToLower(c.String("mode"))
	slaveID := c.Int("slave-id")
	baudRate := c.Int("baud")

	if slaveID < 1 || slaveID > 247 {
		return fmt.Errorf("invalid slave ID %d: must be between 1 and 247", slaveID)
	}

	var config *simulator.DataStoreConfig
	if file := c.String("config"); file != "" {
		var err error
		if config, err = simulator.LoadDataStoreConfig(file); err != nil {
			return err
		}
		logger.Info("loaded initial data", "file", file)
	}
	ds := simulator.NewDataStore(config)
	if path := c.String("persist"); path != "" {
		if err := ds.Persist(path); err != nil {
			return err
		}
		defer ds.Close()
		logger.Info("persisting data", "file", path)
	}

	var server interface {
		Start() error
		Stop() error
	}
	var info func() string
	switch mode {
	case "rtu":
		rtuServer, err := simulator.NewRTUServer(ds, &simulator.RTUServerConfig{
			SlaveID:  byte(slaveID),
			BaudRate: baudRate,
			Logger:   logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create RTU server: %w", err)
		}
		server = rtuServer
		info = func() string {
			return fmt.Sprintf("Client device path: %s\nSlave ID: %d\nBaud rate: %d", rtuServer.ClientDevicePath(), slaveID, baudRate)
		}

	case "tcp":
		var units []byte
		for _, id := range c.IntSlice("units") {
			if id < 1 || id > 255 {
				return fmt.Errorf("invalid unit id %d", id)
			}
			units = append(units, byte(id))
		}
		tcpServer, err := simulator.NewTCPServer(ds, &simulator.TCPServerConfig{
			Address: c.String("addr"),
			UnitIDs: units,
			Logger:  logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create TCP server: %w", err)
		}
		server = tcpServer
		info = func() string {
			return fmt.Sprintf("TCP address: %s", tcpServer.Address())
		}

	default:
		return fmt.Errorf("invalid mode %q: must be tcp or rtu", mode)
	}

	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	defer func() {
		fmt.Println("\nShutting down...")
		if err := server.Stop(); err != nil {
			logger.Error("stopping server", "err", err)
		}
	}()

	fmt.Printf("Modbus %s simulator running\n%s\nPress Ctrl+C to stop\n", mode, info())
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	return nil
}

func setupLogger(level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	switch strings.ToLower(level) {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, opts))
	slog.SetDefault(logger)
	return logger
}
