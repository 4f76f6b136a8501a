package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	modbus "github.com/lumberbarons/modbusmaster"
	"github.com/lumberbarons/modbusmaster/internal/config"
)

const pollInterval = 200 * time.Microsecond

// session is an engine ready to take requests.
type session struct {
	*modbus.Client
	engine interface {
		Poll()
		Pending() int
	}
	close  func() error
	target modbus.Target
	logger *slog.Logger
}

// loadConfig reads the configuration file and applies the global flags
// on top of it.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	m := &cfg.Master
	if c.IsSet("log-level") {
		cfg.Log.Level = strings.ToLower(c.String("log-level"))
	}
	if c.IsSet("protocol") {
		m.Type = strings.ToLower(c.String("protocol"))
	}
	if c.IsSet("timeout") || c.String("config") == "" {
		m.ResponseTimeout = c.Duration("timeout")
	}
	if c.IsSet("byte-order") {
		m.ByteOrder = strings.ToLower(c.String("byte-order"))
	}
	if c.IsSet("address") {
		m.Serial.Device = c.String("address")
		m.Channels = []config.ChannelConfig{{
			UnitID:    uint8(c.Int("slave-id")),
			Address:   c.String("address"),
			AllAtOnce: c.Bool("all-at-once"),
		}}
	}
	if c.IsSet("baud") {
		m.Serial.BaudRate = c.Int("baud")
	}
	if c.IsSet("data-bits") {
		m.Serial.DataBits = c.Int("data-bits")
	}
	if c.IsSet("stop-bits") {
		m.Serial.StopBits = c.Int("stop-bits")
	}
	if c.IsSet("parity") {
		m.Serial.Parity = parseParity(c.String("parity"))
	}
	if c.IsSet("rs485") {
		m.Serial.RS485 = c.Bool("rs485")
	}
	return cfg, cfg.Validate()
}

func parseParity(parity string) string {
	switch strings.ToLower(parity) {
	case "odd", "o":
		return "O"
	case "even", "e":
		return "E"
	default:
		return "N"
	}
}

// openSession builds the engine selected by the configuration.
func openSession(c *cli.Context) (*session, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	logger := setupLogger(cfg.Log)
	codec, err := cfg.Master.Codec()
	if err != nil {
		return nil, err
	}
	target, err := parseTarget(c)
	if err != nil {
		return nil, err
	}

	s := &session{target: target, logger: logger}
	switch cfg.Master.Type {
	case "rtu":
		portConfig, err := cfg.Master.Serial.Port()
		if err != nil {
			return nil, err
		}
		portConfig.Logger = logger
		port := modbus.NewSerialPort(portConfig)
		if err := port.Connect(); err != nil {
			return nil, err
		}
		mb, err := modbus.NewRTUMaster(port, modbus.RTUConfig{
			PDUSize:         cfg.Master.PDUSize,
			QueueSize:       cfg.Master.QueueSize,
			BaudRate:        portConfig.BaudRate,
			Mode:            portConfig.Mode,
			ResponseTimeout: cfg.Master.ResponseTimeout,
			Codec:           codec,
			Logger:          logger,
		})
		if err != nil {
			port.Close()
			return nil, err
		}
		if d := cfg.Master.Serial.ByteTimeout; d > 0 {
			mb.SetByteTimeout(d)
		}
		if d := cfg.Master.Serial.FrameTimeout; d > 0 {
			mb.SetFrameTimeout(d)
		}
		s.Client, s.engine, s.close = &mb.Client, mb, port.Close

	case "tcp":
		if len(cfg.Master.Channels) == 0 {
			return nil, fmt.Errorf("%w: no tcp channels, set --address or master.channels", modbus.ErrInvalidConfig)
		}
		mb, err := modbus.NewTCPClient(modbus.TCPConfig{
			PDUSize:           cfg.Master.PDUSize,
			PoolSize:          cfg.Master.TCP.PoolSize,
			MaxChannels:       cfg.Master.TCP.MaxChannels,
			ResponseTimeout:   cfg.Master.ResponseTimeout,
			ReconnectInterval: cfg.Master.TCP.ReconnectInterval,
			Codec:             codec,
			Logger:            logger,
		})
		if err != nil {
			return nil, err
		}
		for _, ch := range cfg.Master.Channels {
			if err := mb.AddChannel(ch.Channel()); err != nil {
				mb.Close()
				return nil, err
			}
		}
		s.Client, s.engine, s.close = &mb.Client, mb, mb.Close
	}
	return s, nil
}

// parseTarget returns the slave set given by --slaves, or the unit given
// by --slave-id.
func parseTarget(c *cli.Context) (modbus.Target, error) {
	list := c.String("slaves")
	if list == "" {
		id := c.Int("slave-id")
		if id < 0 || id > modbus.MaxSlaveID {
			return nil, fmt.Errorf("slave id %d out of range", id)
		}
		return modbus.Unit(id), nil
	}
	set, err := parseSlaveSet(list)
	if err != nil {
		return nil, err
	}
	set.SetDelay(c.Duration("slave-delay"))
	return set, nil
}

// parseSlaveSet parses a list such as "1,3,5-9".
func parseSlaveSet(list string) (modbus.SlaveSet, error) {
	var set modbus.SlaveSet
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		lo, hi, isRange := strings.Cut(part, "-")
		begin, err := parseSlaveID(lo)
		if err != nil {
			return set, err
		}
		end := begin
		if isRange {
			if end, err = parseSlaveID(hi); err != nil {
				return set, err
			}
		}
		if end < begin {
			return set, fmt.Errorf("invalid slave range %q", part)
		}
		set.SetRange(begin, end)
	}
	return set, nil
}

func parseSlaveID(s string) (byte, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(s), 10, 8)
	if err != nil || id > modbus.MaxSlaveID {
		return 0, fmt.Errorf("invalid slave id %q", s)
	}
	return byte(id), nil
}

// run submits a request and polls until every transaction it started has
// completed or ctx is cancelled.
func (s *session) run(ctx context.Context, submit func(modbus.Handler) modbus.ErrorCode, handler modbus.Handler) error {
	defer s.close()

	var failed error
	wrapped := func(t *modbus.Transaction) {
		if err := t.Err(); err != nil {
			s.logger.Warn("request failed", "slave", t.Slave(), "err", err)
			failed = err
			return
		}
		handler(t)
	}
	if code := submit(wrapped); code != modbus.Success {
		return code
	}
	for s.engine.Pending() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		s.engine.Poll()
		time.Sleep(pollInterval)
	}
	return failed
}

// createContextWithSignalHandler creates a context that is cancelled on SIGINT/SIGTERM
func createContextWithSignalHandler() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func setupLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}

	out := os.Stderr
	if cfg.File != "" && cfg.File != "-" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file, falling back to stderr: %v\n", err)
		} else {
			out = f
		}
	}
	logger := slog.New(slog.NewTextHandler(out, opts))
	slog.SetDefault(logger)
	return logger
}
