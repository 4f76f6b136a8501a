// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

// Package config loads the settings shared by the command line tools.
package config

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	modbus "github.com/lumberbarons/modbusmaster"
)

// Config is the file layout read by Load.
type Config struct {
	Log    LogConfig    `mapstructure:"log"`
	Master MasterConfig `mapstructure:"master"`
}

// LogConfig defines logging configuration.
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // log file path, "-" or empty for stderr
}

// MasterConfig selects and configures the engine.
type MasterConfig struct {
	Type            string          `mapstructure:"type"` // "rtu" or "tcp"
	PDUSize         int             `mapstructure:"pdu_size"`
	QueueSize       int             `mapstructure:"queue_size"`
	ResponseTimeout time.Duration   `mapstructure:"response_timeout"`
	ByteOrder       string          `mapstructure:"byte_order"` // host, big, little
	Serial          SerialConfig    `mapstructure:"serial"`
	TCP             TCPConfig       `mapstructure:"tcp"`
	Channels        []ChannelConfig `mapstructure:"channels"`
}

// SerialConfig defines RTU settings.
type SerialConfig struct {
	Device       string        `mapstructure:"device"`
	BaudRate     int           `mapstructure:"baud_rate"`
	DataBits     int           `mapstructure:"data_bits"`
	Parity       string        `mapstructure:"parity"`
	StopBits     int           `mapstructure:"stop_bits"`
	ByteTimeout  time.Duration `mapstructure:"byte_timeout"`
	FrameTimeout time.Duration `mapstructure:"frame_timeout"`
	RTSDirection bool          `mapstructure:"rts_direction"`

	// RS485 specific
	RS485              bool          `mapstructure:"rs485"`
	DelayRtsBeforeSend time.Duration `mapstructure:"delay_rts_before_send"`
	DelayRtsAfterSend  time.Duration `mapstructure:"delay_rts_after_send"`
	RtsHighDuringSend  bool          `mapstructure:"rts_high_during_send"`
	RtsHighAfterSend   bool          `mapstructure:"rts_high_after_send"`
	RxDuringTx         bool          `mapstructure:"rx_during_tx"`
}

// TCPConfig defines the TCP manager settings.
type TCPConfig struct {
	PoolSize          int           `mapstructure:"pool_size"`
	MaxChannels       int           `mapstructure:"max_channels"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`
}

// ChannelConfig defines one TCP connection.
type ChannelConfig struct {
	UnitID          uint8         `mapstructure:"unit_id"`
	Address         string        `mapstructure:"address"` // e.g. "192.168.1.100:502"
	AllAtOnce       bool          `mapstructure:"all_at_once"`
	KeepAlive       bool          `mapstructure:"keep_alive"`
	QueueSize       int           `mapstructure:"queue_size"`
	ResponseTimeout time.Duration `mapstructure:"response_timeout"`
}

// Load reads configFile, or searches the default locations when it is
// empty. A missing file in the default locations yields the defaults.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("modbusmaster")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/modbusmaster/")
		v.AddConfigPath("$HOME/.modbusmaster")
		v.AddConfigPath(".")
	}

	v.SetDefault("log.level", "info")
	v.SetDefault("master.type", "rtu")
	v.SetDefault("master.byte_order", "host")
	v.SetDefault("master.serial.device", "/dev/ttyUSB0")
	v.SetDefault("master.serial.baud_rate", 19200)
	v.SetDefault("master.serial.data_bits", 8)
	v.SetDefault("master.serial.parity", "N")
	v.SetDefault("master.serial.stop_bits", 1)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	fixup(&config)
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func fixup(c *Config) {
	c.Log.Level = strings.ToLower(c.Log.Level)
	c.Master.Type = strings.ToLower(c.Master.Type)
	c.Master.ByteOrder = strings.ToLower(c.Master.ByteOrder)
	c.Master.Serial.Parity = strings.ToUpper(c.Master.Serial.Parity)
	if c.Master.ResponseTimeout == 0 {
		c.Master.ResponseTimeout = 500 * time.Millisecond
	}
}

// Validate checks the values Load cannot default.
func (c *Config) Validate() error {
	switch c.Master.Type {
	case "rtu":
		if _, err := c.Master.Serial.Mode(); err != nil {
			return err
		}
	case "tcp":
		for _, ch := range c.Master.Channels {
			if ch.UnitID == 0 || ch.Address == "" {
				return fmt.Errorf("%w: channel needs unit_id and address", modbus.ErrInvalidConfig)
			}
		}
	default:
		return fmt.Errorf("%w: master type %q", modbus.ErrInvalidConfig, c.Master.Type)
	}
	if _, err := c.Master.Order(); err != nil {
		return err
	}
	return nil
}

// Mode returns the UART character format, e.g. 8E1.
func (s SerialConfig) Mode() (modbus.UartMode, error) {
	return modbus.ParseUartMode(fmt.Sprintf("%d%s%d", s.DataBits, s.Parity, s.StopBits))
}

// Port converts s into the library serial settings.
func (s SerialConfig) Port() (modbus.SerialConfig, error) {
	mode, err := s.Mode()
	if err != nil {
		return modbus.SerialConfig{}, err
	}
	return modbus.SerialConfig{
		Address:      s.Device,
		BaudRate:     s.BaudRate,
		Mode:         mode,
		RTSDirection: s.RTSDirection,
		RS485: modbus.RS485Config{
			Enabled:            s.RS485,
			DelayRtsBeforeSend: s.DelayRtsBeforeSend,
			DelayRtsAfterSend:  s.DelayRtsAfterSend,
			RtsHighDuringSend:  s.RtsHighDuringSend,
			RtsHighAfterSend:   s.RtsHighAfterSend,
			RxDuringTx:         s.RxDuringTx,
		},
	}, nil
}

// Order returns the byte order for register elements, nil meaning the
// host order.
func (m MasterConfig) Order() (binary.ByteOrder, error) {
	switch m.ByteOrder {
	case "", "host":
		return nil, nil
	case "big":
		return binary.BigEndian, nil
	case "little":
		return binary.LittleEndian, nil
	}
	return nil, fmt.Errorf("%w: byte order %q", modbus.ErrInvalidConfig, m.ByteOrder)
}

// Codec returns a codec with the configured byte order.
func (m MasterConfig) Codec() (*modbus.Codec, error) {
	order, err := m.Order()
	if err != nil {
		return nil, err
	}
	codec := modbus.NewCodec()
	if order != nil {
		codec.SetByteOrder(order)
	}
	return codec, nil
}

// Channel converts c into the library channel settings.
func (c ChannelConfig) Channel() modbus.ChannelConfig {
	return modbus.ChannelConfig{
		UnitID:          c.UnitID,
		Address:         c.Address,
		AllAtOnce:       c.AllAtOnce,
		KeepAlive:       c.KeepAlive,
		QueueSize:       c.QueueSize,
		ResponseTimeout: c.ResponseTimeout,
	}
}
