// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

// Package config loads the configuration of the smsalarm service.
//
// The configuration is read from a YAML file, with any value overridable
// by an environment variable with the SMSALARM_ prefix, e.g.
// SMSALARM_MODEM_HOST overrides modem.host.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/warthog618/smsalarm/ack"
	"github.com/warthog618/smsalarm/telnet"
)

// EnvPrefix is the prefix of environment variables overriding the file.
const EnvPrefix = "SMSALARM"

// Config is the complete service configuration.
type Config struct {
	// Name identifies the notification profile in audit records.
	Name    string        `mapstructure:"name"`
	Log     LogConfig     `mapstructure:"log"`
	Modem   ModemConfig   `mapstructure:"modem"`
	Session SessionConfig `mapstructure:"session"`
	Ack     AckConfig     `mapstructure:"ack"`
	API     APIConfig     `mapstructure:"api"`
}

// LogConfig controls the service log.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ModemConfig describes how to reach and initialise the modem.
type ModemConfig struct {
	// Transport is either "telnet" or "serial".
	Transport  string `mapstructure:"transport"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	TelnetMode string `mapstructure:"telnet_mode"`
	Device     string `mapstructure:"device"`
	Baud       int    `mapstructure:"baud"`

	PIN         string `mapstructure:"pin"`
	SCA         string `mapstructure:"sca"`
	CountryCode int    `mapstructure:"country_code"`

	// Trace logs all traffic to and from the modem.
	Trace bool `mapstructure:"trace"`

	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	PDUTimeout     time.Duration `mapstructure:"pdu_timeout"`
}

// SessionConfig holds the connection and delivery timing.
type SessionConfig struct {
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	RetryInterval     time.Duration `mapstructure:"retry_interval"`
	RetryBuffer       time.Duration `mapstructure:"retry_buffer"`
	MaxRetries        int           `mapstructure:"max_retries"`
}

// AckConfig controls two-way mode.
type AckConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	StaleTimeout  time.Duration `mapstructure:"stale_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	Template      string        `mapstructure:"template"`
}

// APIConfig controls the HTTP API.
type APIConfig struct {
	Listen string `mapstructure:"listen"`

	// Mode is the gin mode: debug, release or test.
	Mode string `mapstructure:"mode"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("name", "smsalarm")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("modem.transport", "telnet")
	v.SetDefault("modem.host", "localhost")
	v.SetDefault("modem.port", 23)
	v.SetDefault("modem.telnet_mode", "binary")
	v.SetDefault("modem.device", "/dev/ttyUSB0")
	v.SetDefault("modem.baud", 115200)
	v.SetDefault("modem.pin", "")
	v.SetDefault("modem.sca", "")
	v.SetDefault("modem.country_code", 1)
	v.SetDefault("modem.trace", false)
	v.SetDefault("modem.dial_timeout", 10*time.Second)
	v.SetDefault("modem.command_timeout", 5*time.Second)
	v.SetDefault("modem.pdu_timeout", 20*time.Second)

	v.SetDefault("session.reconnect_interval", 10*time.Second)
	v.SetDefault("session.heartbeat_interval", 10*time.Second)
	v.SetDefault("session.retry_interval", 5*time.Second)
	v.SetDefault("session.retry_buffer", 2*time.Second)
	v.SetDefault("session.max_retries", 3)

	v.SetDefault("ack.enabled", false)
	v.SetDefault("ack.stale_timeout", ack.DefaultStaleTimeout)
	v.SetDefault("ack.sweep_interval", 2*time.Minute)
	v.SetDefault("ack.template", ack.DefaultTemplate)

	v.SetDefault("api.listen", ":8080")
	v.SetDefault("api.mode", "release")
}

// Load reads the configuration from the file at path.
//
// If path is empty then smsalarm.yaml is searched for in ./config and the
// working directory, and the defaults are used if it is not found.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("smsalarm")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &nf) {
			return nil, errors.Wrap(err, "read config")
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "log.level")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return errors.Errorf("log.format: unknown format %q", c.Log.Format)
	}
	m := c.Modem
	switch m.Transport {
	case "telnet":
		if m.Host == "" {
			return errors.New("modem.host: required for telnet")
		}
		if m.Port <= 0 || m.Port > 65535 {
			return errors.Errorf("modem.port: invalid port %d", m.Port)
		}
		if _, err := telnet.ParseMode(m.TelnetMode); err != nil {
			return errors.Wrap(err, "modem.telnet_mode")
		}
	case "serial":
		if m.Device == "" {
			return errors.New("modem.device: required for serial")
		}
		if m.Baud <= 0 {
			return errors.Errorf("modem.baud: invalid baud rate %d", m.Baud)
		}
	default:
		return errors.Errorf("modem.transport: unknown transport %q", m.Transport)
	}
	if m.CountryCode <= 0 {
		return errors.Errorf("modem.country_code: invalid country code %d", m.CountryCode)
	}
	s := c.Session
	if s.MaxRetries < 1 {
		return errors.Errorf("session.max_retries: must be at least 1, got %d", s.MaxRetries)
	}
	for name, d := range map[string]time.Duration{
		"session.reconnect_interval": s.ReconnectInterval,
		"session.heartbeat_interval": s.HeartbeatInterval,
		"session.retry_interval":     s.RetryInterval,
		"ack.sweep_interval":         c.Ack.SweepInterval,
		"ack.stale_timeout":          c.Ack.StaleTimeout,
	} {
		if d <= 0 {
			return errors.Errorf("%s: must be positive, got %s", name, d)
		}
	}
	if c.Ack.Enabled && strings.Count(c.Ack.Template, "%s") != 2 {
		return errors.Errorf("ack.template: must contain the message and code, got %q", c.Ack.Template)
	}
	switch c.API.Mode {
	case "debug", "release", "test":
	default:
		return errors.Errorf("api.mode: unknown mode %q", c.API.Mode)
	}
	return nil
}

// Mode returns the parsed telnet mode.
func (m ModemConfig) Mode() telnet.Mode {
	mode, _ := telnet.ParseMode(m.TelnetMode)
	return mode
}
