// Package config loads tool settings from a .env file with environment
// variable overrides.
package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
)

const (
	// DefaultNBDAddr is where the nbd subcommand listens.
	DefaultNBDAddr = "127.0.0.1:10809"
	// DefaultUSBTimeout bounds each bulk and control transfer.
	DefaultUSBTimeout = 5 * time.Second
)

type Config struct {
	NBDAddr    string
	USBTimeout time.Duration
}

// Load reads an optional .env from the working directory and applies
// environment overrides on top of the defaults.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		NBDAddr:    DefaultNBDAddr,
		USBTimeout: DefaultUSBTimeout,
	}
	if addr := os.Getenv("ROCKUSB_NBD_ADDR"); addr != "" {
		cfg.NBDAddr = addr
	}
	if timeout := os.Getenv("ROCKUSB_USB_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil && d > 0 {
			cfg.USBTimeout = d
		}
	}
	return cfg
}
