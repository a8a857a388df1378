package server

import (
	"errors"
	"fmt"
	"net"
)

const (
	DefaultAddr           = "127.0.0.1:7938"
	DefaultReplyCacheSize = 4096
)

type Config struct {
	Http *HttpServerConfig
	// LockPath is held for as long as the server runs so that two targets
	// never write into the same root.
	LockPath string
	// ReplyCacheSize is the number of delivery ids remembered for
	// redelivery. Zero means DefaultReplyCacheSize.
	ReplyCacheSize int
}

type HttpServerConfig struct {
	Addr     string
	CertFile string
	KeyFile  string
}

func (c *Config) Validate() error {
	if c.Http == nil {
		c.Http = &HttpServerConfig{}
	}
	if c.Http.Addr == "" {
		c.Http.Addr = DefaultAddr
	}
	if _, _, err := net.SplitHostPort(c.Http.Addr); err != nil {
		return fmt.Errorf("invalid addr %q: %w", c.Http.Addr, err)
	}
	if (c.Http.CertFile == "") != (c.Http.KeyFile == "") {
		return errors.New("cert file and key file must be set together")
	}
	if c.ReplyCacheSize < 0 {
		return fmt.Errorf("invalid reply cache size %d", c.ReplyCacheSize)
	}
	if c.ReplyCacheSize == 0 {
		c.ReplyCacheSize = DefaultReplyCacheSize
	}
	return nil
}
