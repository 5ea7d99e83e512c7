package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

type config struct {
	Title     string
	Log       logConfig
	Manager   manager
	Resolvers map[string]resolver
	Listeners map[string]listener
}

type logConfig struct {
	Level  string // "trace", "debug", "info", "warn", "error"
	Syslog *syslogConfig
}

type syslogConfig struct {
	Network string
	Address string
	Tag     string
	Level   string
}

type manager struct {
	V4Ports       string   `toml:"v4-ports"` // "lo-hi"
	V6Ports       string   `toml:"v6-ports"`
	Blackhole     []string // networks in CIDR notation or plain addresses
	BlackholeFile string   `toml:"blackhole-file"`
	QIDBuckets    uint32   `toml:"qid-buckets"`
	QIDIncrement  uint32   `toml:"qid-increment"`
}

type resolver struct {
	Address      string
	Protocol     string
	LocalAddr    string `toml:"local-address"`
	QueryTimeout int    `toml:"query-timeout"` // seconds
	UDPSockets   int    `toml:"udp-sockets"`
	TCPFallback  bool   `toml:"tcp-fallback"`
}

type listener struct {
	Address    string
	Protocol   string
	Resolver   string
	AllowedNet []string `toml:"allowed-net"`
}

// LoadConfig reads a config file and returns the decoded structure.
func loadConfig(name string) (config, error) {
	var c config
	f, err := os.Open(name)
	if err != nil {
		return c, err
	}
	defer f.Close()
	_, err = toml.DecodeReader(f, &c)
	return c, err
}

// Parses a port range in the form "lo-hi". An empty string means the default.
func parsePortRange(s string) ([]uint16, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid port range '%s', expected <lo>-<hi>", s)
	}
	lo, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid port range '%s': %w", s, err)
	}
	hi, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid port range '%s': %w", s, err)
	}
	if hi < lo {
		return nil, fmt.Errorf("invalid port range '%s'", s)
	}
	ports := make([]uint16, 0, hi-lo+1)
	for p := lo; p <= hi; p++ {
		ports = append(ports, uint16(p))
	}
	return ports, nil
}
