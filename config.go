// config.go - YAML machine configuration

/*
 ▄▄▄       ▓█████  ██▀███   ▒█████
▒████▄     ▓█   ▀ ▓██ ▒ ██▒▒██▒  ██▒
▒██  ▀█▄   ▒███   ▓██ ░▄█ ▒▒██░  ██▒
░██▄▄▄▄██  ▒▓█  ▄ ▒██▀▀█▄  ▒██   ██░
 ▓█   ▓██▒ ░▒████▒░██▓ ▒██▒░ ████▓▒░
 ▒▒   ▓▒█░ ░░ ▒░ ░░ ▒▓ ░▒▓░░ ▒░▒░▒░
  ▒   ▒▒ ░  ░ ░  ░  ░▒ ░ ▒░  ░ ▒ ▒░
  ░   ▒       ░     ░░   ░ ░ ░ ░ ▒
      ░  ░    ░  ░   ░         ░ ░

(c) 2024 - 2026 Aero contributors
https://github.com/aero-emu/aero

License: GPLv3 or later
*/

package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// MachineFileConfig is the on-disk YAML schema.
type MachineFileConfig struct {
	Memory  string           `yaml:"memory"`
	Cpus    int              `yaml:"cpus"`
	Disks   []DiskFileConfig `yaml:"disks"`
	Iso     string           `yaml:"iso"`
	Network struct {
		E1000 bool   `yaml:"e1000"`
		Mac   string `yaml:"mac"`
	} `yaml:"network"`
	Audio struct {
		Hda bool `yaml:"hda"`
	} `yaml:"audio"`
	SerialConsole string `yaml:"serial_console"` // "terminal" or "buffer"
}

type DiskFileConfig struct {
	Path   string `yaml:"path"`
	Format string `yaml:"format"` // raw|qcow2|vhd|aerosparse|auto
}

// LoadMachineFileConfig parses and validates a config file.
func LoadMachineFileConfig(path string) (*MachineFileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &MachineFileConfig{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.Cpus == 0 {
		cfg.Cpus = 1
	}
	if cfg.Memory == "" {
		cfg.Memory = "64M"
	}
	return cfg, nil
}

// ParseByteSize accepts "512", "64M", "2G" style sizes.
func ParseByteSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := uint64(1)
	switch s[len(s)-1] {
	case 'k', 'K':
		mult = 1 << 10
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1 << 20
		s = s[:len(s)-1]
	case 'g', 'G':
		mult = 1 << 30
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return n * mult, nil
}

// ToMachineConfig lowers the file schema onto MachineConfig.
func (c *MachineFileConfig) ToMachineConfig() (MachineConfig, error) {
	cfg := DefaultMachineConfig()
	ram, err := ParseByteSize(c.Memory)
	if err != nil {
		return cfg, err
	}
	cfg.RamSizeBytes = ram
	cfg.CpuCount = c.Cpus
	cfg.EnableE1000 = c.Network.E1000
	cfg.EnableHda = c.Audio.Hda
	if c.Network.Mac != "" {
		mac, err := parseMac(c.Network.Mac)
		if err != nil {
			return cfg, err
		}
		cfg.MacAddr = mac
	}
	return cfg, nil
}

func parseMac(s string) ([6]byte, error) {
	var mac [6]byte
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return mac, fmt.Errorf("invalid MAC %q", s)
	}
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return mac, fmt.Errorf("invalid MAC %q", s)
		}
		mac[i] = uint8(v)
	}
	return mac, nil
}
