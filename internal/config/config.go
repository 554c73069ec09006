// Package config loads the device profile: identity, table layout, flash
// image and realtime broadcast setup. Profiles are YAML or TOML, chosen by
// file extension.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

var (
	ErrFormat  = errors.New("config: unsupported profile format")
	ErrInvalid = errors.New("config: invalid profile")
)

type Profile struct {
	Device   DeviceConfig   `yaml:"device" toml:"device"`
	Flash    FlashConfig    `yaml:"flash" toml:"flash"`
	Tables   []TableConfig  `yaml:"tables" toml:"tables"`
	Realtime RealtimeConfig `yaml:"realtime" toml:"realtime"`
}

// ---- DEVICE ----

type DeviceConfig struct {
	ID                  uint8  `yaml:"id" toml:"id"`
	Signature           string `yaml:"signature" toml:"signature"`
	Revision            string `yaml:"revision" toml:"revision"`
	QueueCapacity       int    `yaml:"queue_capacity" toml:"queue_capacity"`
	ImmediateStandard   bool   `yaml:"immediate_standard" toml:"immediate_standard"`
	TableBlockingFactor uint16 `yaml:"table_blocking_factor" toml:"table_blocking_factor"`
	WriteBlockingFactor uint16 `yaml:"write_blocking_factor" toml:"write_blocking_factor"`
}

// ---- FLASH ----

// FlashConfig describes the persistent byte store. An empty Path keeps the
// image in memory.
type FlashConfig struct {
	Path string `yaml:"path" toml:"path"`
	Size int    `yaml:"size" toml:"size"`
}

// ---- TABLES ----

type TableConfig struct {
	Index       uint8  `yaml:"index" toml:"index"`
	Kind        string `yaml:"kind" toml:"kind"` // ram | flash | null
	Size        uint16 `yaml:"size" toml:"size"`
	FlashOffset uint16 `yaml:"flash_offset" toml:"flash_offset"`
}

// ---- REALTIME ----

// RealtimeConfig places the broadcast control block in flash. With Seed the
// block is rewritten from this profile on startup; otherwise the stored
// block, editable through a flash table, wins.
type RealtimeConfig struct {
	ControlOffset   *uint16 `yaml:"control_offset" toml:"control_offset"`
	Seed            bool    `yaml:"seed" toml:"seed"`
	Enabled         bool    `yaml:"enabled" toml:"enabled"`
	Rate            uint8   `yaml:"rate" toml:"rate"`
	BaseID          uint16  `yaml:"base_id" toml:"base_id"`
	Groups          []uint8 `yaml:"groups" toml:"groups"`
	SourceTable     uint8   `yaml:"source_table" toml:"source_table"`
	CheckIntervalMs int     `yaml:"check_interval_ms" toml:"check_interval_ms"`
	Listen          bool    `yaml:"listen" toml:"listen"`
}

// Load reads and decodes a profile. Unknown keys are rejected. The result is
// not validated.
func Load(path string) (*Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return decodeYAML(raw)
	case ".toml":
		return decodeTOML(raw)
	default:
		return nil, fmt.Errorf("%w: %s", ErrFormat, path)
	}
}

func decodeYAML(raw []byte) (*Profile, error) {
	p := &Profile{}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("config: yaml: %w", err)
	}
	return p, nil
}

func decodeTOML(raw []byte) (*Profile, error) {
	p := &Profile{}
	md, err := toml.Decode(string(raw), p)
	if err != nil {
		return nil, fmt.Errorf("config: toml: %w", err)
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		return nil, fmt.Errorf("config: toml: unknown key %s", undec[0].String())
	}
	return p, nil
}

// Default is a small profile: one RAM table for realtime data, two flash
// tables, and broadcasts of groups 0, 2 and 3 at 10 Hz sourced from table 0.
func Default() *Profile {
	ctrl := uint16(1024)
	return &Profile{
		Device: DeviceConfig{
			ID:                  1,
			Signature:           "MS2Extra go-megacan",
			Revision:            "go-megacan virtual controller",
			QueueCapacity:       16,
			TableBlockingFactor: 32,
			WriteBlockingFactor: 32,
		},
		Flash: FlashConfig{Size: 2048},
		Tables: []TableConfig{
			{Index: 0, Kind: KindRAM, Size: 256},
			{Index: 1, Kind: KindFlash, Size: 512, FlashOffset: 0},
			{Index: 2, Kind: KindFlash, Size: 256, FlashOffset: 512},
			{Index: 3, Kind: KindFlash, Size: 16, FlashOffset: ctrl},
		},
		Realtime: RealtimeConfig{
			ControlOffset:   &ctrl,
			Seed:            true,
			Enabled:         true,
			Rate:            3,
			BaseID:          1520,
			Groups:          []uint8{0, 2, 3},
			SourceTable:     0,
			CheckIntervalMs: 100,
			Listen:          true,
		},
	}
}
