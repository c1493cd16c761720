package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/timzifer/pvcore/alarm"
	"github.com/timzifer/pvcore/pv"
)

// Duration wraps time.Duration to support decoding from duration strings
// such as "500ms" or from a number of seconds.
type Duration struct {
	time.Duration
}

// UnmarshalJSON accepts duration strings and plain numbers of seconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("decode duration: %w", err)
		}
		return d.UnmarshalText([]byte(raw))
	}
	seconds, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("parse duration %s: %w", data, err)
	}
	d.Duration = time.Duration(seconds * float64(time.Second))
	return nil
}

// UnmarshalText parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// ModuleReference captures metadata about the configuration source that defined an entry.
type ModuleReference struct {
	File        string `json:"file,omitempty" yaml:"file,omitempty"`
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// ModuleInclude describes a referenced configuration module.
type ModuleInclude struct {
	Path        string `json:"path" yaml:"path"`
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// UnmarshalJSON allows module includes to be declared either as plain paths
// or as objects.
func (m *ModuleInclude) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var path string
		if err := json.Unmarshal(data, &path); err != nil {
			return fmt.Errorf("decode module path: %w", err)
		}
		m.Path = strings.TrimSpace(path)
		return nil
	}
	type rawModule ModuleInclude
	var raw rawModule
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode module include: %w", err)
	}
	if strings.TrimSpace(raw.Path) == "" {
		return errors.New("module include missing path")
	}
	*m = ModuleInclude(raw)
	m.Path = strings.TrimSpace(m.Path)
	return nil
}

// LoggingConfig controls the log output.
type LoggingConfig struct {
	Level  string     `json:"level,omitempty" yaml:"level,omitempty"`
	Format string     `json:"format,omitempty" yaml:"format,omitempty"`
	Loki   LokiConfig `json:"loki,omitempty" yaml:"loki,omitempty"`
}

// LokiConfig enables shipping logs to a Loki endpoint.
type LokiConfig struct {
	Enabled bool              `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	URL     string            `json:"url,omitempty" yaml:"url,omitempty"`
	Labels  map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// TelemetryConfig selects the metrics backend.
type TelemetryConfig struct {
	Enabled  bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Provider string `json:"provider,omitempty" yaml:"provider,omitempty"`
}

// ScanConfig tunes the periodic scan scheduler.
type ScanConfig struct {
	Workers int      `json:"workers,omitempty" yaml:"workers,omitempty"`
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// JournalConfig configures the update journal.
type JournalConfig struct {
	Enabled bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
	// Restore posts the journaled values of the configured PVs at startup.
	Restore bool `json:"restore,omitempty" yaml:"restore,omitempty"`
	// Sync flushes the journal file at this interval. Zero leaves flushing to
	// the operating system.
	Sync Duration `json:"sync,omitempty" yaml:"sync,omitempty"`
}

// HTTPConfig configures the status API.
type HTTPConfig struct {
	Enabled bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Listen  string `json:"listen,omitempty" yaml:"listen,omitempty"`
}

// SimulationConfig serves PVs without a handler from the random driver.
type SimulationConfig struct {
	Enabled      bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Source       string `json:"source,omitempty" yaml:"source,omitempty"`
	Seed         *int64 `json:"seed,omitempty" yaml:"seed,omitempty"`
	StringLength int    `json:"string_length,omitempty" yaml:"string_length,omitempty"`
	Alphabet     string `json:"alphabet,omitempty" yaml:"alphabet,omitempty"`
}

// PVConfig declares a single process variable.
type PVConfig struct {
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Type        string      `json:"type,omitempty" yaml:"type,omitempty"`
	Count       int         `json:"count,omitempty" yaml:"count,omitempty"`
	Enums       []string    `json:"enums,omitempty" yaml:"enums,omitempty"`
	States      []string    `json:"states,omitempty" yaml:"states,omitempty"`
	Prec        int         `json:"prec,omitempty" yaml:"prec,omitempty"`
	Unit        string      `json:"unit,omitempty" yaml:"unit,omitempty"`
	LoLim       float64     `json:"lolim,omitempty" yaml:"lolim,omitempty"`
	HiLim       float64     `json:"hilim,omitempty" yaml:"hilim,omitempty"`
	LoLo        *float64    `json:"lolo,omitempty" yaml:"lolo,omitempty"`
	Low         *float64    `json:"low,omitempty" yaml:"low,omitempty"`
	High        *float64    `json:"high,omitempty" yaml:"high,omitempty"`
	HiHi        *float64    `json:"hihi,omitempty" yaml:"hihi,omitempty"`
	MDel        float64     `json:"mdel,omitempty" yaml:"mdel,omitempty"`
	Scan        Duration    `json:"scan,omitempty" yaml:"scan,omitempty"`
	Value       interface{} `json:"value,omitempty" yaml:"value,omitempty"`
	Calc        string      `json:"calc,omitempty" yaml:"calc,omitempty"`
	// Journal excludes the PV from the update journal when set to false.
	Journal *bool           `json:"journal,omitempty" yaml:"journal,omitempty"`
	Source  ModuleReference `json:"-" yaml:"-"`
}

// Info converts the declaration into PV metadata.
func (p PVConfig) Info() (pv.Info, error) {
	typ, err := pv.ParseType(p.Type)
	if err != nil {
		return pv.Info{}, err
	}
	info := pv.Info{
		Name:        strings.TrimSpace(p.Name),
		Type:        typ,
		Count:       p.Count,
		Units:       p.Unit,
		Precision:   p.Prec,
		DisplayLow:  p.LoLim,
		DisplayHigh: p.HiLim,
		Deadband:    p.MDel,
		Limits: alarm.Limits{
			LowAlarm:    p.LoLo,
			LowWarning:  p.Low,
			HighWarning: p.High,
			HighAlarm:   p.HiHi,
		}.Clone(),
	}
	if len(p.Enums) > 0 {
		info.Enums = append([]string(nil), p.Enums...)
	}
	for idx, raw := range p.States {
		sev, err := alarm.ParseSeverity(raw)
		if err != nil {
			return pv.Info{}, fmt.Errorf("state %d: %w", idx, err)
		}
		info.States = append(info.States, sev)
	}
	return info, nil
}

// Journaled reports whether committed updates of the PV are journaled.
func (p PVConfig) Journaled() bool {
	return p.Journal == nil || *p.Journal
}

// Config describes a PV database together with the runtime settings of the server.
type Config struct {
	Name        string           `json:"name,omitempty" yaml:"name,omitempty"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	HotReload   bool             `json:"hot_reload,omitempty" yaml:"hot_reload,omitempty"`
	Modules     []ModuleInclude  `json:"modules,omitempty" yaml:"modules,omitempty"`
	Logging     LoggingConfig    `json:"logging,omitempty" yaml:"logging,omitempty"`
	Telemetry   TelemetryConfig  `json:"telemetry,omitempty" yaml:"telemetry,omitempty"`
	Scan        ScanConfig       `json:"scan,omitempty" yaml:"scan,omitempty"`
	Journal     JournalConfig    `json:"journal,omitempty" yaml:"journal,omitempty"`
	HTTP        HTTPConfig       `json:"http,omitempty" yaml:"http,omitempty"`
	Simulation  SimulationConfig `json:"simulation,omitempty" yaml:"simulation,omitempty"`
	PVs         []PVConfig       `json:"pvs,omitempty" yaml:"pvs,omitempty"`
	Source      ModuleReference  `json:"-" yaml:"-"`
}

// PV returns the declaration with the given name.
func (c *Config) PV(name string) (PVConfig, bool) {
	if c == nil {
		return PVConfig{}, false
	}
	for _, p := range c.PVs {
		if p.Name == name {
			return p, true
		}
	}
	return PVConfig{}, false
}

func mergeConfig(dst, src *Config) {
	if dst == nil || src == nil {
		return
	}
	if src.Logging.Level != "" {
		dst.Logging.Level = src.Logging.Level
	}
	if src.Logging.Format != "" {
		dst.Logging.Format = src.Logging.Format
	}
	if src.Logging.Loki.Enabled || src.Logging.Loki.URL != "" || len(src.Logging.Loki.Labels) > 0 {
		dst.Logging.Loki = src.Logging.Loki
	}
	if src.Telemetry.Enabled || src.Telemetry.Provider != "" {
		dst.Telemetry = src.Telemetry
	}
	if src.Scan.Workers != 0 {
		dst.Scan.Workers = src.Scan.Workers
	}
	if src.Scan.Timeout.Duration != 0 {
		dst.Scan.Timeout = src.Scan.Timeout
	}
	if src.Journal.Enabled || src.Journal.Path != "" {
		dst.Journal = src.Journal
	}
	if src.HTTP.Enabled || src.HTTP.Listen != "" {
		dst.HTTP = src.HTTP
	}
	if src.Simulation.Enabled || src.Simulation.Source != "" || src.Simulation.Seed != nil {
		dst.Simulation = src.Simulation
	}
	if src.HotReload {
		dst.HotReload = true
	}
	dst.PVs = append(dst.PVs, src.PVs...)
}

func (c *Config) setSource(meta ModuleReference) {
	if c == nil {
		return
	}
	if meta.Name == "" {
		meta.Name = c.Name
	}
	if meta.Description == "" {
		meta.Description = c.Description
	}
	c.Source = meta
	for i := range c.PVs {
		c.PVs[i].Source = mergeInitialSource(c.PVs[i].Source, meta)
	}
}

func (c *Config) applyModuleMetadata(meta ModuleReference) {
	if c == nil {
		return
	}
	c.Source = mergeModuleOverride(c.Source, meta)
	for i := range c.PVs {
		c.PVs[i].Source = mergeModuleOverride(c.PVs[i].Source, meta)
	}
}

func mergeInitialSource(child, meta ModuleReference) ModuleReference {
	if child.File == "" {
		child.File = meta.File
	}
	if child.Name == "" {
		child.Name = meta.Name
	}
	if child.Description == "" {
		child.Description = meta.Description
	}
	return child
}

func mergeModuleOverride(base, override ModuleReference) ModuleReference {
	if override.Name != "" {
		base.Name = override.Name
	}
	if override.Description != "" {
		base.Description = override.Description
	}
	return base
}
