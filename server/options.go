package server

import (
	"errors"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/timzifer/pvcore/config"
	"github.com/timzifer/pvcore/telemetry"
)

// WithLogger provides a custom logger instance for the server. The logging
// section of the configuration is ignored.
func WithLogger(logger zerolog.Logger) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.logger = logger
		cfg.customLogger = true
		return nil
	}
}

// WithConfigPath configures the server to load the PV database from the
// provided file or directory. register receives the reload function.
func WithConfigPath(path string, register func(ReloadFunc)) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.configPath = strings.TrimSpace(path)
		cfg.registerReload = register
		return nil
	}
}

// WithConfig supplies an already loaded configuration instance.
func WithConfig(cfgData *config.Config) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.config = cfgData
		return nil
	}
}

// WithTelemetry injects a collector instance overriding the default configuration-based behaviour.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		if collector == nil {
			collector = telemetry.Noop()
		}
		cfg.telemetry = collector
		cfg.telemetryProvided = true
		return nil
	}
}

// WithGatherer exposes g on the /metrics endpoint of the status API.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.gatherer = g
		return nil
	}
}

// WithHandler attaches an application handler to the configured PV name. The
// handler implements driver.Reader and/or driver.Writer or is a
// driver.Handler.
func WithHandler(name string, handler interface{}) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		name = strings.TrimSpace(name)
		if name == "" {
			return errors.New("handler pv name must not be empty")
		}
		if handler == nil {
			return errors.New("handler must not be nil")
		}
		if cfg.handlers == nil {
			cfg.handlers = make(map[string]interface{})
		}
		cfg.handlers[name] = handler
		return nil
	}
}

// WithDriver attaches handler to every non-calc PV without a handler of its own.
func WithDriver(handler interface{}) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.fallback = handler
		return nil
	}
}

// WithListen overrides the status API listen address and enables the API.
func WithListen(addr string) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.listen = strings.TrimSpace(addr)
		return nil
	}
}
