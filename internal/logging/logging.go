package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/grafana/loki-client-go/loki"
	"github.com/prometheus/common/model"
	"github.com/rs/zerolog"

	"github.com/timzifer/pvcore/config"
)

// Option customises Setup.
type Option func(*settings)

type settings struct {
	out     io.Writer
	service string
}

// WithOutput replaces stdout as the local log destination.
func WithOutput(w io.Writer) Option {
	return func(s *settings) {
		if w != nil {
			s.out = w
		}
	}
}

// WithService adds a service field to every entry and uses it as the default
// Loki job label.
func WithService(name string) Option {
	return func(s *settings) {
		s.service = strings.TrimSpace(name)
	}
}

// Setup creates a zerolog logger according to the provided configuration.
// The returned cleanup function flushes and stops the Loki client, if any.
func Setup(cfg config.LoggingConfig, opts ...Option) (zerolog.Logger, func(), error) {
	s := settings{out: os.Stdout}
	for _, opt := range opts {
		opt(&s)
	}

	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Logger{}, nil, fmt.Errorf("parse log level: %w", err)
		}
		level = parsed
	}

	local := s.out
	if strings.EqualFold(cfg.Format, "text") {
		local = zerolog.ConsoleWriter{Out: s.out, TimeFormat: time.RFC3339}
	}

	writers := []io.Writer{local}
	cleanup := func() {}

	if cfg.Loki.Enabled {
		lokiWriter, closer, err := newLokiWriter(cfg.Loki, s.service)
		if err != nil {
			return zerolog.Logger{}, nil, err
		}
		writers = append(writers, lokiWriter)
		cleanup = closer
	}

	ctx := zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp()
	if s.service != "" {
		ctx = ctx.Str("service", s.service)
	}
	return ctx.Logger().Level(level), cleanup, nil
}

func newLokiWriter(cfg config.LokiConfig, service string) (*lokiWriter, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("loki url is required")
	}
	lokiCfg, err := loki.NewDefaultConfig(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("prepare loki config: %w", err)
	}
	client, err := loki.New(lokiCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create loki client: %w", err)
	}
	return &lokiWriter{client: client, labels: lokiLabels(cfg.Labels, service)}, client.Stop, nil
}

func lokiLabels(configured map[string]string, service string) model.LabelSet {
	labels := model.LabelSet{}
	for k, v := range configured {
		labels[model.LabelName(k)] = model.LabelValue(v)
	}
	if len(labels) == 0 {
		labels["app"] = "pvcore"
	}
	if _, ok := labels["job"]; !ok && service != "" {
		labels["job"] = model.LabelValue(service)
	}
	return labels
}

type handler interface {
	Handle(labels model.LabelSet, ts time.Time, line string) error
}

// lokiWriter ships entries to Loki with the zerolog level as an extra label.
type lokiWriter struct {
	client handler
	labels model.LabelSet
}

func (l *lokiWriter) Write(p []byte) (int, error) {
	return l.send(l.labels, p)
}

func (l *lokiWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level == zerolog.NoLevel {
		return l.send(l.labels, p)
	}
	labels := l.labels.Clone()
	labels["level"] = model.LabelValue(level.String())
	return l.send(labels, p)
}

func (l *lokiWriter) send(labels model.LabelSet, p []byte) (int, error) {
	entry := strings.TrimSpace(string(p))
	if entry == "" {
		return len(p), nil
	}
	return len(p), l.client.Handle(labels, time.Now(), entry)
}
