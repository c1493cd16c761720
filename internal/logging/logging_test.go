package logging

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/common/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/pvcore/config"
)

type capturedLine struct {
	labels model.LabelSet
	line   string
}

type fakeHandler struct {
	lines []capturedLine
}

func (f *fakeHandler) Handle(labels model.LabelSet, _ time.Time, line string) error {
	f.lines = append(f.lines, capturedLine{labels: labels, line: line})
	return nil
}

func TestSetupWritesJSONAtConfiguredLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, cleanup, err := Setup(config.LoggingConfig{Level: "WARN"}, WithOutput(&buf), WithService("plant"))
	require.NoError(t, err)
	defer cleanup()

	logger.Info().Msg("hidden")
	logger.Warn().Str("pv", "TEMP").Msg("visible")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	require.Equal(t, "visible", entry["message"])
	require.Equal(t, "plant", entry["service"])
	require.Equal(t, "TEMP", entry["pv"])
}

func TestSetupTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := Setup(config.LoggingConfig{Format: "text"}, WithOutput(&buf))
	require.NoError(t, err)
	logger.Info().Msg("hello")
	require.Contains(t, buf.String(), "hello")
	require.NotContains(t, buf.String(), `"message"`)
}

func TestSetupRejectsInvalidSettings(t *testing.T) {
	_, _, err := Setup(config.LoggingConfig{Level: "chatty"})
	require.Error(t, err)

	_, _, err = Setup(config.LoggingConfig{Loki: config.LokiConfig{Enabled: true}})
	require.Error(t, err)
}

func TestLokiLabels(t *testing.T) {
	require.Equal(t, model.LabelSet{"app": "pvcore"}, lokiLabels(nil, ""))
	require.Equal(t, model.LabelSet{"app": "pvcore", "job": "plant"}, lokiLabels(nil, "plant"))
	require.Equal(t, model.LabelSet{"env": "lab", "job": "fixed"}, lokiLabels(map[string]string{"env": "lab", "job": "fixed"}, "plant"))
}

func TestLokiWriterAddsLevelLabel(t *testing.T) {
	client := &fakeHandler{}
	w := &lokiWriter{client: client, labels: model.LabelSet{"app": "pvcore"}}

	n, err := w.WriteLevel(zerolog.ErrorLevel, []byte("{\"message\":\"boom\"}\n"))
	require.NoError(t, err)
	require.Equal(t, 19, n)
	_, err = w.Write([]byte("   \n"))
	require.NoError(t, err)
	_, err = w.WriteLevel(zerolog.NoLevel, []byte("plain"))
	require.NoError(t, err)

	require.Len(t, client.lines, 2)
	require.Equal(t, model.LabelSet{"app": "pvcore", "level": "error"}, client.lines[0].labels)
	require.Equal(t, `{"message":"boom"}`, client.lines[0].line)
	require.Equal(t, model.LabelSet{"app": "pvcore"}, client.lines[1].labels)
	require.Equal(t, model.LabelSet{"app": "pvcore"}, w.labels)
}
