package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/timzifer/pvcore/pv"
)

const plantDB = `
name: plant
telemetry:
  provider: noop
logging:
  level: error
pvs:
  - name: A
    value: 1
    unit: V
  - name: B
    scan: 1s
    high: 5
  - name: SUM
    calc: pv("B") + pv("A")
`

func writeDB(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pvdb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"run", "check", "describe", "schema"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "pvdb.yaml", configFlag.DefValue)

	run, _, err := cmd.Find([]string{"run"})
	require.NoError(t, err)
	require.NotNil(t, run.Flags().Lookup("listen"))
	require.NotNil(t, run.Flags().Lookup("simulate"))
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "--format", "xml", "schema")
	require.Error(t, err)
	assert.Equal(t, exitFailure, exitCode(err))
}

func TestCheckValidDatabase(t *testing.T) {
	path := writeDB(t, plantDB)
	out, err := execute(t, "check", path)
	require.NoError(t, err)
	assert.Contains(t, out, "3 pvs (1 calc, 1 scanned)")
	assert.Contains(t, out, `Calc "SUM"`)
	assert.Contains(t, out, "Inputs: B, A")
	assert.Contains(t, out, "completed successfully")
}

func TestCheckInvalidDatabase(t *testing.T) {
	path := writeDB(t, `
pvs:
  - name: SUM
    calc: pv("MISSING") + 1
  - name: SUM
`)
	out, err := execute(t, "--config", path, "check")
	require.Error(t, err)
	assert.Equal(t, exitInvalid, exitCode(err))
	assert.Contains(t, out, "is invalid")
	assert.Contains(t, out, "calc input MISSING is not declared")
}

func TestCheckJSON(t *testing.T) {
	path := writeDB(t, plantDB)
	out, err := execute(t, "--format", "json", "check", path)
	require.NoError(t, err)

	var result CheckResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.True(t, result.Valid)
	assert.Equal(t, 3, result.PVs)
	require.Len(t, result.Calc, 1)
	assert.Equal(t, []string{"B", "A"}, result.Calc[0].Inputs)
}

func TestDescribeText(t *testing.T) {
	path := writeDB(t, plantDB)
	out, err := execute(t, "-c", path, "describe")
	require.NoError(t, err)

	lines := bytes.Split(bytes.TrimSpace([]byte(out)), []byte("\n"))
	require.Len(t, lines, 4)
	assert.Contains(t, string(lines[0]), "NAME")
	assert.Contains(t, string(lines[1]), "A")
	assert.Contains(t, string(lines[1]), "value: 1")
	assert.Contains(t, string(lines[2]), "1s")
	assert.Contains(t, string(lines[2]), "high=5")
	assert.Contains(t, string(lines[3]), `calc: pv("B") + pv("A")`)
}

func TestDescribeYAMLSelection(t *testing.T) {
	path := writeDB(t, plantDB)
	out, err := execute(t, "-c", path, "--format", "yaml", "describe", "B")
	require.NoError(t, err)

	var doc struct {
		PVs []map[string]interface{} `yaml:"pvs"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(out), &doc))
	require.Len(t, doc.PVs, 1)
	assert.Equal(t, "B", doc.PVs[0]["name"])
	assert.Equal(t, "1s", doc.PVs[0]["scan"])

	_, err = execute(t, "-c", path, "describe", "NOPE")
	require.Error(t, err)
	assert.True(t, errors.Is(err, pv.ErrUnknownPV))
}

func TestSchemaCommand(t *testing.T) {
	out, err := execute(t, "schema")
	require.NoError(t, err)
	assert.Contains(t, out, "#Config")
}

func TestRunServesUntilCancelled(t *testing.T) {
	path := writeDB(t, plantDB)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := runServer(ctx, &RootOptions{Config: path, Format: "text"}, &runOptions{listen: "127.0.0.1:0", simulate: true})
	require.NoError(t, err)

	err = runServer(context.Background(), &RootOptions{Config: filepath.Join(t.TempDir(), "missing.yaml")}, &runOptions{})
	require.Error(t, err)
	assert.Equal(t, exitInvalid, exitCode(err))
}
