package random

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/timzifer/pvcore/alarm"
	"github.com/timzifer/pvcore/driver"
	"github.com/timzifer/pvcore/pv"
)

type infos map[string]pv.Info

func (m infos) Describe(name string) (pv.Info, error) {
	info, ok := m[name]
	if !ok {
		return pv.Info{}, &pv.UnknownPVError{Name: name}
	}
	return info, nil
}

func ptrInt64(v int64) *int64 { return &v }

func newDriver(t *testing.T, m infos) *Driver {
	t.Helper()
	d, err := New(m, Settings{Seed: ptrInt64(42)})
	require.NoError(t, err)
	return d
}

func TestReadHonoursDisplayLimits(t *testing.T) {
	d := newDriver(t, infos{
		"TEMP": {Name: "TEMP", Type: pv.TypeFloat, DisplayLow: 20, DisplayHigh: 25},
		"RPM":  {Name: "RPM", Type: pv.TypeInt, DisplayLow: -3, DisplayHigh: 3},
	})
	for i := 0; i < 200; i++ {
		v, err := d.Read(context.Background(), "TEMP")
		require.NoError(t, err)
		require.GreaterOrEqual(t, v.(float64), 20.0)
		require.LessOrEqual(t, v.(float64), 25.0)

		v, err = d.Read(context.Background(), "RPM")
		require.NoError(t, err)
		require.GreaterOrEqual(t, v.(int64), int64(-3))
		require.LessOrEqual(t, v.(int64), int64(3))
	}
}

func TestReadFallsBackToAlarmLimits(t *testing.T) {
	d := newDriver(t, infos{
		"LEVEL": {Name: "LEVEL", Type: pv.TypeFloat, Limits: alarm.Limits{LowAlarm: alarm.Float(-10), HighWarning: alarm.Float(10)}},
		"PLAIN": {Name: "PLAIN", Type: pv.TypeFloat},
	})
	for i := 0; i < 100; i++ {
		v, err := d.Read(context.Background(), "LEVEL")
		require.NoError(t, err)
		require.GreaterOrEqual(t, v.(float64), -10.0)
		require.LessOrEqual(t, v.(float64), 10.0)

		v, err = d.Read(context.Background(), "PLAIN")
		require.NoError(t, err)
		require.GreaterOrEqual(t, v.(float64), defaultFloatMin)
		require.LessOrEqual(t, v.(float64), defaultFloatMax)
	}
}

func TestReadShapesValuesByType(t *testing.T) {
	d := newDriver(t, infos{
		"MODE": {Name: "MODE", Type: pv.TypeEnum, Enums: []string{"OFF", "ON"}},
		"MSG":  {Name: "MSG", Type: pv.TypeChar, Count: 6},
		"ID":   {Name: "ID", Type: pv.TypeString},
		"WAVE": {Name: "WAVE", Type: pv.TypeFloat, Count: 4},
	})
	ctx := context.Background()

	mode, err := d.Read(ctx, "MODE")
	require.NoError(t, err)
	require.Contains(t, []int64{0, 1}, mode)

	msg, err := d.Read(ctx, "MSG")
	require.NoError(t, err)
	require.Len(t, msg, 6)

	id, err := d.Read(ctx, "ID")
	require.NoError(t, err)
	require.Len(t, id, defaultStringLength)

	wave, err := d.Read(ctx, "WAVE")
	require.NoError(t, err)
	require.Len(t, wave, 4)

	_, err = d.Read(ctx, "NOPE")
	require.ErrorIs(t, err, pv.ErrUnknownPV)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = d.Read(cancelled, "MODE")
	require.ErrorIs(t, err, context.Canceled)
}

func TestSeedIsReproducible(t *testing.T) {
	m := infos{"X": {Name: "X", Type: pv.TypeFloat}}
	a := newDriver(t, m)
	b := newDriver(t, m)
	for i := 0; i < 5; i++ {
		va, err := a.Read(context.Background(), "X")
		require.NoError(t, err)
		vb, err := b.Read(context.Background(), "X")
		require.NoError(t, err)
		require.Equal(t, va, vb)
	}
}

func TestNewValidatesSettings(t *testing.T) {
	_, err := New(nil, Settings{})
	require.Error(t, err)
	_, err = New(infos{}, Settings{Source: "dice"})
	require.Error(t, err)
	_, err = New(infos{}, Settings{StringLength: -1})
	require.Error(t, err)

	d, err := New(infos{"S": {Name: "S", Type: pv.TypeString}}, Settings{Source: "secure", StringLength: 3, Alphabet: "x"})
	require.NoError(t, err)
	v, err := d.Read(context.Background(), "S")
	require.NoError(t, err)
	require.Equal(t, "xxx", v)
}

func TestDriverServesRegistryReads(t *testing.T) {
	reg := driver.NewRegistry()
	d, err := New(reg, Settings{Seed: ptrInt64(7)})
	require.NoError(t, err)
	_, err = reg.Register(driver.Definition{
		Info:    pv.Info{Name: "MODE", Type: pv.TypeEnum, Enums: []string{"A", "B", "C"}},
		Handler: d,
	})
	require.NoError(t, err)

	snap, err := reg.Read(context.Background(), "MODE")
	require.NoError(t, err)
	require.IsType(t, uint16(0), snap.Value)
	require.Less(t, snap.Value.(uint16), uint16(3))
}

func TestGeneratorRanges(t *testing.T) {
	g, err := newGenerator("pseudo", ptrInt64(1))
	require.NoError(t, err)
	seen := make(map[int64]bool)
	for i := 0; i < 500; i++ {
		v, err := g.integer(1, 4)
		require.NoError(t, err)
		seen[v] = true
	}
	require.Len(t, seen, 4)

	v, err := g.float(3, 3)
	require.NoError(t, err)
	require.Equal(t, 3.0, v)

	_, err = g.integer(5, 1)
	require.Error(t, err)
	_, err = g.float(2, 1)
	require.Error(t, err)
	_, err = g.text(3, nil)
	require.Error(t, err)
}
