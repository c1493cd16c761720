package journal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/pvcore/alarm"
	"github.com/timzifer/pvcore/driver"
	"github.com/timzifer/pvcore/pv"
)

func TestEncodeDecodeEntry(t *testing.T) {
	ts := time.Date(2024, 3, 1, 8, 30, 0, 123456789, time.UTC)
	data, err := EncodeEntry(Entry{Timestamp: ts, PV: "TEMP", Value: 150.0, Severity: alarm.SeverityMajor, Status: alarm.StatusHiHi, Seq: 3})
	require.NoError(t, err)

	decoded, err := DecodeEntry(data)
	require.NoError(t, err)
	require.True(t, ts.Equal(decoded.Timestamp))
	require.Equal(t, "TEMP", decoded.PV)
	require.Equal(t, 150.0, decoded.Value)
	require.Equal(t, alarm.State{Severity: alarm.SeverityMajor, Status: alarm.StatusHiHi}, decoded.Alarm())
	require.Equal(t, uint64(3), decoded.Seq)
}

func TestWriterAppendsAndRestoreKeepsLatest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pv.journal")

	w, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, w.Record(pv.Snapshot{Name: "TEMP", Value: 20.0, Seq: 1}))
	require.NoError(t, w.Record(pv.Snapshot{Name: "MODE", Value: uint16(2), Seq: 1}))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	require.ErrorIs(t, w.Record(pv.Snapshot{Name: "TEMP"}), ErrClosed)

	w, err = Open(path, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, w.Record(pv.Snapshot{Name: "TEMP", Value: 21.5, Seq: 2}))
	require.NoError(t, w.Sync())
	require.Equal(t, uint64(1), w.Written())
	require.NoError(t, w.Close())

	entries, err := Restore(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, 21.5, entries["TEMP"].Value)
	require.Equal(t, uint64(2), entries["MODE"].Value)
}

func TestRestoreMissingFile(t *testing.T) {
	entries, err := Restore(filepath.Join(t.TempDir(), "absent.journal"))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestRestoreToleratesTruncatedTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pv.journal")
	first, err := EncodeEntry(Entry{PV: "A", Value: 1.0})
	require.NoError(t, err)
	second, err := EncodeEntry(Entry{PV: "B", Value: 2.0})
	require.NoError(t, err)
	data := append(first, second[:len(second)-2]...)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	entries, err := Restore(path)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, 1.0, entries["A"].Value)
}

func TestJournalFollowsRegistryAndRestores(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pv.journal")
	reg := driver.NewRegistry()
	_, err := reg.Register(driver.Definition{Info: pv.Info{Name: "TEMP"}})
	require.NoError(t, err)
	_, err = reg.Register(driver.Definition{Info: pv.Info{Name: "WAVE", Type: pv.TypeInt, Count: 3}})
	require.NoError(t, err)
	_, err = reg.Register(driver.Definition{Info: pv.Info{Name: "MSG", Type: pv.TypeChar, Count: 6}})
	require.NoError(t, err)

	w, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, w.Attach(reg, reg.Names()))
	_, err = reg.Post("TEMP", 42.0)
	require.NoError(t, err)
	_, err = reg.Post("WAVE", []int64{1, -2, 3})
	require.NoError(t, err)
	_, err = reg.Post("MSG", "hi")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	entries, err := Restore(path)
	require.NoError(t, err)
	entries["GONE"] = Entry{PV: "GONE", Value: 1.0}

	fresh := driver.NewRegistry()
	for _, def := range []driver.Definition{
		{Info: pv.Info{Name: "TEMP"}},
		{Info: pv.Info{Name: "WAVE", Type: pv.TypeInt, Count: 3}},
		{Info: pv.Info{Name: "MSG", Type: pv.TypeChar, Count: 6}},
	} {
		_, err := fresh.Register(def)
		require.NoError(t, err)
	}
	applied, skipped := Apply(fresh, entries)
	require.Equal(t, 3, applied)
	require.Equal(t, []string{"GONE"}, skipped)

	snap, err := fresh.Peek("TEMP")
	require.NoError(t, err)
	require.Equal(t, 42.0, snap.Value)
	snap, err = fresh.Peek("WAVE")
	require.NoError(t, err)
	require.Equal(t, []int64{1, -2, 3}, snap.Value)
	snap, err = fresh.Peek("MSG")
	require.NoError(t, err)
	require.Equal(t, []byte{'h', 'i', 0, 0, 0, 0}, snap.Value)
}
