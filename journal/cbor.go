package journal

import (
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/timzifer/pvcore/alarm"
	"github.com/timzifer/pvcore/pv"
)

// Entry is one committed PV update as stored in the journal.
type Entry struct {
	Timestamp time.Time      `cbor:"1,keyasint"`
	PV        string         `cbor:"2,keyasint"`
	Value     interface{}    `cbor:"3,keyasint"`
	Severity  alarm.Severity `cbor:"4,keyasint"`
	Status    alarm.Status   `cbor:"5,keyasint"`
	Seq       uint64         `cbor:"6,keyasint,omitempty"`
}

// FromSnapshot converts a snapshot into a journal entry.
func FromSnapshot(snap pv.Snapshot) Entry {
	return Entry{
		Timestamp: snap.Timestamp,
		PV:        snap.Name,
		Value:     snap.Value,
		Severity:  snap.Severity,
		Status:    snap.Status,
		Seq:       snap.Seq,
	}
}

// Alarm returns the stored alarm state.
func (e Entry) Alarm() alarm.State {
	return alarm.State{Severity: e.Severity, Status: e.Status}
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create journal CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create journal CBOR decoder mode: %v", err))
	}
}

// EncodeEntry encodes a single entry.
func EncodeEntry(entry Entry) ([]byte, error) {
	return encMode.Marshal(entry)
}

// DecodeEntry decodes a single entry.
func DecodeEntry(data []byte) (Entry, error) {
	var entry Entry
	if err := decMode.Unmarshal(data, &entry); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

func newEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

func newDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}
