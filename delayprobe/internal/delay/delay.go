// Package delay defines the value stored for a probed node and its legacy
// integer encoding used by UI consumers.
package delay

import (
	"encoding/json"
	"fmt"
	"strconv"
)

const (
	// LegacyAbsent is the legacy encoding of a node that was never tested or whose result expired.
	LegacyAbsent int64 = -1
	// LegacyTesting is the legacy encoding of a probe in flight.
	LegacyTesting int64 = -2
	// ErrorThreshold is the legacy encoding of a failed probe. Any legacy value at or
	// above it is treated as an error.
	ErrorThreshold int64 = 1_000_000
)

type Kind uint8

const (
	KindAbsent Kind = iota
	KindTesting
	KindMeasured
	KindErrored
)

func (k Kind) String() string {
	switch k {
	case KindAbsent:
		return "absent"
	case KindTesting:
		return "testing"
	case KindMeasured:
		return "measured"
	case KindErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Delay is the result of probing one node. The zero value is Absent.
type Delay struct {
	kind Kind
	ms   int64
}

func Absent() Delay  { return Delay{kind: KindAbsent} }
func Testing() Delay { return Delay{kind: KindTesting} }
func Errored() Delay { return Delay{kind: KindErrored} }

// Measured returns a measured round-trip in milliseconds. Values at or above
// ErrorThreshold are errors; negative values are not measurements.
func Measured(ms int64) Delay {
	switch {
	case ms >= ErrorThreshold:
		return Errored()
	case ms < 0:
		return Absent()
	}
	return Delay{kind: KindMeasured, ms: ms}
}

func (d Delay) Kind() Kind { return d.kind }

// MS returns the measured milliseconds, or 0 when the delay is not a measurement.
func (d Delay) MS() int64 {
	if d.kind != KindMeasured {
		return 0
	}
	return d.ms
}

func (d Delay) IsAbsent() bool   { return d.kind == KindAbsent }
func (d Delay) IsTesting() bool  { return d.kind == KindTesting }
func (d Delay) IsMeasured() bool { return d.kind == KindMeasured }
func (d Delay) IsErrored() bool  { return d.kind == KindErrored }

// IsTerminal reports whether the delay is the outcome of a finished probe.
func (d Delay) IsTerminal() bool {
	return d.kind == KindMeasured || d.kind == KindErrored
}

// Legacy returns the integer encoding: -1 absent, -2 testing, ms, or ErrorThreshold.
func (d Delay) Legacy() int64 {
	switch d.kind {
	case KindTesting:
		return LegacyTesting
	case KindMeasured:
		return d.ms
	case KindErrored:
		return ErrorThreshold
	default:
		return LegacyAbsent
	}
}

// FromLegacy decodes the integer encoding. Unknown negative values decode to Absent.
func FromLegacy(v int64) Delay {
	switch {
	case v == LegacyTesting:
		return Testing()
	case v < 0:
		return Absent()
	default:
		return Measured(v)
	}
}

func (d Delay) String() string {
	switch d.kind {
	case KindMeasured:
		return fmt.Sprintf("%dms", d.ms)
	default:
		return d.kind.String()
	}
}

func (d Delay) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(d.Legacy(), 10)), nil
}

func (d *Delay) UnmarshalJSON(b []byte) error {
	var v int64
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("delay: invalid legacy value: %w", err)
	}
	*d = FromLegacy(v)
	return nil
}
