package model

import (
	"fmt"
	"time"
)

// Timestamp is a point in time with nanosecond precision.
type Timestamp struct {
	Seconds int64 `json:"seconds"`
	Nanos   int32 `json:"nanos"`
}

// Now returns the current time as a Timestamp.
func Now() Timestamp { return TimestampFromTime(time.Now()) }

// TimestampFromTime converts t.
func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp{Seconds: t.Unix(), Nanos: int32(t.Nanosecond())}
}

// TimestampFromMillis converts milliseconds since the epoch.
func TimestampFromMillis(ms int64) Timestamp {
	return TimestampFromTime(time.UnixMilli(ms))
}

// Time converts the timestamp to a time.Time in UTC.
func (t Timestamp) Time() time.Time {
	return time.Unix(t.Seconds, int64(t.Nanos)).UTC()
}

// Micros returns microseconds since the epoch.
func (t Timestamp) Micros() int64 {
	return t.Seconds*1_000_000 + int64(t.Nanos)/1_000
}

// Compare orders timestamps chronologically.
func (t Timestamp) Compare(other Timestamp) int {
	switch {
	case t.Seconds < other.Seconds:
		return -1
	case t.Seconds > other.Seconds:
		return 1
	case t.Nanos < other.Nanos:
		return -1
	case t.Nanos > other.Nanos:
		return 1
	}
	return 0
}

func (t Timestamp) String() string {
	return fmt.Sprintf("Timestamp(seconds=%d, nanos=%d)", t.Seconds, t.Nanos)
}

// SnapshotVersion is the server time at which a document or target state
// was observed.
type SnapshotVersion struct {
	Timestamp
}

// MinVersion sorts before every observed version. Documents that have never
// been seen by the server carry it.
func MinVersion() SnapshotVersion { return SnapshotVersion{} }

// MaxVersion sorts after every observed version.
func MaxVersion() SnapshotVersion {
	return SnapshotVersion{Timestamp{Seconds: 253402300799, Nanos: 999999999}}
}

// Version builds a SnapshotVersion from seconds and nanos.
func Version(seconds int64, nanos int32) SnapshotVersion {
	return SnapshotVersion{Timestamp{Seconds: seconds, Nanos: nanos}}
}

// VersionFromMicros is the inverse of SnapshotVersion.Micros.
func VersionFromMicros(us int64) SnapshotVersion {
	return Version(us/1_000_000, int32(us%1_000_000)*1_000)
}

// IsMin reports whether v is MinVersion.
func (v SnapshotVersion) IsMin() bool { return v.Seconds == 0 && v.Nanos == 0 }

// Compare orders versions chronologically.
func (v SnapshotVersion) Compare(other SnapshotVersion) int {
	return v.Timestamp.Compare(other.Timestamp)
}

// After reports whether v is strictly newer than other.
func (v SnapshotVersion) After(other SnapshotVersion) bool { return v.Compare(other) > 0 }

func (v SnapshotVersion) String() string {
	return fmt.Sprintf("SnapshotVersion(%d.%09d)", v.Seconds, v.Nanos)
}
