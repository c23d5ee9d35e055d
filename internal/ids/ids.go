// Package ids defines the 32-bit entity identifiers shared across the
// polling server core, plus the zoran-time encoding used to keep latency
// timestamps inside a 32-bit wire field.
package ids

import "time"

// MonitorID identifies a single probe target. Zero is reserved/invalid.
type MonitorID uint32

// HostSchemeID identifies a scheme+host+port origin. Zero is reserved/invalid.
type HostSchemeID uint32

// CustomerID identifies a billing subject. Zero is reserved/invalid.
type CustomerID uint32

// Valid reports whether the id is non-zero.
func (id MonitorID) Valid() bool { return id != 0 }

// Valid reports whether the id is non-zero.
func (id HostSchemeID) Valid() bool { return id != 0 }

// Valid reports whether the id is non-zero.
func (id CustomerID) Valid() bool { return id != 0 }

// zoranEpoch is 2021-01-01T07:00:00Z expressed in Unix seconds.
const zoranEpoch = 1_609_484_400

// ZoranTime is Unix seconds minus zoranEpoch, packed into 32 bits. It is
// good through roughly the year 2157.
type ZoranTime uint32

// FromUnix converts a Unix-second timestamp to zoran time. Timestamps
// before the epoch saturate at 0.
func FromUnix(unixSeconds int64) ZoranTime {
	d := unixSeconds - zoranEpoch
	if d < 0 {
		return 0
	}
	return ZoranTime(uint32(d))
}

// Now returns the current time as a zoran timestamp.
func Now() ZoranTime {
	return FromUnix(time.Now().Unix())
}

// ToUnix converts a zoran timestamp back to Unix seconds.
func (z ZoranTime) ToUnix() int64 {
	return int64(z) + zoranEpoch
}
