// Package storage implements the typed entry table, path/net-id indices,
// dirtiness tracking, merge policy for incoming remote mutations, and the
// listener dispatcher of spec.md §4.4/§4.5.
package storage

import (
	"github.com/tomtzook/obsr-go/internal/value"
)

// UnassignedNetID is the sentinel net-id of an entry the server has not
// yet allocated an id for.
const UnassignedNetID = 0xFFFF

// EntryFlags packs both the application-visible flags (low 8 bits) and
// internal bookkeeping flags (high bits) into one word, grounded on the
// source's storage_entry which keeps a single flags field and masks it
// with flag_internal_mask in probe().
type EntryFlags uint16

const (
	FlagDirty   EntryFlags = 1 << 8
	FlagDeleted EntryFlags = 1 << 9
	FlagCreated EntryFlags = 1 << 10

	publicFlagsMask EntryFlags = 0x00FF
)

// Entry is a persistent, path-addressed storage slot, per spec.md §3.
type Entry struct {
	Path string

	value value.Value
	netID uint16
	flags EntryFlags

	lastUpdateMillis int64
}

// Snapshot is an immutable read-only copy of an entry, handed to session
// code draining the dirty set so callers never hold a live *Entry across
// a suspension point (spec.md §4.4's ownership rule).
type Snapshot struct {
	Path             string
	Value            value.Value
	NetID            uint16
	Flags            EntryFlags
	LastUpdateMillis int64
}

func (e *Entry) snapshot() Snapshot {
	return Snapshot{
		Path:             e.Path,
		Value:            e.value,
		NetID:            e.netID,
		Flags:            e.flags,
		LastUpdateMillis: e.lastUpdateMillis,
	}
}

// PublicFlags returns the application-visible low-8 bits, per probe().
func (s Snapshot) PublicFlags() uint32 { return uint32(s.Flags & publicFlagsMask) }

// IsDirty reports whether the entry is marked dirty.
func (s Snapshot) IsDirty() bool { return s.Flags&FlagDirty != 0 }

// IsDeleted reports whether the entry is tombstoned.
func (s Snapshot) IsDeleted() bool { return s.Flags&FlagDeleted != 0 }

// IsCreated reports whether the entry has never yet been observed by peers.
func (s Snapshot) IsCreated() bool { return s.Flags&FlagCreated != 0 }

// HasNetID reports whether the entry has been assigned a net-id.
func (s Snapshot) HasNetID() bool { return s.NetID != UnassignedNetID }
