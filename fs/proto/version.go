// Package proto implements the wire side of the engine: protocol version
// selection, varint encoding, the multiplexed message channel, the
// negotiation prologue sniffer and the session state machine.
package proto

import (
	"errors"
	"fmt"
)

// Version is an rsync protocol version number.
type Version int32

// Supported protocol versions. The newest is advertised; older peers
// negotiate down as far as OldestVersion.
const (
	V28 Version = 28
	V29 Version = 29
	V30 Version = 30
	V31 Version = 31
	V32 Version = 32

	OldestVersion = V28
	NewestVersion = V32

	// How far above NewestVersion a peer may advertise before we refuse
	// to talk to it. Upstream allows future versions a slack window and
	// clamps them down to the newest it knows.
	versionTolerance = 10
)

// Errors returned during version selection.
var (
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrNoMutualProtocol   = errors.New("no mutual protocol version")
)

// Supported reports whether v is a version this engine implements.
func (v Version) Supported() bool {
	return v >= OldestVersion && v <= NewestVersion
}

// UsesBinaryNegotiation reports whether the initial exchange is the raw
// four byte version word rather than the @RSYNCD: greeting.
func (v Version) UsesBinaryNegotiation() bool { return v >= V30 }

// UsesVarintEncoding reports whether integers after negotiation use the
// variable length encoding instead of fixed int32.
func (v Version) UsesVarintEncoding() bool { return v >= V30 }

// SupportsSenderReceiverModifiers reports whether filter rules may carry
// the s/r side modifiers on the wire.
func (v Version) SupportsSenderReceiverModifiers() bool { return v >= V29 }

// SupportsPerishableModifier reports whether the p filter modifier is
// understood by the peer.
func (v Version) SupportsPerishableModifier() bool { return v >= V30 }

// SupportsFlistTimes reports whether file list entries carry mtimes.
func (v Version) SupportsFlistTimes() bool { return v >= V29 }

// UsesSafeFileList reports whether the safe file list extension is
// available.
func (v Version) UsesSafeFileList() bool { return v >= V30 }

// SafeFileListAlwaysEnabled reports whether the safe file list extension
// is unconditional rather than negotiated.
func (v Version) SafeFileListAlwaysEnabled() bool { return v >= V31 }

// String implements fmt.Stringer.
func (v Version) String() string {
	return fmt.Sprintf("%d", int32(v))
}

// Clamp resolves a peer advertisement against the supported range.
//
// Versions below OldestVersion and versions beyond the tolerance window
// are rejected. A version above NewestVersion but within the window is
// clamped down, which is how upstream copes with peers from the future.
func Clamp(advertised int32) (v Version, clamped bool, err error) {
	switch {
	case advertised < int32(OldestVersion):
		return 0, false, fmt.Errorf("peer advertised protocol %d: %w", advertised, ErrUnsupportedVersion)
	case advertised > int32(NewestVersion)+versionTolerance:
		return 0, false, fmt.Errorf("peer advertised protocol %d: %w", advertised, ErrUnsupportedVersion)
	case advertised > int32(NewestVersion):
		return NewestVersion, true, nil
	}
	return Version(advertised), false, nil
}

// SelectHighestMutual picks the highest version present in both the peer
// advertisement list and the supported range, clamping future versions
// the same way Clamp does.
func SelectHighestMutual(peerVersions []int32) (Version, error) {
	best := Version(0)
	sawTooOld := false
	for _, adv := range peerVersions {
		v, _, err := Clamp(adv)
		if err != nil {
			if adv < int32(OldestVersion) {
				sawTooOld = true
				continue
			}
			return 0, err
		}
		if v > best {
			best = v
		}
	}
	if best != 0 {
		return best, nil
	}
	if sawTooOld {
		return 0, ErrUnsupportedVersion
	}
	return 0, ErrNoMutualProtocol
}
