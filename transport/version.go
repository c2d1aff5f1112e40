package transport

import "fmt"

// Version is a QUIC protocol version, a 32-bit wire identifier.
// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#section-15
type Version uint32

// Known versions, oldest first. MinVersion is the oldest version this
// client will negotiate down to; versions before it are rejected at
// construction time (builder.go).
const (
	VersionNegotiation Version = 0x00000000

	VersionDraft17 Version = 0xff000011
	VersionDraft18 Version = 0xff000012
	VersionDraft19 Version = 0xff000013
	VersionDraft20 Version = 0xff000014
	VersionDraft21 Version = 0xff000015
	VersionDraft22 Version = 0xff000016
	VersionDraft23 Version = 0xff000017
	VersionDraft24 Version = 0xff000018
	VersionDraft25 Version = 0xff000019
	VersionDraft26 Version = 0xff00001a
	VersionDraft27 Version = 0xff00001b
	VersionDraft28 Version = 0xff00001c
	VersionDraft29 Version = 0xff00001d
	VersionDraft30 Version = 0xff00001e
	VersionDraft31 Version = 0xff00001f
	VersionDraft32 Version = 0xff000020
	VersionDraft33 Version = 0xff000021
	VersionDraft34 Version = 0xff000022

	Version1 Version = 0x00000001
	Version2 Version = 0x6b3343cf

	// MinVersion is the lowest version a client is willing to speak.
	MinVersion = VersionDraft23
	// DefaultVersion is used by the builder when none is requested.
	DefaultVersion = Version1
)

// knownVersions is the immutable, ascending-ordered registry of versions
// this client recognizes. It is data, not configuration: nothing mutates
// it after package init.
var knownVersions = []Version{
	VersionDraft17, VersionDraft18, VersionDraft19, VersionDraft20,
	VersionDraft21, VersionDraft22, VersionDraft23, VersionDraft24,
	VersionDraft25, VersionDraft26, VersionDraft27, VersionDraft28,
	VersionDraft29, VersionDraft30, VersionDraft31, VersionDraft32,
	VersionDraft33, VersionDraft34,
	Version1, Version2,
}

// AtLeast reports whether v is the same as or newer than other, by
// registry position. Reserved/unknown versions are never AtLeast a
// known version.
func (v Version) AtLeast(other Version) bool {
	vi, ok := versionIndex(v)
	oi, ok2 := versionIndex(other)
	if !ok || !ok2 {
		return v == other
	}
	return vi >= oi
}

// Before reports whether v sorts strictly earlier than other in the
// registry.
func (v Version) Before(other Version) bool {
	return !v.AtLeast(other) && v != other
}

func versionIndex(v Version) (int, bool) {
	for i, k := range knownVersions {
		if k == v {
			return i, true
		}
	}
	return 0, false
}

// versionSupported reports whether the raw 32-bit version is one this
// client recognizes and is willing to use.
func versionSupported(v uint32) bool {
	_, ok := versionIndex(Version(v))
	return ok
}

// isVersionReserved reports whether v is a greasing/version-negotiation
// marker: values matching 0x?a?a?a?a are reserved for forcing version
// negotiation and are never negotiated.
// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#section-15
func isVersionReserved(v uint32) bool {
	return v&0x0f0f0f0f == 0x0a0a0a0a
}

// ParseVersion accepts the short forms a command line would type ("1",
// "2") as well as a raw hex wire value ("0x1"), returning an error if
// the result isn't a version this client supports.
func ParseVersion(s string) (Version, error) {
	switch s {
	case "1", "":
		return Version1, nil
	case "2":
		return Version2, nil
	}
	var raw uint32
	if _, err := fmt.Sscanf(s, "0x%x", &raw); err != nil {
		return 0, newError(InvalidArgument, "unrecognized version "+s)
	}
	if !versionSupported(raw) {
		return 0, newError(UnknownVersion, s)
	}
	return Version(raw), nil
}

func (v Version) String() string {
	switch v {
	case VersionNegotiation:
		return "version_negotiation"
	case Version1:
		return "1"
	case Version2:
		return "2"
	}
	if _, ok := versionIndex(v); ok {
		return fmt.Sprintf("draft-%d", uint32(v)&0xff)
	}
	return fmt.Sprintf("0x%08x", uint32(v))
}
