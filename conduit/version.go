package conduit

import "github.com/carlmjohnson/versioninfo"

// localVersionOrdinal is the handshake's version-ordinal field (spec §6):
// a monotonically-comparable stamp of the running binary's build, so two
// peers with the same HANDSHAKE_VERSION can still tell which side is
// running newer code. versioninfo.LastCommit is populated from the Go
// module's embedded VCS build info (module, not build-flag, based — no
// -ldflags wiring needed), the way versioninfo.Revision/-Short is used
// elsewhere for --version output.
var localVersionOrdinal = uint64(versioninfo.LastCommit.Unix())
