// Package version provides the wire protocol version and client identification
// strings used by the signalling rendezvous and chunk transfer protocol.
package version

// WireProtocolVersion is the first byte of every chunk-transfer frame body
// (§6 "first byte = protocol version"). Bump it when a frame's on-wire shape
// changes in a way a peer running an older build could misinterpret.
const WireProtocolVersion byte = 1

var (
	DefaultClientVersion string
	DefaultUpnpId        string
)

func init() {
	DefaultClientVersion = "dig-nat-tools/0.1"
	DefaultUpnpId = "dig-nat-tools 0.1"
}
