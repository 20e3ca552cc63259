package models

// PeerHeader is what a peer announces about itself. Height is nil until the
// peer has finished its initial synchronization.
type PeerHeader struct {
	Version string  `json:"version"`
	Port    int     `json:"port"`
	Height  *uint64 `json:"height,omitempty"`
}

// Peer is a known remote node
type Peer struct {
	IP string `json:"ip"`
	PeerHeader
}

// StateHeader identifies the tip a peer reports
type StateHeader struct {
	ID string `json:"id"`
}

// PeerState is a point-in-time snapshot of a peer's consensus view
type PeerState struct {
	IP             string      `json:"ip"`
	Height         uint64      `json:"height"`
	Header         StateHeader `json:"header"`
	CurrentSlot    uint64      `json:"currentSlot"`
	ForgingAllowed bool        `json:"forgingAllowed"`
}
