package p2p

import "dpos-node/models"

// Paths of the peer endpoints
const (
	PeerPath         = "/peer"
	BlocksPath       = "/blocks"
	ConsensusPath    = "/consensus"
	InternalPath     = "/internal"
	TransactionsPath = "/transactions"
)

// BlocksRequest asks for up to Limit blocks starting at FromHeight
type BlocksRequest struct {
	FromHeight uint64 `json:"fromHeight"`
	Limit      int    `json:"limit"`
}

type BlocksResponse struct {
	Blocks []*models.Block `json:"blocks"`
}

// InternalRequest is an administrative query from a whitelisted address
type InternalRequest struct {
	Action string `json:"action"`
}

type TransactionsRequest struct {
	Transactions []models.Transaction `json:"transactions"`
}

type TransactionsResponse struct {
	Accepted []string `json:"accepted"`
	Rejected []string `json:"rejected,omitempty"`
}

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Error string `json:"error"`
}
