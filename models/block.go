package models

// BlockHeader is the subset of a block's header the consensus core consumes.
type BlockHeader struct {
	ID                 string `json:"id"`
	Height             uint64 `json:"height"`
	PreviousBlock      string `json:"previousBlock"`
	Timestamp          uint64 `json:"timestamp"`           // seconds since network epoch
	GeneratorPublicKey string `json:"generatorPublicKey"`
}

// Block is a header plus its payload. Ids and signatures are produced and
// verified outside this module.
type Block struct {
	BlockHeader
	Reward       uint64        `json:"reward"`
	TotalFee     uint64        `json:"totalFee"`
	Transactions []Transaction `json:"transactions"`
}

// Header returns a copy of the block header.
func (b *Block) Header() BlockHeader {
	return b.BlockHeader
}

// TransactionType identifies how a transaction changes wallet state
type TransactionType string

const (
	TransferTransaction             TransactionType = "transfer"
	DelegateRegistrationTransaction TransactionType = "delegateRegistration"
	VoteTransaction                 TransactionType = "vote"
)

type Transaction struct {
	ID                 string          `json:"id"`
	Type               TransactionType `json:"type"`
	SenderPublicKey    string          `json:"senderPublicKey"`
	RecipientPublicKey string          `json:"recipientPublicKey,omitempty"`
	Amount             uint64          `json:"amount"`
	Fee                uint64          `json:"fee"`
	Username           string          `json:"username,omitempty"` // delegate registration
	Votes              []string        `json:"votes,omitempty"`    // "+<publicKey>" or "-<publicKey>"
}
