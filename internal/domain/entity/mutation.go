package entity

// BlockUpsert merges a Block node keyed by hash
type BlockUpsert struct {
	Hash    string `json:"hash"`
	Height  int64  `json:"height"`
	Time    int64  `json:"time"`
	Size    int64  `json:"size"`
	TxCount int64  `json:"tx_count"`
}

// TransactionUpsert merges a Transaction node keyed by txid
type TransactionUpsert struct {
	TxID      string `json:"txid"`
	BlockHash string `json:"block_hash"`
	Time      int64  `json:"time"`
	Size      int64  `json:"size"`
}

// ContainsEdge merges a Block-CONTAINS->Transaction relationship
type ContainsEdge struct {
	BlockHash string `json:"block_hash"`
	TxID      string `json:"txid"`
}

// CoinbaseInput merges a Coinbase node and its INPUTS_TO edge.
// ID is the synthetic "<txid>_coinbase" identifier.
type CoinbaseInput struct {
	ID   string `json:"id"`
	TxID string `json:"txid"`
}

// SpendEdge merges a SPENT_IN relationship from the transaction that
// produced the output to the transaction consuming it. Vout discriminates
// multiple spends between the same pair.
type SpendEdge struct {
	PrevTxID string `json:"prev_txid"`
	TxID     string `json:"txid"`
	Vout     uint32 `json:"vout"`
}

// AddressUpsert merges an Address node. FirstSeen is only applied on
// creation and never overwritten.
type AddressUpsert struct {
	Address   string `json:"address"`
	FirstSeen int64  `json:"first_seen"`
}

// OutputEdge merges an OUTPUTS_TO relationship carrying the output value
// in BTC and the output index. Vout discriminates multiple payments to
// the same address.
type OutputEdge struct {
	TxID    string  `json:"txid"`
	Address string  `json:"address"`
	Vout    uint32  `json:"vout"`
	Value   float64 `json:"value"`
}

// MutationSet is the full set of graph mutations derived from one block.
// Applying it twice leaves the graph in the same state as applying it once.
type MutationSet struct {
	Block        BlockUpsert
	Transactions []TransactionUpsert
	Contains     []ContainsEdge
	Coinbases    []CoinbaseInput
	Spends       []SpendEdge
	Addresses    []AddressUpsert
	Outputs      []OutputEdge
}

// WriteSummary reports side observations from applying a MutationSet
type WriteSummary struct {
	// SpendEdgesSkipped counts SPENT_IN edges whose previous transaction
	// was not present in the graph.
	SpendEdgesSkipped int64
}
