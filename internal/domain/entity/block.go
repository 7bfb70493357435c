package entity

// Block represents one fully-detailed ledger block fetched from Bitcoin Core
type Block struct {
	Hash         string        `json:"hash"`
	Height       int64         `json:"height"`
	Time         int64         `json:"time"`
	Size         int64         `json:"size"`
	Transactions []Transaction `json:"transactions"`
}

// Transaction represents a transaction inside a block, with its inputs and outputs
type Transaction struct {
	TxID    string     `json:"txid"`
	Size    int64      `json:"size"`
	Inputs  []TxInput  `json:"inputs"`
	Outputs []TxOutput `json:"outputs"`
}

// TxInput is either a coinbase marker or a reference to a previous output
type TxInput struct {
	Coinbase bool   `json:"coinbase"`
	PrevTxID string `json:"prev_txid"`
	PrevVout uint32 `json:"prev_vout"`
}

// TxOutput is a spendable output paying zero or more addresses.
// Value is in BTC, the unit the graph's consumers read. An empty address
// list means the script is non-standard and the output produces no edges.
type TxOutput struct {
	Index     uint32   `json:"index"`
	Value     float64  `json:"value"`
	Addresses []string `json:"addresses"`
}
