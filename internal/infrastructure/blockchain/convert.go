package blockchain

import (
	"encoding/hex"
	"fmt"
	"strings"

	"bitcoin-graph-importer/internal/domain/entity"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// blockConverter maps verbose RPC block results into domain blocks
type blockConverter struct {
	params *chaincfg.Params
}

func newBlockConverter(network string) (*blockConverter, error) {
	params, err := chainParams(network)
	if err != nil {
		return nil, err
	}
	return &blockConverter{params: params}, nil
}

// Convert decodes a verbose block result. Shape violations wrap
// entity.ErrSourceDataMalformed.
func (c *blockConverter) Convert(src *btcjson.GetBlockVerboseTxResult) (*entity.Block, error) {
	if src.Hash == "" {
		return nil, fmt.Errorf("%w: block %d has empty hash", entity.ErrSourceDataMalformed, src.Height)
	}

	block := &entity.Block{
		Hash:         src.Hash,
		Height:       src.Height,
		Time:         src.Time,
		Size:         int64(src.Size),
		Transactions: make([]entity.Transaction, 0, len(src.Tx)),
	}

	for _, tx := range src.Tx {
		converted, err := c.convertTransaction(tx, src.Hash)
		if err != nil {
			return nil, err
		}
		block.Transactions = append(block.Transactions, converted)
	}

	return block, nil
}

func (c *blockConverter) convertTransaction(tx btcjson.TxRawResult, blockHash string) (entity.Transaction, error) {
	if tx.Txid == "" {
		return entity.Transaction{}, fmt.Errorf("%w: block %s contains transaction with empty txid", entity.ErrSourceDataMalformed, blockHash)
	}

	out := entity.Transaction{
		TxID:    tx.Txid,
		Size:    int64(tx.Size),
		Inputs:  make([]entity.TxInput, 0, len(tx.Vin)),
		Outputs: make([]entity.TxOutput, 0, len(tx.Vout)),
	}

	for _, vin := range tx.Vin {
		out.Inputs = append(out.Inputs, entity.TxInput{
			Coinbase: vin.IsCoinBase(),
			PrevTxID: vin.Txid,
			PrevVout: vin.Vout,
		})
	}

	for _, vout := range tx.Vout {
		if vout.Value < 0 {
			return entity.Transaction{}, fmt.Errorf("%w: tx %s output %d has negative value %f", entity.ErrSourceDataMalformed, tx.Txid, vout.N, vout.Value)
		}
		// Round-trip through btcutil.Amount: rejects NaN and infinity,
		// and normalizes the float to whole-satoshi precision. The graph
		// stores BTC, the unit its consumers read.
		value, err := btcutil.NewAmount(vout.Value)
		if err != nil {
			return entity.Transaction{}, fmt.Errorf("%w: tx %s output %d value: %v", entity.ErrSourceDataMalformed, tx.Txid, vout.N, err)
		}

		addresses, err := c.decodeAddresses(vout)
		if err != nil {
			return entity.Transaction{}, fmt.Errorf("%w: tx %s output %d script: %v", entity.ErrSourceDataMalformed, tx.Txid, vout.N, err)
		}

		out.Outputs = append(out.Outputs, entity.TxOutput{
			Index:     vout.N,
			Value:     value.ToBTC(),
			Addresses: addresses,
		})
	}

	return out, nil
}

// decodeAddresses extracts destination addresses from a scriptPubKey.
// Bitcoin Core reports Addresses (pre-v22) or Address; older scripts fall
// back to decoding the raw script. Nil means non-standard, not an error.
func (c *blockConverter) decodeAddresses(vout btcjson.Vout) ([]string, error) {
	if len(vout.ScriptPubKey.Addresses) > 0 {
		return append([]string(nil), vout.ScriptPubKey.Addresses...), nil
	}
	if vout.ScriptPubKey.Address != "" {
		return []string{vout.ScriptPubKey.Address}, nil
	}
	if vout.ScriptPubKey.Hex == "" {
		return nil, nil
	}

	scriptBytes, err := hex.DecodeString(vout.ScriptPubKey.Hex)
	if err != nil {
		return nil, err
	}
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(scriptBytes, c.params)
	if err != nil {
		// Undecodable script is a non-standard output, not malformed data
		return nil, nil
	}

	result := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		result = append(result, addr.EncodeAddress())
	}
	return result, nil
}

func chainParams(network string) (*chaincfg.Params, error) {
	switch strings.ToLower(network) {
	case "main", "mainnet", "bitcoin":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	default:
		return nil, fmt.Errorf("unknown bitcoin network %q", network)
	}
}
