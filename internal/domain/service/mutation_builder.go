package service

import (
	"bitcoin-graph-importer/internal/domain/entity"
)

// BuildMutationSet decomposes a block into its graph mutations. It is pure
// and deterministic: the same block always yields the same set, in the same
// order. Mutation order matches write order: block, transactions with their
// CONTAINS edges, coinbase inputs, addresses with their OUTPUTS_TO edges,
// and SPENT_IN edges last so same-block spends resolve.
func BuildMutationSet(block *entity.Block) *entity.MutationSet {
	set := &entity.MutationSet{
		Block: entity.BlockUpsert{
			Hash:    block.Hash,
			Height:  block.Height,
			Time:    block.Time,
			Size:    block.Size,
			TxCount: int64(len(block.Transactions)),
		},
	}

	for _, tx := range block.Transactions {
		set.Transactions = append(set.Transactions, entity.TransactionUpsert{
			TxID:      tx.TxID,
			BlockHash: block.Hash,
			Time:      block.Time,
			Size:      tx.Size,
		})
		set.Contains = append(set.Contains, entity.ContainsEdge{
			BlockHash: block.Hash,
			TxID:      tx.TxID,
		})

		for _, in := range tx.Inputs {
			if in.Coinbase {
				set.Coinbases = append(set.Coinbases, entity.CoinbaseInput{
					ID:   tx.TxID + "_coinbase",
					TxID: tx.TxID,
				})
				continue
			}
			if in.PrevTxID == "" {
				continue
			}
			set.Spends = append(set.Spends, entity.SpendEdge{
				PrevTxID: in.PrevTxID,
				TxID:     tx.TxID,
				Vout:     in.PrevVout,
			})
		}

		for _, out := range tx.Outputs {
			// Non-standard scripts resolve to no addresses and produce no edges
			for _, addr := range out.Addresses {
				set.Addresses = append(set.Addresses, entity.AddressUpsert{
					Address:   addr,
					FirstSeen: block.Time,
				})
				set.Outputs = append(set.Outputs, entity.OutputEdge{
					TxID:    tx.TxID,
					Address: addr,
					Vout:    out.Index,
					Value:   out.Value,
				})
			}
		}
	}

	return set
}
