package database

import (
	"context"
	"fmt"

	"bitcoin-graph-importer/internal/domain/entity"
	"bitcoin-graph-importer/internal/domain/repository"
	"bitcoin-graph-importer/internal/infrastructure/logger"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// Neo4JGraphWriter implements GraphWriter interface. All mutations of a
// block are applied inside one managed write transaction so a crash cannot
// leave a partially-imported block.
type Neo4JGraphWriter struct {
	client *Neo4JClient
	logger *logger.Logger
}

// NewNeo4JGraphWriter creates a new Neo4J graph writer
func NewNeo4JGraphWriter(client *Neo4JClient, logger *logger.Logger) repository.GraphWriter {
	return &Neo4JGraphWriter{
		client: client,
		logger: logger.WithComponent("neo4j-graph-writer"),
	}
}

const upsertBlockQuery = `
	MERGE (b:Block {hash: $hash})
	SET b.height = $height,
		b.time = $time,
		b.size = $size,
		b.tx_count = $tx_count
`

const upsertTransactionsQuery = `
	UNWIND $rows AS row
	MERGE (t:Transaction {txid: row.txid})
	SET t.block_hash = row.block_hash,
		t.time = row.time,
		t.size = row.size
	WITH t, row
	MATCH (b:Block {hash: row.block_hash})
	MERGE (b)-[:CONTAINS]->(t)
`

const upsertCoinbasesQuery = `
	UNWIND $rows AS row
	MATCH (t:Transaction {txid: row.txid})
	MERGE (cb:Coinbase {id: row.id})
	MERGE (cb)-[:INPUTS_TO]->(t)
`

const upsertAddressesQuery = `
	UNWIND $rows AS row
	MERGE (a:Address {address: row.address})
	ON CREATE SET a.first_seen = row.first_seen
`

const upsertOutputsQuery = `
	UNWIND $rows AS row
	MATCH (t:Transaction {txid: row.txid})
	MATCH (a:Address {address: row.address})
	MERGE (t)-[r:OUTPUTS_TO {vout: row.vout}]->(a)
	SET r.value = row.value
`

// Spends run last so outputs produced earlier in the same block resolve.
// A previous transaction missing from the graph skips the edge instead of
// failing the block; the count is surfaced to the caller for logging.
const upsertSpendsQuery = `
	UNWIND $rows AS row
	MATCH (t:Transaction {txid: row.txid})
	OPTIONAL MATCH (prev:Transaction {txid: row.prev_txid})
	FOREACH (p IN CASE WHEN prev IS NULL THEN [] ELSE [prev] END |
		MERGE (p)-[:SPENT_IN {vout: row.vout}]->(t))
	RETURN sum(CASE WHEN prev IS NULL THEN 1 ELSE 0 END) AS skipped
`

// ApplyMutationSet applies a block's mutation set in one write transaction
func (w *Neo4JGraphWriter) ApplyMutationSet(ctx context.Context, set *entity.MutationSet) (*entity.WriteSummary, error) {
	session := w.client.GetDriver().NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: w.client.config.Database,
	})
	defer session.Close(ctx)

	result, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, upsertBlockQuery, blockParams(set.Block)); err != nil {
			return nil, fmt.Errorf("upsert block: %w", err)
		}

		if len(set.Transactions) > 0 {
			if _, err := tx.Run(ctx, upsertTransactionsQuery, map[string]any{"rows": transactionRows(set.Transactions)}); err != nil {
				return nil, fmt.Errorf("upsert transactions: %w", err)
			}
		}

		if len(set.Coinbases) > 0 {
			if _, err := tx.Run(ctx, upsertCoinbasesQuery, map[string]any{"rows": coinbaseRows(set.Coinbases)}); err != nil {
				return nil, fmt.Errorf("upsert coinbases: %w", err)
			}
		}

		if len(set.Addresses) > 0 {
			if _, err := tx.Run(ctx, upsertAddressesQuery, map[string]any{"rows": addressRows(set.Addresses)}); err != nil {
				return nil, fmt.Errorf("upsert addresses: %w", err)
			}
		}

		if len(set.Outputs) > 0 {
			if _, err := tx.Run(ctx, upsertOutputsQuery, map[string]any{"rows": outputRows(set.Outputs)}); err != nil {
				return nil, fmt.Errorf("upsert outputs: %w", err)
			}
		}

		summary := &entity.WriteSummary{}
		if len(set.Spends) > 0 {
			res, err := tx.Run(ctx, upsertSpendsQuery, map[string]any{"rows": spendRows(set.Spends)})
			if err != nil {
				return nil, fmt.Errorf("upsert spends: %w", err)
			}
			record, err := res.Single(ctx)
			if err != nil {
				return nil, fmt.Errorf("collect spend summary: %w", err)
			}
			if skipped, ok := record.Values[0].(int64); ok {
				summary.SpendEdgesSkipped = skipped
			}
		}

		return summary, nil
	})
	if err != nil {
		w.logger.Error("Failed to apply mutation set",
			zap.String("block_hash", set.Block.Hash),
			zap.Int64("height", set.Block.Height),
			zap.Error(err))
		return nil, fmt.Errorf("%w: block %s: %v", entity.ErrWriteFailure, set.Block.Hash, err)
	}

	return result.(*entity.WriteSummary), nil
}

func blockParams(b entity.BlockUpsert) map[string]any {
	return map[string]any{
		"hash":     b.Hash,
		"height":   b.Height,
		"time":     b.Time,
		"size":     b.Size,
		"tx_count": b.TxCount,
	}
}

func transactionRows(txs []entity.TransactionUpsert) []map[string]any {
	rows := make([]map[string]any, 0, len(txs))
	for _, t := range txs {
		rows = append(rows, map[string]any{
			"txid":       t.TxID,
			"block_hash": t.BlockHash,
			"time":       t.Time,
			"size":       t.Size,
		})
	}
	return rows
}

func coinbaseRows(cbs []entity.CoinbaseInput) []map[string]any {
	rows := make([]map[string]any, 0, len(cbs))
	for _, cb := range cbs {
		rows = append(rows, map[string]any{
			"id":   cb.ID,
			"txid": cb.TxID,
		})
	}
	return rows
}

func addressRows(addrs []entity.AddressUpsert) []map[string]any {
	rows := make([]map[string]any, 0, len(addrs))
	for _, a := range addrs {
		rows = append(rows, map[string]any{
			"address":    a.Address,
			"first_seen": a.FirstSeen,
		})
	}
	return rows
}

func outputRows(outs []entity.OutputEdge) []map[string]any {
	rows := make([]map[string]any, 0, len(outs))
	for _, o := range outs {
		rows = append(rows, map[string]any{
			"txid":    o.TxID,
			"address": o.Address,
			"vout":    int64(o.Vout),
			"value":   o.Value,
		})
	}
	return rows
}

func spendRows(spends []entity.SpendEdge) []map[string]any {
	rows := make([]map[string]any, 0, len(spends))
	for _, s := range spends {
		rows = append(rows, map[string]any{
			"txid":      s.TxID,
			"prev_txid": s.PrevTxID,
			"vout":      int64(s.Vout),
		})
	}
	return rows
}
