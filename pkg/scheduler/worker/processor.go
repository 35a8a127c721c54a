package worker

import (
	"context"
	"fmt"
	"math/big"

	"github.com/sirupsen/logrus"

	"github.com/tokenworks/token-processor/pkg/datastore"
)

// Row operations recognized by the chain processor.
const (
	OpBalance = "balance"
	OpSubmit  = "submit"
	OpReceipt = "receipt"
)

// RowProcessor executes one claimed work row and returns the columns to
// set on it alongside the terminal status.
type RowProcessor interface {
	Process(ctx context.Context, row datastore.Row) (datastore.Row, error)
}

// ChainAPI is the slice of the blockchain client the processor needs.
type ChainAPI interface {
	BalanceAt(ctx context.Context, address string) (*big.Int, error)
	SendRawTransaction(ctx context.Context, signedTxHex string) (string, error)
}

// ChainProcessor executes pending token transactions against an
// execution node.
type ChainProcessor struct {
	log   logrus.FieldLogger
	chain ChainAPI
}

func NewChainProcessor(log logrus.FieldLogger, chain ChainAPI) *ChainProcessor {
	return &ChainProcessor{
		log:   log.WithField("component", "chain_processor"),
		chain: chain,
	}
}

func (p *ChainProcessor) Process(ctx context.Context, row datastore.Row) (datastore.Row, error) {
	operation, _ := row["operation"].(string)

	switch operation {
	case OpBalance:
		address, ok := row["address"].(string)
		if !ok || address == "" {
			return nil, fmt.Errorf("balance row missing address")
		}

		balance, err := p.chain.BalanceAt(ctx, address)
		if err != nil {
			return nil, err
		}

		return datastore.Row{"result": balance.String()}, nil

	case OpSubmit:
		rawTx, ok := row["raw_tx"].(string)
		if !ok || rawTx == "" {
			return nil, fmt.Errorf("submit row missing raw_tx")
		}

		txHash, err := p.chain.SendRawTransaction(ctx, rawTx)
		if err != nil {
			return nil, err
		}

		return datastore.Row{"tx_hash": txHash}, nil
	}

	return nil, fmt.Errorf("unknown operation %q", operation)
}
