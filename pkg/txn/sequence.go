package txn

import (
	"errors"
	"fmt"

	"txflow/pkg/types"
)

// ErrNoTransactions means the backend could not build a plan.
// It is distinct from an execution failure.
var ErrNoTransactions = errors.New("no transactions returned")

// Flatten turns a prepared batch into the ordered execution queue.
// Transactions keep batch order and every transaction of step i precedes step i+1.
// Each transaction is tagged with its chain: its own chainId, else the step's,
// else the batch's.
func Flatten(batch types.PreparedBatch) ([]types.PreparedTx, error) {
	queue := make([]types.PreparedTx, 0, len(batch.Transactions))

	for i, tx := range batch.Transactions {
		chainID := firstChain(tx.ChainID, batch.ChainID)
		if chainID == 0 {
			return nil, &InputError{Field: "chainId", Reason: fmt.Sprintf("transaction %d has no target chain", i)}
		}
		tx.ChainID = chainID
		queue = append(queue, tx)
	}

	for _, step := range batch.Steps {
		for i, tx := range step.Transactions {
			chainID := firstChain(tx.ChainID, step.ChainID, batch.ChainID)
			if chainID == 0 {
				return nil, &InputError{Field: "chainId", Reason: fmt.Sprintf("step %q transaction %d has no target chain", step.Name, i)}
			}
			tx.ChainID = chainID
			tx.Step = step.Name
			queue = append(queue, tx)
		}
	}

	if len(queue) == 0 {
		return nil, ErrNoTransactions
	}
	return queue, nil
}

func firstChain(ids ...types.ChainID) types.ChainID {
	for _, id := range ids {
		if id > 0 {
			return id
		}
	}
	return 0
}
