// Package repository implements the ledgers over the persistent store: runs,
// the insert-only execution log, attachments, notes and retention queries.
package repository

import (
	"time"

	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/ethpandaops/testoor/pkg/store"
	"github.com/sirupsen/logrus"
)

// DeleteBatchSize bounds the number of bound parameters in a single
// IN (...) statement, below SQLite's historical limit of 999.
const DeleteBatchSize = 900

// DefaultRunListLimit is used by ListRecentRuns when no limit is given.
const DefaultRunListLimit = 50

// Repositories bundles every ledger over a single store.
type Repositories struct {
	Runs        RunLedger
	Executions  ExecutionLog
	Attachments AttachmentLedger
	Notes       NoteLedger
	Retention   RetentionEngine
}

// New wires every ledger to st.
func New(
	log logrus.FieldLogger,
	st store.Store,
	queryCfg *config.QueryConfig,
) *Repositories {
	return &Repositories{
		Runs:        NewRunLedger(log, st),
		Executions:  NewExecutionLog(log, st, queryCfg),
		Attachments: NewAttachmentLedger(log, st),
		Notes:       NewNoteLedger(log, st),
		Retention:   NewRetentionEngine(log, st),
	}
}

// chunk splits ids into consecutive slices of at most size elements.
func chunk(ids []string, size int) [][]string {
	if len(ids) == 0 {
		return nil
	}

	batches := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		batches = append(batches, ids[start:end])
	}

	return batches
}

func utcNow() time.Time {
	return time.Now().UTC()
}
