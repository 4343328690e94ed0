package connector

import (
	"context"
	"strconv"

	"github.com/trailproof/core/pkg/contracts"
)

// StaticConnector serves records from memory in fixed-size batches. It is
// used in tests and for replaying captured batches; the cursor is the offset
// into the record list, so re-fetching with the same cursor returns the same
// batch (at-least-once semantics).
type StaticConnector struct {
	system    contracts.SourceSystem
	records   []RawRecord
	batchSize int
}

func NewStaticConnector(system contracts.SourceSystem, records []RawRecord, batchSize int) *StaticConnector {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &StaticConnector{system: system, records: records, batchSize: batchSize}
}

func (c *StaticConnector) System() contracts.SourceSystem { return c.system }

func (c *StaticConnector) Fetch(ctx context.Context, orgID string, cfg Config, cursor string) ([]RawRecord, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, "", contracts.NewValidationError("cursor", "not a numeric offset")
		}
		offset = n
	}
	if offset >= len(c.records) {
		return nil, "", nil
	}

	end := offset + c.batchSize
	if end > len(c.records) {
		end = len(c.records)
	}

	next := ""
	if end < len(c.records) {
		next = strconv.Itoa(end)
	}
	return c.records[offset:end], next, nil
}
