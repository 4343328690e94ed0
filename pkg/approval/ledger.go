// Package approval is the append-only decision ledger. It is the only owner
// of approval state: records are inserted, never updated or deleted, and an
// artifact's current status is derived by a read-time fold over its records.
// Correcting a mistaken approval means appending a rejection, preserving the
// history of the reversal.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trailproof/core/pkg/canonicalize"
	"github.com/trailproof/core/pkg/contracts"
	"github.com/trailproof/core/pkg/observability"
	"github.com/trailproof/core/pkg/store"
)

// sequenceRetries bounds re-reads of the approval sequence when another node
// wins the race for a slot.
const sequenceRetries = 3

// Ledger appends decisions and derives current status.
type Ledger struct {
	approvals store.ApprovalStore
	artifacts store.ArtifactStore
	metrics   *observability.Provider
	clock     func() time.Time

	// seqLocks serializes sequence assignment per artifact within this
	// process so two racing decisions still receive distinct, ordered
	// sequence numbers. A writer on another node can still take a slot
	// between the read and the append; the unique constraint catches that
	// and the append retries with a fresh sequence.
	seqLocks sync.Map // artifact key -> *sync.Mutex
}

func NewLedger(approvals store.ApprovalStore, artifacts store.ArtifactStore) *Ledger {
	return &Ledger{
		approvals: approvals,
		artifacts: artifacts,
		clock:     time.Now,
	}
}

// WithClock overrides the clock for testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// WithMetrics counts every appended decision.
func (l *Ledger) WithMetrics(p *observability.Provider) *Ledger {
	l.metrics = p
	return l
}

// RecordDecision appends an approval or rejection for an artifact. The
// signature hash binds the decision to the artifact's content hash at
// decision time; if the content later changes the signature goes stale and
// the artifact reverts to pending until re-decided.
func (l *Ledger) RecordDecision(ctx context.Context, orgID, artifactID string, decision contracts.Decision, actorID, notes string) (*contracts.ApprovalRecord, error) {
	if decision != contracts.DecisionApproved && decision != contracts.DecisionRejected {
		return nil, contracts.NewValidationError("decision", fmt.Sprintf("unknown decision %q", decision))
	}
	if actorID == "" {
		return nil, contracts.NewValidationError("actor_id", "must not be empty")
	}

	artifact, err := l.artifacts.Get(ctx, orgID, artifactID)
	if err != nil {
		return nil, err
	}

	unlock := l.lock(orgID, artifactID)
	defer unlock()

	var lastErr error
	for attempt := 0; attempt <= sequenceRetries; attempt++ {
		seq, err := l.approvals.NextSequence(ctx, orgID, artifactID)
		if err != nil {
			return nil, err
		}

		decidedAt := l.clock().UTC()
		record := &contracts.ApprovalRecord{
			ID:               uuid.New().String(),
			OrgID:            orgID,
			ArtifactID:       artifactID,
			Sequence:         seq,
			Decision:         decision,
			ActorID:          actorID,
			DecidedAt:        decidedAt,
			Notes:            notes,
			BoundContentHash: artifact.ContentHash,
			SignatureHash:    Signature(artifact.ContentHash, decision, actorID, decidedAt),
		}
		err = l.approvals.AppendApproval(ctx, record)
		if err == nil {
			l.metrics.RecordDecision(ctx, string(decision))
			return record, nil
		}
		if !errors.Is(err, store.ErrDuplicateSequence) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("approval sequence contention for artifact %s after %d retries: %w", artifactID, sequenceRetries, lastErr)
}

// CurrentStatus folds the artifact's records newest-first and returns the
// decision of the first record whose bound content hash still matches the
// artifact's live hash. No matching record means pending: either the
// artifact was never decided, or every decision was made against a
// since-superseded content state.
func (l *Ledger) CurrentStatus(ctx context.Context, orgID, artifactID string) (contracts.ApprovalStatus, error) {
	artifact, err := l.artifacts.Get(ctx, orgID, artifactID)
	if err != nil {
		return "", err
	}
	records, err := l.approvals.ListApprovalsByArtifact(ctx, orgID, artifactID)
	if err != nil {
		return "", err
	}
	return Fold(records, artifact.ContentHash), nil
}

// History returns all records for an artifact, newest-first.
func (l *Ledger) History(ctx context.Context, orgID, artifactID string) ([]*contracts.ApprovalRecord, error) {
	if _, err := l.artifacts.Get(ctx, orgID, artifactID); err != nil {
		return nil, err
	}
	return l.approvals.ListApprovalsByArtifact(ctx, orgID, artifactID)
}

// Fold derives the status from records ordered newest-first against the
// artifact's live content hash. Pure so it can back both store reads and
// tests.
func Fold(newestFirst []*contracts.ApprovalRecord, liveContentHash string) contracts.ApprovalStatus {
	for _, r := range newestFirst {
		if r.BoundContentHash != liveContentHash {
			continue
		}
		switch r.Decision {
		case contracts.DecisionApproved:
			return contracts.StatusApproved
		case contracts.DecisionRejected:
			return contracts.StatusRejected
		}
	}
	return contracts.StatusPending
}

// Signature computes the digest binding a decision to a content state.
func Signature(contentHash string, decision contracts.Decision, actorID string, decidedAt time.Time) string {
	payload := fmt.Sprintf("%s:%s:%s:%s", contentHash, decision, actorID, decidedAt.UTC().Format(time.RFC3339Nano))
	return canonicalize.HashBytes([]byte(payload))
}

// VerifySignature recomputes a record's signature and reports whether it
// matches, detecting tampering with persisted records.
func VerifySignature(r *contracts.ApprovalRecord) bool {
	return r.SignatureHash == Signature(r.BoundContentHash, r.Decision, r.ActorID, r.DecidedAt)
}

func (l *Ledger) lock(orgID, artifactID string) func() {
	key := orgID + "/" + artifactID
	mu, _ := l.seqLocks.LoadOrStore(key, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}
