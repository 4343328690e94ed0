// Package gaps computes evidence coverage for a control over an audit
// period. Coverage gaps and pending approvals are reported states, not
// errors: the output enumerates the exact sub-intervals missing evidence
// ("you are missing evidence for March").
package gaps

import (
	"context"
	"fmt"
	"time"

	"github.com/trailproof/core/pkg/approval"
	"github.com/trailproof/core/pkg/contracts"
	"github.com/trailproof/core/pkg/store"
)

// Detector answers coverage queries. It is read-only and side-effect free,
// so it may run concurrently with ongoing syncs.
type Detector struct {
	artifacts store.ArtifactStore
	controls  store.ControlStore
	ledger    *approval.Ledger
}

func NewDetector(artifacts store.ArtifactStore, controls store.ControlStore, ledger *approval.Ledger) *Detector {
	return &Detector{artifacts: artifacts, controls: controls, ledger: ledger}
}

// Coverage partitions the period by the control's required granularity and
// checks each sub-interval for at least one artifact that (a) has its
// content period overlapping the sub-interval, (b) is mapped to the control,
// and (c) is currently approved. Approval-gating is load-bearing: a mapped
// but pending artifact does not cover anything.
//
// Zero mapped artifacts over the whole period reports missing, not partial —
// "we never collected anything" is a different problem than "we collected
// some but not all months".
func (d *Detector) Coverage(ctx context.Context, orgID, controlID string, period contracts.Interval) (*contracts.CoverageReport, error) {
	control, err := d.controls.GetControl(ctx, controlID)
	if err != nil {
		return nil, err
	}
	if period.End.Before(period.Start) {
		return nil, contracts.NewValidationError("period", "end precedes start")
	}

	subIntervals := Partition(period, control.Granularity)

	candidates, err := d.artifacts.ListForControl(ctx, orgID, controlID, period.Start, period.End)
	if err != nil {
		return nil, fmt.Errorf("failed to list candidate artifacts: %w", err)
	}

	approved := make([]*contracts.EvidenceArtifact, 0, len(candidates))
	for _, a := range candidates {
		status, err := d.ledger.CurrentStatus(ctx, orgID, a.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to derive status for artifact %s: %w", a.ID, err)
		}
		if status == contracts.StatusApproved {
			approved = append(approved, a)
		}
	}

	report := &contracts.CoverageReport{
		OrgID:       orgID,
		ControlID:   controlID,
		Period:      period,
		Granularity: control.Granularity,
		Covered:     make([]contracts.Interval, 0, len(subIntervals)),
		Gaps:        make([]contracts.Interval, 0),
	}
	for _, sub := range subIntervals {
		if covered(approved, sub) {
			report.Covered = append(report.Covered, sub)
		} else {
			report.Gaps = append(report.Gaps, sub)
		}
	}

	switch {
	case len(report.Gaps) == 0:
		report.Status = contracts.CoverageComplete
	case len(report.Covered) == 0:
		report.Status = contracts.CoverageMissing
	default:
		report.Status = contracts.CoveragePartial
	}
	return report, nil
}

func covered(artifacts []*contracts.EvidenceArtifact, sub contracts.Interval) bool {
	for _, a := range artifacts {
		if !a.PeriodStart.After(sub.End) && !a.PeriodEnd.Before(sub.Start) {
			return true
		}
	}
	return false
}

// Partition splits a period into calendar-aligned sub-intervals of the
// required granularity, clipped to the period bounds. Weekly windows run
// seven days from the period start rather than being ISO-week aligned.
func Partition(period contracts.Interval, g contracts.Granularity) []contracts.Interval {
	switch g {
	case contracts.GranularityDaily:
		return stepped(period, func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }, truncateDay)
	case contracts.GranularityWeekly:
		return stepped(period, func(t time.Time) time.Time { return t.AddDate(0, 0, 7) }, func(t time.Time) time.Time { return t })
	case contracts.GranularityQuarterly:
		return stepped(period, func(t time.Time) time.Time { return t.AddDate(0, 3, 0) }, truncateQuarter)
	case contracts.GranularityMonthly:
		fallthrough
	default:
		return stepped(period, func(t time.Time) time.Time { return t.AddDate(0, 1, 0) }, truncateMonth)
	}
}

// stepped walks aligned boundaries from align(period.Start), emitting each
// [boundary, next-1ns] window clipped to the period.
func stepped(period contracts.Interval, next func(time.Time) time.Time, align func(time.Time) time.Time) []contracts.Interval {
	var result []contracts.Interval
	for cursor := align(period.Start); !cursor.After(period.End); cursor = next(cursor) {
		sub := contracts.Interval{Start: cursor, End: next(cursor).Add(-time.Nanosecond)}
		if sub.Start.Before(period.Start) {
			sub.Start = period.Start
		}
		if sub.End.After(period.End) {
			sub.End = period.End
		}
		result = append(result, sub)
	}
	return result
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func truncateMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

func truncateQuarter(t time.Time) time.Time {
	quarterStart := ((int(t.Month()) - 1) / 3 * 3) + 1
	return time.Date(t.Year(), time.Month(quarterStart), 1, 0, 0, 0, 0, t.Location())
}
