package gaps

import (
	"context"

	"github.com/trailproof/core/pkg/contracts"
	"github.com/trailproof/core/pkg/store"
)

// BaselineControls is the built-in SOC 2 system-operations slice of the
// control catalog. Deployments extend it through PutControl; the baseline
// matches the controls the default mapping rules score against.
func BaselineControls() []*contracts.Control {
	return []*contracts.Control{
		{
			ID:          "CC7.1",
			Framework:   "SOC2",
			Name:        "Change Management",
			Description: "Infrastructure and software changes are authorized, tested, and approved prior to deployment.",
			Granularity: contracts.GranularityMonthly,
		},
		{
			ID:          "CC7.2",
			Framework:   "SOC2",
			Name:        "Incident Monitoring",
			Description: "The entity monitors system components for anomalies indicative of malicious acts or errors.",
			Granularity: contracts.GranularityMonthly,
		},
		{
			ID:          "CC7.3",
			Framework:   "SOC2",
			Name:        "Incident Response",
			Description: "Security events are evaluated, escalated, and remediated according to defined procedures.",
			Granularity: contracts.GranularityQuarterly,
		},
	}
}

// SeedBaseline upserts the baseline catalog. Safe to run on every startup.
func SeedBaseline(ctx context.Context, controls store.ControlStore) error {
	for _, c := range BaselineControls() {
		if err := controls.PutControl(ctx, c); err != nil {
			return err
		}
	}
	return nil
}
