package review

import (
	"fmt"

	"redub/internal/config"
)

// AutoApproval is the verdict of the correction auto-approve policy.
type AutoApproval struct {
	Eligible bool
	Reason   string
	Changes  int
}

// EvaluateAutoApproval applies the correction policy to a diff document: the
// correction passes without a human when the policy is enabled, the diff
// exists, every change is punctuation-only, and the change count stays under
// the configured ceiling. Any other gate always needs a human.
func EvaluateAutoApproval(cfg config.Review, diff *Diff) AutoApproval {
	if !cfg.AutoApproveCorrections {
		return AutoApproval{Reason: "auto-approval disabled"}
	}
	if diff == nil {
		return AutoApproval{Reason: "no diff document"}
	}
	verdict := AutoApproval{Changes: diff.ChangeCount}
	if !diff.PunctuationOnly {
		verdict.Reason = "changes go beyond punctuation"
		return verdict
	}
	if diff.ChangeCount >= cfg.AutoApproveMaxChanges {
		verdict.Reason = fmt.Sprintf("%d changes reach the ceiling of %d", diff.ChangeCount, cfg.AutoApproveMaxChanges)
		return verdict
	}
	verdict.Eligible = true
	verdict.Reason = fmt.Sprintf("auto-approved: %d punctuation-only changes", diff.ChangeCount)
	return verdict
}
