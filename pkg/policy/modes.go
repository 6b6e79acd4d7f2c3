package policy

import (
	"github.com/valdrix/enforcement/pkg/contracts"
)

// ModeFor resolves the fail-safe enforcement mode for one gate call and
// returns the mode together with the scope string recorded on the decision
// (e.g. "terraform_mode_prod"). Resolution order: per-process override,
// policy document cell, HARD. A nil document fails closed.
func ModeFor(doc *contracts.PolicyDocument, source contracts.Source, environment string, overrides map[string]string) (contracts.Mode, string) {
	scope := ModeScope(source, environment)

	if v, ok := overrides[scope]; ok {
		if m := contracts.Mode(v); contracts.KnownMode(m) {
			return m, scope
		}
	}
	if doc == nil {
		return contracts.ModeHard, scope
	}

	env := contracts.NormalizeEnvironment(environment)
	prod := env == contracts.EnvProd
	switch source {
	case contracts.SourceTerraform:
		if prod {
			return doc.TerraformModeProd, scope
		}
		return doc.TerraformModeNonProd, scope
	case contracts.SourceK8sAdmission:
		if prod {
			return doc.K8sModeProd, scope
		}
		return doc.K8sModeNonProd, scope
	default:
		// cloud_event and generic have no document cell; they fail closed
		// unless an override opens them up.
		return contracts.ModeHard, scope
	}
}

// ModeScope renders the mode-matrix cell name for a (source, environment)
// pair.
func ModeScope(source contracts.Source, environment string) string {
	return string(source) + "_mode_" + contracts.NormalizeEnvironment(environment)
}

// FailSafeStatus maps a mode to the decision status emitted when evaluation
// could not complete.
func FailSafeStatus(mode contracts.Mode) contracts.Status {
	switch mode {
	case contracts.ModeShadow:
		return contracts.StatusFailSafeAllow
	case contracts.ModeSoft:
		return contracts.StatusFailSafeRequireApproval
	default:
		return contracts.StatusFailSafeDeny
	}
}
