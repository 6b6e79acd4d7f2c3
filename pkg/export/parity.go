package export

import (
	"context"
	"time"

	"github.com/valdrix/enforcement/pkg/canonicalize"
)

// ParityReport is the anti-tamper view of a window: the digests an external
// holder of a bundle can recompute and compare, plus the lineage entries
// behind them.
type ParityReport struct {
	TenantID   string `json:"tenant_id"`
	WindowFrom string `json:"window_from"`
	WindowTo   string `json:"window_to"`

	Counts         map[string]int    `json:"counts"`
	Files          map[string]string `json:"files_sha256"`
	ManifestSHA256 string            `json:"manifest_sha256"`

	PolicyLineageSHA256          string                `json:"policy_lineage_sha256"`
	PolicyLineageEntries         []PolicyLineageEntry  `json:"policy_lineage_entries"`
	ComputedContextLineageSHA256 string                `json:"computed_context_lineage_sha256"`
	ComputedContextLineage       []ContextLineageEntry `json:"computed_context_lineage_entries"`
}

// Parity rebuilds the window and reports its digests. A report that matches
// a previously exported bundle proves the underlying rows have not changed.
func (b *Builder) Parity(ctx context.Context, tenantID string, from, to time.Time) (*ParityReport, error) {
	bundle, err := b.Build(ctx, tenantID, from, to)
	if err != nil {
		return nil, err
	}
	return &ParityReport{
		TenantID:                     bundle.TenantID,
		WindowFrom:                   bundle.Manifest.WindowFrom,
		WindowTo:                     bundle.Manifest.WindowTo,
		Counts:                       bundle.Manifest.Counts,
		Files:                        bundle.Manifest.Files,
		ManifestSHA256:               canonicalize.HashBytes(bundle.Files[FileManifest]),
		PolicyLineageSHA256:          bundle.Manifest.PolicyLineageSHA256,
		PolicyLineageEntries:         bundle.PolicyLineage,
		ComputedContextLineageSHA256: bundle.Manifest.ComputedContextLineageSHA256,
		ComputedContextLineage:       bundle.ContextLineage,
	}, nil
}
