// Package export builds deterministic parity bundles: fixed-order CSVs of a
// tenant's decisions, approvals, reservations, and ledger rows for a time
// window, plus a canonical signed manifest carrying the file digests and the
// policy and computed-context lineage hashes. Two exports of the same window
// over the same data are byte-for-byte identical.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/valdrix/enforcement/pkg/canonicalize"
	"github.com/valdrix/enforcement/pkg/contracts"
	"github.com/valdrix/enforcement/pkg/decisionledger"
)

// Bundle file names, in archive order.
const (
	FileDecisions    = "decisions.csv"
	FileApprovals    = "approvals.csv"
	FileReservations = "reservations.csv"
	FileLedger       = "ledger.csv"
	FileManifest     = "manifest.canonical.json"
	FileManifestHash = "manifest.sha256"
	FileManifestSig  = "manifest.sig"
)

// csvOrder is the fixed CSV order inside bundle and manifest.
var csvOrder = []string{FileDecisions, FileApprovals, FileReservations, FileLedger}

// Manifest is the canonical bundle metadata. Every field is derived from
// the window's data, never from the wall clock, so re-exports reproduce the
// same canonical bytes.
type Manifest struct {
	TenantID   string `json:"tenant_id"`
	WindowFrom string `json:"window_from"`
	WindowTo   string `json:"window_to"`

	Counts map[string]int    `json:"counts"`
	Files  map[string]string `json:"files_sha256"`

	PolicyLineageSHA256           string `json:"policy_lineage_sha256"`
	PolicyLineageEntries          int    `json:"policy_lineage_entries"`
	ComputedContextLineageSHA256  string `json:"computed_context_lineage_sha256"`
	ComputedContextLineageEntries int    `json:"computed_context_lineage_entries"`

	SigningKID string `json:"signing_kid"`
}

// Bundle is one built export: the CSVs plus the signed manifest trio.
type Bundle struct {
	TenantID string
	From, To time.Time

	Files    map[string][]byte
	Manifest Manifest

	PolicyLineage  []PolicyLineageEntry
	ContextLineage []ContextLineageEntry
}

// Stores is the read surface the builder needs.
type Stores struct {
	Decisions interface {
		ListDecisions(ctx context.Context, tenantID string, from, to time.Time) ([]contracts.Decision, error)
		Entries(ctx context.Context, tenantID string, from, to time.Time) ([]decisionledger.Entry, error)
	}
	Approvals interface {
		ListWindow(ctx context.Context, tenantID string, from, to time.Time) ([]contracts.ApprovalRequest, error)
	}
	Reservations interface {
		ListWindow(ctx context.Context, tenantID string, from, to time.Time) ([]contracts.ReservationAllocation, error)
	}
}

// Builder assembles and signs bundles.
type Builder struct {
	stores Stores
	signer *Signer
}

// NewBuilder wires a builder over the stores and manifest signer.
func NewBuilder(stores Stores, signer *Signer) *Builder {
	return &Builder{stores: stores, signer: signer}
}

// Build produces the bundle for [from, to).
func (b *Builder) Build(ctx context.Context, tenantID string, from, to time.Time) (*Bundle, error) {
	if !from.Before(to) {
		return nil, fmt.Errorf("%w: export window is empty", contracts.ErrInvalidRequest)
	}
	from, to = from.UTC(), to.UTC()

	decisions, err := b.stores.Decisions.ListDecisions(ctx, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("export: list decisions: %w", err)
	}
	approvals, err := b.stores.Approvals.ListWindow(ctx, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("export: list approvals: %w", err)
	}
	reservations, err := b.stores.Reservations.ListWindow(ctx, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("export: list reservations: %w", err)
	}
	entries, err := b.stores.Decisions.Entries(ctx, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("export: list ledger entries: %w", err)
	}

	files := map[string][]byte{
		FileDecisions:    decisionsCSV(decisions),
		FileApprovals:    approvalsCSV(approvals),
		FileReservations: reservationsCSV(reservations),
		FileLedger:       ledgerCSV(entries),
	}

	manifest := Manifest{
		TenantID:   tenantID,
		WindowFrom: stamp(from),
		WindowTo:   stamp(to),
		Counts: map[string]int{
			FileDecisions:    len(decisions),
			FileApprovals:    len(approvals),
			FileReservations: len(reservations),
			FileLedger:       len(entries),
		},
		Files:      map[string]string{},
		SigningKID: b.signer.KID(),
	}
	for _, name := range csvOrder {
		manifest.Files[name] = canonicalize.HashBytes(files[name])
	}

	policyDigest, policyEntries, err := policyLineage(decisions)
	if err != nil {
		return nil, err
	}
	contextDigest, contextEntries, err := contextLineage(decisions)
	if err != nil {
		return nil, err
	}
	manifest.PolicyLineageSHA256 = policyDigest
	manifest.PolicyLineageEntries = len(policyEntries)
	manifest.ComputedContextLineageSHA256 = contextDigest
	manifest.ComputedContextLineageEntries = len(contextEntries)

	canonical, digest, sig, err := b.signer.Sign(manifest)
	if err != nil {
		return nil, err
	}
	files[FileManifest] = canonical
	files[FileManifestHash] = []byte(digest + "\n")
	files[FileManifestSig] = []byte(sig + "\n")

	return &Bundle{
		TenantID: tenantID, From: from, To: to,
		Files: files, Manifest: manifest,
		PolicyLineage: policyEntries, ContextLineage: contextEntries,
	}, nil
}

// PolicyLineageEntry is one (version, document) bucket with its decision
// count in the window.
type PolicyLineageEntry struct {
	PolicyVersion        int    `json:"policy_version"`
	PolicyDocumentSHA256 string `json:"policy_document_sha256"`
	DecisionCount        int    `json:"decision_count"`
}

func policyLineage(decisions []contracts.Decision) (string, []PolicyLineageEntry, error) {
	buckets := map[PolicyLineageEntry]int{}
	for _, d := range decisions {
		key := PolicyLineageEntry{PolicyVersion: d.PolicyVersion, PolicyDocumentSHA256: d.PolicyDocumentSHA256}
		buckets[key]++
	}
	entries := make([]PolicyLineageEntry, 0, len(buckets))
	for key, n := range buckets {
		key.DecisionCount = n
		entries = append(entries, key)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].PolicyVersion != entries[j].PolicyVersion {
			return entries[i].PolicyVersion < entries[j].PolicyVersion
		}
		return entries[i].PolicyDocumentSHA256 < entries[j].PolicyDocumentSHA256
	})
	digest, err := canonicalize.Hash(entries)
	if err != nil {
		return "", nil, fmt.Errorf("export: policy lineage: %w", err)
	}
	return digest, entries, nil
}

// ContextLineageEntry is one (context version, month window, data source
// mode) bucket with its decision count.
type ContextLineageEntry struct {
	ContextVersion int    `json:"context_version"`
	MonthStart     string `json:"month_start"`
	MonthEnd       string `json:"month_end"`
	DataSourceMode string `json:"data_source_mode"`
	DecisionCount  int    `json:"decision_count"`
}

func contextLineage(decisions []contracts.Decision) (string, []ContextLineageEntry, error) {
	buckets := map[ContextLineageEntry]int{}
	for _, d := range decisions {
		key := ContextLineageEntry{
			ContextVersion: d.ComputedContext.ContextVersion,
			MonthStart:     stamp(d.ComputedContext.MonthStart),
			MonthEnd:       stamp(d.ComputedContext.MonthEnd),
			DataSourceMode: string(d.ComputedContext.DataSourceMode),
		}
		buckets[key]++
	}
	entries := make([]ContextLineageEntry, 0, len(buckets))
	for key, n := range buckets {
		key.DecisionCount = n
		entries = append(entries, key)
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.ContextVersion != b.ContextVersion {
			return a.ContextVersion < b.ContextVersion
		}
		if a.MonthStart != b.MonthStart {
			return a.MonthStart < b.MonthStart
		}
		return a.DataSourceMode < b.DataSourceMode
	})
	digest, err := canonicalize.Hash(entries)
	if err != nil {
		return "", nil, fmt.Errorf("export: context lineage: %w", err)
	}
	return digest, entries, nil
}

func decisionsCSV(decisions []contracts.Decision) []byte {
	rows := [][]string{{
		"decision_id", "tenant_id", "source", "action", "project_id", "environment",
		"resource_ref", "status", "reason_code", "estimated_monthly_delta_usd",
		"estimated_hourly_delta_usd", "policy_version", "policy_document_sha256",
		"mode_scope", "computed_context_version", "computed_context_generated_at",
		"month_start", "month_end", "data_source_mode", "approval_request_id",
		"created_at",
	}}
	for _, d := range decisions {
		rows = append(rows, []string{
			d.ID, d.TenantID, string(d.Source), d.Action, d.ProjectID, d.Environment,
			d.ResourceRef, string(d.Status), d.ReasonCode, d.EstimatedMonthly.String(),
			d.EstimatedHourly.String(), strconv.Itoa(d.PolicyVersion), d.PolicyDocumentSHA256,
			d.ModeScope, strconv.Itoa(d.ComputedContext.ContextVersion),
			stamp(d.ComputedContext.GeneratedAt), stamp(d.ComputedContext.MonthStart),
			stamp(d.ComputedContext.MonthEnd), string(d.ComputedContext.DataSourceMode),
			d.ApprovalRequestID, stamp(d.CreatedAt),
		})
	}
	return writeCSV(rows)
}

func approvalsCSV(approvals []contracts.ApprovalRequest) []byte {
	rows := [][]string{{
		"approval_id", "decision_id", "tenant_id", "requester_id", "status",
		"routing_rule_id", "quorum_required", "quorum_count", "reviewer_id",
		"reviewed_at", "expires_at", "created_at",
	}}
	for _, a := range approvals {
		reviewed := ""
		if a.ReviewedAt != nil {
			reviewed = stamp(*a.ReviewedAt)
		}
		rows = append(rows, []string{
			a.ID, a.DecisionID, a.TenantID, a.RequesterID, string(a.Status),
			a.RoutingRuleID, strconv.Itoa(a.QuorumRequired), strconv.Itoa(a.QuorumCount),
			a.ReviewerID, reviewed, stamp(a.ExpiresAt), stamp(a.CreatedAt),
		})
	}
	return writeCSV(rows)
}

func reservationsCSV(allocs []contracts.ReservationAllocation) []byte {
	rows := [][]string{{
		"reservation_id", "decision_id", "tenant_id", "grant_id", "pool_type",
		"amount_usd", "settled_usd", "state", "expires_at", "created_at", "updated_at",
	}}
	for _, a := range allocs {
		rows = append(rows, []string{
			a.ID, a.DecisionID, a.TenantID, a.GrantID, string(a.PoolType),
			a.Amount.String(), a.Settled.String(), string(a.State), stamp(a.ExpiresAt),
			stamp(a.CreatedAt), stamp(a.UpdatedAt),
		})
	}
	return writeCSV(rows)
}

func ledgerCSV(entries []decisionledger.Entry) []byte {
	rows := [][]string{{
		"entry_id", "decision_id", "tenant_id", "transition", "snapshot_sha256", "created_at",
	}}
	for _, e := range entries {
		rows = append(rows, []string{
			e.ID, e.DecisionID, e.TenantID, e.Transition, e.SnapshotSHA256, stamp(e.CreatedAt),
		})
	}
	return writeCSV(rows)
}

func writeCSV(rows [][]string) []byte {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	for _, row := range rows {
		// Write on a bytes.Buffer cannot fail.
		_ = w.Write(row)
	}
	w.Flush()
	return buf.Bytes()
}

// stamp renders a timestamp the one way exports use: UTC RFC 3339 with
// nanoseconds trimmed.
func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
