package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dealgraph/dealgraph/internal/adapter/ai"
	"github.com/dealgraph/dealgraph/internal/adapter/observability"
	"github.com/dealgraph/dealgraph/internal/domain"
)

const contradictionSystem = `You compare pairs of due-diligence findings from the same deal and
decide whether each pair contradicts: the two statements cannot both be true. Different values
for the same metric in the same period contradict. Statements about different periods, different
entities, or merely different aspects do not. Answer for every pair you are given.`

var contradictionSchema = map[string]any{
	"type": "array",
	"items": map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pair":        map[string]any{"type": "integer"},
			"contradicts": map[string]any{"type": "boolean"},
			"confidence":  map[string]any{"type": "number"},
			"reason":      map[string]any{"type": "string"},
		},
		"required": []string{"pair", "contradicts", "confidence"},
	},
}

type findingPair struct {
	a domain.Finding
	b domain.Finding
}

type pairVerdict struct {
	Pair        int     `json:"pair"`
	Contradicts bool    `json:"contradicts"`
	Confidence  float64 `json:"confidence"`
	Reason      string  `json:"reason"`
}

// HandleDetectContradictions compares the deal's findings pairwise
// within each domain. The stage is deal-scoped and leaves document
// status untouched; a bad comparator batch is logged and skipped.
func (d *Deps) HandleDetectContradictions(ctx domain.Context, job domain.Job) (any, error) {
	var p domain.DetectContradictionsPayload
	if err := json.Unmarshal(job.Data, &p); err != nil {
		return nil, fmt.Errorf("op=handlers.contradictions: bad payload: %w", domain.ErrInvalidArgument)
	}
	if p.DealID == "" {
		return nil, fmt.Errorf("op=handlers.contradictions: deal_id required: %w", domain.ErrInvalidArgument)
	}
	start := time.Now()
	defer func() { observability.ObserveStage(domain.StageLabelDetectContradictions, time.Since(start).Seconds()) }()

	findings, err := d.Findings.ListByDeal(ctx, p.DealID, true)
	if err != nil {
		return nil, fmt.Errorf("op=handlers.contradictions deal=%s: %w", p.DealID, err)
	}
	pairs := candidatePairs(findings, d.maxFindingsPerDomain())
	if len(pairs) == 0 {
		return map[string]any{"pairs": 0, "contradictions": 0}, nil
	}

	orgID, err := d.organizationID(ctx, p.DealID)
	if err != nil {
		slog.Warn("organization lookup failed", "deal_id", p.DealID, "error", err)
	}
	scope := ai.Scope{OrganizationID: orgID, DealID: p.DealID, UserID: p.UserID}

	threshold := d.Cfg.ContradictionConfidenceThreshold
	if threshold <= 0 {
		threshold = 0.70
	}
	batchSize := d.Cfg.ContradictionBatchSize
	if batchSize <= 0 {
		batchSize = 5
	}

	inserted := 0
	for lo := 0; lo < len(pairs); lo += batchSize {
		hi := lo + batchSize
		if hi > len(pairs) {
			hi = len(pairs)
		}
		batch := pairs[lo:hi]
		verdicts, err := d.comparePairs(ctx, scope, batch)
		if err != nil {
			slog.Warn("contradiction batch failed", "deal_id", p.DealID, "batch_start", lo, "error", err)
			continue
		}
		for _, v := range verdicts {
			if v.Pair < 0 || v.Pair >= len(batch) {
				continue
			}
			observability.ObserveContradictionConfidence(v.Confidence)
			if !v.Contradicts || v.Confidence < threshold {
				continue
			}
			pair := batch[v.Pair]
			ok, ierr := d.Contradictions.Insert(ctx, domain.Contradiction{
				ID:         uuid.NewString(),
				DealID:     p.DealID,
				FindingAID: pair.a.ID,
				FindingBID: pair.b.ID,
				Confidence: clamp01(v.Confidence),
				Reason:     v.Reason,
				Status:     domain.ContradictionUnresolved,
				DetectedAt: d.clock(),
			})
			if ierr != nil {
				slog.Warn("contradiction insert failed", "deal_id", p.DealID, "error", ierr)
				continue
			}
			if !ok {
				continue
			}
			inserted++
			d.publish(ctx, domain.Event{
				Type:           domain.EventContradictionDetected,
				DealID:         p.DealID,
				OrganizationID: orgID,
				Payload: map[string]any{
					"finding_a_id": pair.a.ID,
					"finding_b_id": pair.b.ID,
					"confidence":   v.Confidence,
					"reason":       v.Reason,
				},
			})
		}
	}
	return map[string]any{"pairs": len(pairs), "contradictions": inserted}, nil
}

func (d *Deps) maxFindingsPerDomain() int {
	if d.Cfg.MaxFindingsPerDomain > 0 {
		return d.Cfg.MaxFindingsPerDomain
	}
	return 100
}

// candidatePairs groups findings by domain, caps each group at maxPer
// by confidence, and drops pairs that cannot contradict before any
// model call.
func candidatePairs(findings []domain.Finding, maxPer int) []findingPair {
	byDomain := make(map[domain.FindingDomain][]domain.Finding)
	for _, f := range findings {
		byDomain[f.Domain] = append(byDomain[f.Domain], f)
	}
	var pairs []findingPair
	domains := make([]domain.FindingDomain, 0, len(byDomain))
	for dom := range byDomain {
		domains = append(domains, dom)
	}
	sort.Slice(domains, func(i, j int) bool { return domains[i] < domains[j] })
	for _, dom := range domains {
		group := byDomain[dom]
		sort.SliceStable(group, func(i, j int) bool { return group[i].Confidence > group[j].Confidence })
		if len(group) > maxPer {
			group = group[:maxPer]
		}
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				if skipPair(group[i], group[j]) {
					continue
				}
				pairs = append(pairs, findingPair{a: group[i], b: group[j]})
			}
		}
	}
	return pairs
}

// skipPair prefilters pairs that cannot be contradictions: the same
// normalized statement, the same source chunk, or explicitly different
// referenced dates.
func skipPair(a, b domain.Finding) bool {
	if normalizeText(a.Text) == normalizeText(b.Text) {
		return true
	}
	if a.ChunkID != nil && b.ChunkID != nil && *a.ChunkID == *b.ChunkID {
		return true
	}
	da, db := dateReferenced(a), dateReferenced(b)
	if da != "" && db != "" && da != db {
		return true
	}
	return false
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func dateReferenced(f domain.Finding) string {
	if f.Metadata == nil {
		return ""
	}
	if v, ok := f.Metadata["date_referenced"].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// comparePairs asks the model for a verdict on each pair in one call.
func (d *Deps) comparePairs(ctx domain.Context, scope ai.Scope, batch []findingPair) ([]pairVerdict, error) {
	var b strings.Builder
	for i, p := range batch {
		fmt.Fprintf(&b, "Pair %d:\nA: %s\nB: %s\n\n", i, p.a.Text, p.b.Text)
	}
	resp, err := d.generate(ctx, scope, "detect-contradictions", domain.LLMRequest{
		System:     contradictionSystem,
		Prompt:     b.String(),
		Tier:       domain.TierFlash,
		JSONSchema: contradictionSchema,
	})
	if err != nil {
		return nil, err
	}
	var verdicts []pairVerdict
	if err := json.Unmarshal([]byte(cleanJSONText(resp.Text)), &verdicts); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSchemaInvalid, err)
	}
	return verdicts, nil
}
