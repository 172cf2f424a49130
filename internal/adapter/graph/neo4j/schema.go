package neo4j

import "strings"

// Entity labels admitted into the graph. The extractor may propose new
// surface forms but every node lands on one of these labels.
const (
	EntityCompany         = "Company"
	EntityPerson          = "Person"
	EntityFinancialMetric = "FinancialMetric"
	EntityFinding         = "Finding"
	EntityRisk            = "Risk"
)

var entityTypes = map[string]bool{
	EntityCompany:         true,
	EntityPerson:          true,
	EntityFinancialMetric: true,
	EntityFinding:         true,
	EntityRisk:            true,
}

// typePair is an allowed (source, target) combination for one edge type.
type typePair struct {
	source string
	target string
}

// edgeAllowList defines which entity types each relationship may join.
// Extraction output violating the list is dropped, not errored.
var edgeAllowList = map[string][]typePair{
	"WORKS_FOR": {
		{EntityPerson, EntityCompany},
	},
	"SUPERSEDES": {
		{EntityFinancialMetric, EntityFinancialMetric},
		{EntityFinding, EntityFinding},
	},
	"CONTRADICTS": {
		{EntityFinding, EntityFinding},
		{EntityFinancialMetric, EntityFinancialMetric},
	},
	"SUPPORTS": {
		{EntityFinding, EntityFinding},
		{EntityFinancialMetric, EntityFinding},
	},
	"EXTRACTED_FROM": {
		{EntityFinding, EntityCompany},
		{EntityFinancialMetric, EntityCompany},
	},
	"COMPETES_WITH": {
		{EntityCompany, EntityCompany},
	},
	"INVESTS_IN": {
		{EntityCompany, EntityCompany},
		{EntityPerson, EntityCompany},
	},
	"MENTIONS": {
		{EntityFinding, EntityCompany},
		{EntityFinding, EntityPerson},
		{EntityFinding, EntityFinancialMetric},
		{EntityFinding, EntityRisk},
	},
	"SUPPLIES": {
		{EntityCompany, EntityCompany},
	},
}

// edgeAllowed reports whether edge type rel may join source and target
// entity types.
func edgeAllowed(rel, sourceType, targetType string) bool {
	pairs, ok := edgeAllowList[strings.ToUpper(strings.TrimSpace(rel))]
	if !ok {
		return false
	}
	for _, p := range pairs {
		if p.source == sourceType && p.target == targetType {
			return true
		}
	}
	return false
}

// extractionSchema is the JSON schema handed to the LLM for episode
// extraction. Types and relationships mirror the allow-list above.
var extractionSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"entities": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name": map[string]any{"type": "string"},
					"type": map[string]any{
						"type": "string",
						"enum": []string{EntityCompany, EntityPerson, EntityFinancialMetric, EntityFinding, EntityRisk},
					},
					"summary": map[string]any{"type": "string"},
				},
				"required": []string{"name", "type"},
			},
		},
		"edges": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"source": map[string]any{"type": "string"},
					"target": map[string]any{"type": "string"},
					"type": map[string]any{
						"type": "string",
						"enum": []string{"WORKS_FOR", "SUPERSEDES", "CONTRADICTS", "SUPPORTS",
							"EXTRACTED_FROM", "COMPETES_WITH", "INVESTS_IN", "MENTIONS", "SUPPLIES"},
					},
					"fact": map[string]any{"type": "string"},
				},
				"required": []string{"source", "target", "type"},
			},
		},
	},
	"required": []string{"entities", "edges"},
}

const extractionSystem = `You extract a knowledge graph from M&A due-diligence text.
Identify companies, people, financial metrics, findings, and risks, and the
relationships between them. Use exact names from the text. Only emit
relationships from the provided enum. Omit anything uncertain.`
