// Package config provides the embedded model catalog (pricing per provider:model).
package config

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed modelcatalog.yaml
var modelCatalogYAML []byte

// ModelRate is the price per one million tokens for a provider:model pair.
type ModelRate struct {
	Provider         string  `yaml:"provider"`
	Model            string  `yaml:"model"`
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// ModelCatalog indexes rates by "provider:model".
type ModelCatalog struct {
	rates map[string]ModelRate
}

type modelCatalogYAMLDoc struct {
	Models []ModelRate `yaml:"models"`
}

var (
	catalogOnce sync.Once
	catalog     *ModelCatalog
	catalogErr  error
)

// LoadModelCatalog parses the embedded catalog once and returns it.
func LoadModelCatalog() (*ModelCatalog, error) {
	catalogOnce.Do(func() {
		var doc modelCatalogYAMLDoc
		if err := yaml.Unmarshal(modelCatalogYAML, &doc); err != nil {
			catalogErr = fmt.Errorf("op=config.LoadModelCatalog: %w", err)
			return
		}
		rates := make(map[string]ModelRate, len(doc.Models))
		for _, r := range doc.Models {
			rates[rateKey(r.Provider, r.Model)] = r
		}
		catalog = &ModelCatalog{rates: rates}
	})
	return catalog, catalogErr
}

// Rate looks up the rate for a provider:model pair.
func (mc *ModelCatalog) Rate(provider, model string) (ModelRate, bool) {
	r, ok := mc.rates[rateKey(provider, model)]
	return r, ok
}

// Cost computes the USD cost of a call. Unknown models cost zero so that
// accounting never blocks a pipeline stage.
func (mc *ModelCatalog) Cost(provider, model string, inputTokens, outputTokens int) float64 {
	r, ok := mc.Rate(provider, model)
	if !ok {
		return 0
	}
	return float64(inputTokens)*r.InputPerMillion/1e6 + float64(outputTokens)*r.OutputPerMillion/1e6
}

func rateKey(provider, model string) string {
	return strings.ToLower(strings.TrimSpace(provider)) + ":" + strings.ToLower(strings.TrimSpace(model))
}
