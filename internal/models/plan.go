package models

import "fmt"

// QueryPlan describes one retrieval request: search terms, an optional
// pre-computed query embedding, modality filters/weights, and fusion weights.
type QueryPlan struct {
	Terms  []string  `json:"terms"`
	Vector []float32 `json:"vector,omitempty"`
	// Modalities filters candidates; empty means all modalities.
	Modalities []Modality `json:"modalities,omitempty"`
	// ModalityWeights multiply fused scores per modality; unset means 1.0.
	ModalityWeights map[Modality]float64 `json:"modality_weights,omitempty"`
	// LexicalWeight and SemanticWeight are the fusion weights. When both are
	// zero the configured defaults apply.
	LexicalWeight  float64 `json:"lexical_weight,omitempty"`
	SemanticWeight float64 `json:"semantic_weight,omitempty"`
	TopK           int     `json:"top_k,omitempty"`
}

// Validate normalizes the plan: at least one of terms/vector must be present,
// TopK is defaulted and capped, and unknown modalities are rejected.
func (p *QueryPlan) Validate(defaultTopK, maxTopK int) error {
	if len(p.Terms) == 0 && len(p.Vector) == 0 {
		return fmt.Errorf("query plan needs search terms or a query vector")
	}
	for _, m := range p.Modalities {
		if !m.Valid() {
			return fmt.Errorf("unknown modality %q", m)
		}
	}
	for m := range p.ModalityWeights {
		if !m.Valid() {
			return fmt.Errorf("unknown modality %q in weights", m)
		}
	}
	if p.TopK <= 0 {
		p.TopK = defaultTopK
	}
	if maxTopK > 0 && p.TopK > maxTopK {
		p.TopK = maxTopK
	}
	if p.LexicalWeight < 0 || p.SemanticWeight < 0 {
		return fmt.Errorf("fusion weights must be non-negative")
	}
	return nil
}

// WantsModality reports whether the plan's modality filter admits m.
func (p *QueryPlan) WantsModality(m Modality) bool {
	if len(p.Modalities) == 0 {
		return true
	}
	for _, want := range p.Modalities {
		if want == m {
			return true
		}
	}
	return false
}

// ModalityWeight returns the configured weight for m, defaulting to 1.0.
func (p *QueryPlan) ModalityWeight(m Modality) float64 {
	if p.ModalityWeights == nil {
		return 1.0
	}
	if w, ok := p.ModalityWeights[m]; ok {
		return w
	}
	return 1.0
}
