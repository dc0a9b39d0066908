package registry

import (
	"fmt"
	"sort"

	"github.com/tiger/voice-orchestrator/internal/runtime/provider/contracts"
)

// Catalog stores provider adapters by modality with deterministic ordering.
type Catalog struct {
	providers map[contracts.Modality]map[string]contracts.Provider
}

// NewCatalog indexes providers, rejecting duplicates and unknown modalities.
func NewCatalog(providers ...contracts.Provider) (Catalog, error) {
	catalog := Catalog{providers: make(map[contracts.Modality]map[string]contracts.Provider)}
	for _, p := range providers {
		if p == nil {
			return Catalog{}, fmt.Errorf("provider cannot be nil")
		}
		modality := p.Modality()
		if err := modality.Validate(); err != nil {
			return Catalog{}, err
		}
		id := p.ProviderID()
		if id == "" {
			return Catalog{}, fmt.Errorf("provider_id is required")
		}
		if catalog.providers[modality] == nil {
			catalog.providers[modality] = make(map[string]contracts.Provider)
		}
		if _, exists := catalog.providers[modality][id]; exists {
			return Catalog{}, fmt.Errorf("duplicate provider_id %q for modality %q", id, modality)
		}
		catalog.providers[modality][id] = p
	}
	return catalog, nil
}

// ProviderIDs returns sorted provider ids for a modality.
func (c Catalog) ProviderIDs(modality contracts.Modality) []string {
	ids := make([]string, 0, len(c.providers[modality]))
	for id := range c.providers[modality] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c Catalog) lookup(modality contracts.Modality, id string) (contracts.Provider, error) {
	p, ok := c.providers[modality][id]
	if !ok {
		return nil, fmt.Errorf("no %s provider %q registered", modality, id)
	}
	return p, nil
}

// Transcription returns the transcription provider registered under id.
func (c Catalog) Transcription(id string) (contracts.TranscriptionProvider, error) {
	p, err := c.lookup(contracts.ModalitySTT, id)
	if err != nil {
		return nil, err
	}
	tp, ok := p.(contracts.TranscriptionProvider)
	if !ok {
		return nil, fmt.Errorf("provider %q does not implement transcription", id)
	}
	return tp, nil
}

// Reasoning returns the reasoning provider registered under id.
func (c Catalog) Reasoning(id string) (contracts.ReasoningProvider, error) {
	p, err := c.lookup(contracts.ModalityLLM, id)
	if err != nil {
		return nil, err
	}
	rp, ok := p.(contracts.ReasoningProvider)
	if !ok {
		return nil, fmt.Errorf("provider %q does not implement reasoning", id)
	}
	return rp, nil
}

// Synthesis returns the synthesis provider registered under id.
func (c Catalog) Synthesis(id string) (contracts.SynthesisProvider, error) {
	p, err := c.lookup(contracts.ModalityTTS, id)
	if err != nil {
		return nil, err
	}
	sp, ok := p.(contracts.SynthesisProvider)
	if !ok {
		return nil, fmt.Errorf("provider %q does not implement synthesis", id)
	}
	return sp, nil
}

// Summary renders provider counts by modality.
func (c Catalog) Summary() string {
	return fmt.Sprintf("providers registered: stt=%d llm=%d tts=%d",
		len(c.providers[contracts.ModalitySTT]),
		len(c.providers[contracts.ModalityLLM]),
		len(c.providers[contracts.ModalityTTS]))
}
