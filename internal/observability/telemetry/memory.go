package telemetry

import "sync"

// Sample is one recorded metric emission.
type Sample struct {
	Name        string
	Value       float64
	Attributes  map[string]string
	Correlation Correlation
}

// MemoryEmitter is an in-memory emitter used by tests.
type MemoryEmitter struct {
	mu      sync.Mutex
	samples []Sample
}

// NewMemoryEmitter returns an empty in-memory emitter.
func NewMemoryEmitter() *MemoryEmitter {
	return &MemoryEmitter{samples: make([]Sample, 0, 64)}
}

// EmitMetric appends a sample.
func (m *MemoryEmitter) EmitMetric(name string, value float64, attributes map[string]string, correlation Correlation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, Sample{
		Name:        name,
		Value:       value,
		Attributes:  cloneAttributes(attributes),
		Correlation: correlation,
	})
}

// Samples returns a copy of all recorded samples.
func (m *MemoryEmitter) Samples() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Sample, len(m.samples))
	copy(out, m.samples)
	return out
}

// Named returns recorded samples with the given metric name.
func (m *MemoryEmitter) Named(name string) []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Sample
	for _, s := range m.samples {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

// Sum adds the values of samples with name whose attributes contain match.
func (m *MemoryEmitter) Sum(name string, match map[string]string) float64 {
	total := 0.0
	for _, s := range m.Named(name) {
		ok := true
		for k, v := range match {
			if s.Attributes[k] != v {
				ok = false
				break
			}
		}
		if ok {
			total += s.Value
		}
	}
	return total
}
