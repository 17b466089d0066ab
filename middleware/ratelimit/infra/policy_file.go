package infra

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"gopkg.in/yaml.v3"
)

// PolicySpec é o formato de configuração de uma classe:
//
//	auth:   { limit: 5,    window: 60, blockDuration: 30, weight: 2 }
//	api:    { limit: 100,  window: 60, blockDuration: 15, weight: 1 }
//	static: { limit: 1000, window: 60, blockDuration: 5,  weight: 0.1 }
//
// window em segundos, blockDuration em minutos, delays em milissegundos.
type PolicySpec struct {
	Limit         int      `yaml:"limit"`
	Window        int      `yaml:"window"`
	BlockDuration int      `yaml:"blockDuration"`
	Weight        *float64 `yaml:"weight"`
	DelayAfter    int      `yaml:"delayAfter"`
	DelayMs       int      `yaml:"delayMs"`
	MaxDelayMs    int      `yaml:"maxDelayMs"`
}

func (s PolicySpec) Policy(class domain.RouteClass) domain.Policy {
	weight := 1.0
	if s.Weight != nil {
		weight = *s.Weight
	}
	return domain.Policy{
		Class:         class,
		Limit:         s.Limit,
		Window:        time.Duration(s.Window) * time.Second,
		BlockDuration: time.Duration(s.BlockDuration) * time.Minute,
		Weight:        weight,
		DelayAfter:    s.DelayAfter,
		DelayStep:     time.Duration(s.DelayMs) * time.Millisecond,
		MaxDelay:      time.Duration(s.MaxDelayMs) * time.Millisecond,
	}
}

// ParsePolicies lê e valida a tabela. Campos ou classes desconhecidos são erro.
func ParsePolicies(r io.Reader) (domain.PolicyTable, error) {
	var raw map[string]PolicySpec

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty policy file", domain.ErrMissingPolicy)
		}
		return nil, fmt.Errorf("decode policies: %w", err)
	}

	table := make(domain.PolicyTable, len(raw))
	for name, spec := range raw {
		class, err := domain.ParseRouteClass(name)
		if err != nil {
			return nil, err
		}
		table[class] = spec.Policy(class)
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}

func LoadPolicyFile(path string) (domain.PolicyTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open policy file: %w", err)
	}
	defer f.Close()

	table, err := ParsePolicies(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return table, nil
}
