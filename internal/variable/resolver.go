package variable

import (
	"sort"

	"github.com/shaiso/Dispatch/internal/domain"
)

// Result — результат разрешения переменных шага.
type Result struct {
	// Values — типизированные значения по имени свойства.
	// Отсутствующие значения не попадают в map.
	Values map[string]any `json:"values"`

	// Invalid — имена свойств, значения которых не приведены к типу.
	Invalid []string `json:"invalid,omitempty"`

	// Missing — обязательные свойства без значения.
	Missing []string `json:"missing,omitempty"`
}

// HasInvalid возвращает true, если есть непринятые значения.
func (r *Result) HasInvalid() bool {
	return len(r.Invalid) > 0
}

// Resolver рендерит шаблоны и прогоняет значения через процессоры.
type Resolver struct {
	registry *Registry
}

// NewResolver создаёт Resolver. nil registry означает DefaultRegistry.
func NewResolver(registry *Registry) *Resolver {
	if registry == nil {
		registry = defaultRegistry
	}
	return &Resolver{registry: registry}
}

// Resolve подготавливает входные значения шага.
//
// Для каждого объявленного свойства: шаблоны в input подставляются из data,
// затем значение приводится процессором. Необъявленные ключи input
// проходят только через шаблоны.
func (r *Resolver) Resolve(props map[string]domain.PropertyDescriptor, input map[string]any, data []byte) Result {
	res := Result{Values: make(map[string]any, len(input))}

	for name, raw := range input {
		rendered := Render(raw, data)
		desc, declared := props[name]
		if !declared {
			if rendered != nil {
				res.Values[name] = rendered
			}
			continue
		}

		value := r.registry.Process(desc, rendered)
		if value == nil {
			continue
		}
		if IsInvalid(value) {
			res.Invalid = append(res.Invalid, name)
		}
		res.Values[name] = value
	}

	for name, desc := range props {
		if !desc.Required {
			continue
		}
		if _, ok := res.Values[name]; !ok {
			res.Missing = append(res.Missing, name)
		}
	}

	sort.Strings(res.Invalid)
	sort.Strings(res.Missing)
	return res
}

// ResolveStep разрешает переменные StepPayload.
func (r *Resolver) ResolveStep(p *domain.StepPayload) Result {
	return r.Resolve(p.Props, p.Input, p.Data)
}
