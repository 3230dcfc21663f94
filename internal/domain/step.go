package domain

import (
	"encoding/json"
	"fmt"
)

// StepPayload — payload job в очереди executor.
//
// Input содержит сырые значения свойств, которые могут ссылаться
// на Data через шаблоны {{ path }}.
type StepPayload struct {
	StepType string                        `json:"step_type"`
	Props    map[string]PropertyDescriptor `json:"props,omitempty"`
	Input    map[string]any                `json:"input,omitempty"`
	Data     json.RawMessage               `json:"data,omitempty"`
}

// ParseStepPayload разбирает payload job в StepPayload.
func ParseStepPayload(raw json.RawMessage) (*StepPayload, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty step payload", ErrInvalidPayload)
	}
	var p StepPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.StepType == "" {
		return nil, fmt.Errorf("%w: step_type is required", ErrInvalidPayload)
	}
	return &p, nil
}
