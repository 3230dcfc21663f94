package variable

import "encoding/json"

// Invalid — маркер значения, которое было передано, но не может быть
// приведено к объявленному типу.
//
// Отличается от nil: nil означает «значение не передано».
type Invalid struct {
	// Raw — исходное значение.
	Raw any

	// Reason — почему значение не принято.
	Reason string
}

// MarshalJSON кодирует маркер как {"invalid":true,"raw":...,"reason":...}.
func (i Invalid) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Invalid bool   `json:"invalid"`
		Raw     any    `json:"raw"`
		Reason  string `json:"reason"`
	}{
		Invalid: true,
		Raw:     i.Raw,
		Reason:  i.Reason,
	})
}

// String возвращает описание маркера.
func (i Invalid) String() string {
	return "invalid value: " + i.Reason
}

// IsInvalid проверяет, является ли значение маркером Invalid.
func IsInvalid(v any) bool {
	switch v.(type) {
	case Invalid, *Invalid:
		return true
	default:
		return false
	}
}

func invalid(raw any, reason string) Invalid {
	return Invalid{Raw: raw, Reason: reason}
}
