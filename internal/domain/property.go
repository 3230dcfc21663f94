package domain

// PropertyType — тип входного свойства шага.
type PropertyType string

const (
	PropertyShortText           PropertyType = "SHORT_TEXT"
	PropertyLongText            PropertyType = "LONG_TEXT"
	PropertyNumber              PropertyType = "NUMBER"
	PropertyCheckbox            PropertyType = "CHECKBOX"
	PropertyDateTime            PropertyType = "DATE_TIME"
	PropertyJSON                PropertyType = "JSON"
	PropertyObject              PropertyType = "OBJECT"
	PropertyArray               PropertyType = "ARRAY"
	PropertyStaticDropdown      PropertyType = "STATIC_DROPDOWN"
	PropertyDropdown            PropertyType = "DROPDOWN"
	PropertyStaticMultiSelect   PropertyType = "STATIC_MULTI_SELECT_DROPDOWN"
	PropertyMultiSelectDropdown PropertyType = "MULTI_SELECT_DROPDOWN"
	PropertySecretText          PropertyType = "SECRET_TEXT"
)

// String возвращает строковое представление PropertyType.
func (t PropertyType) String() string {
	return string(t)
}

// PropertyDescriptor — объявление входного свойства шага.
//
// Type определяет, каким процессором будет приведено сырое значение.
type PropertyDescriptor struct {
	Type        PropertyType `json:"type"`
	DisplayName string       `json:"display_name,omitempty"`
	Required    bool         `json:"required,omitempty"`
}
