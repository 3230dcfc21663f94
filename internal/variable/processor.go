package variable

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shaiso/Dispatch/internal/domain"
)

// ErrDuplicateProcessor — процессор для типа уже зарегистрирован.
var ErrDuplicateProcessor = errors.New("processor already registered")

// ProcessorFunc приводит сырое значение к типу свойства.
//
// Функция тотальна: вместо ошибки она возвращает Invalid.
// nil на входе обрабатывается Registry и до процессора не доходит.
type ProcessorFunc func(raw any) any

// Registry — таблица процессоров по типу свойства.
//
// Registry не потокобезопасен на запись: все Register выполняются
// при инициализации, дальше он только читается.
type Registry struct {
	processors map[domain.PropertyType]ProcessorFunc
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{
		processors: make(map[domain.PropertyType]ProcessorFunc),
	}
}

// DefaultRegistry создаёт реестр со встроенными процессорами.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.mustRegister(domain.PropertyShortText, processText)
	r.mustRegister(domain.PropertyLongText, processText)
	r.mustRegister(domain.PropertyNumber, processNumber)
	r.mustRegister(domain.PropertyCheckbox, processCheckbox)
	r.mustRegister(domain.PropertyDateTime, processDateTime)
	r.mustRegister(domain.PropertyJSON, processJSON)
	r.mustRegister(domain.PropertyObject, processObject)
	r.mustRegister(domain.PropertyArray, processArray)
	r.mustRegister(domain.PropertyStaticDropdown, processIdentity)
	r.mustRegister(domain.PropertyDropdown, processIdentity)
	r.mustRegister(domain.PropertyStaticMultiSelect, processArray)
	r.mustRegister(domain.PropertyMultiSelectDropdown, processArray)
	r.mustRegister(domain.PropertySecretText, processIdentity)

	return r
}

// Register добавляет процессор для нового типа.
func (r *Registry) Register(t domain.PropertyType, fn ProcessorFunc) error {
	if fn == nil {
		return fmt.Errorf("processor for %s is nil", t)
	}
	if _, exists := r.processors[t]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateProcessor, t)
	}
	r.processors[t] = fn
	return nil
}

func (r *Registry) mustRegister(t domain.PropertyType, fn ProcessorFunc) {
	if err := r.Register(t, fn); err != nil {
		panic(err)
	}
}

// Has проверяет, есть ли процессор для типа.
func (r *Registry) Has(t domain.PropertyType) bool {
	_, ok := r.processors[t]
	return ok
}

// Types возвращает зарегистрированные типы в отсортированном порядке.
func (r *Registry) Types() []domain.PropertyType {
	types := make([]domain.PropertyType, 0, len(r.processors))
	for t := range r.processors {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Process приводит raw к типу из descriptor.
//
// nil возвращается как есть. Для неизвестного типа значение
// проходит без изменений.
func (r *Registry) Process(desc domain.PropertyDescriptor, raw any) any {
	if raw == nil {
		return nil
	}
	fn, ok := r.processors[desc.Type]
	if !ok {
		return raw
	}
	return fn(raw)
}

var defaultRegistry = DefaultRegistry()

// Process приводит значение через реестр по умолчанию.
func Process(desc domain.PropertyDescriptor, raw any) any {
	return defaultRegistry.Process(desc, raw)
}
