package worker

import (
	"context"
	"maps"
)

// TransformExecutor — executor для шага типа "transform".
//
// Входные значения уже отрендерены и приведены к типам свойств,
// поэтому transform возвращает их как outputs.
type TransformExecutor struct{}

// Execute возвращает config как outputs.
func (e *TransformExecutor) Execute(_ context.Context, task *Task) (*ExecutionResult, error) {
	outputs := maps.Clone(task.Config)
	if outputs == nil {
		outputs = make(map[string]any)
	}

	return &ExecutionResult{
		Outputs: outputs,
	}, nil
}
