package agent

import (
	"fmt"

	"github.com/fenrir/convoy/internal/task"
)

// ParamSpec declares one expected task parameter.
type ParamSpec struct {
	Name     string `json:"name"`
	Type     string `json:"type"` // string, number, bool, object, array
	Required bool   `json:"required"`
}

// KindSpec declares the parameter schema for one task kind.
type KindSpec struct {
	Kind   string      `json:"kind"`
	Params []ParamSpec `json:"params,omitempty"`
}

// Validate checks params against the declared schema. Unknown parameters
// are allowed;
// missing required parameters and type mismatches are capability errors.
func (ks KindSpec) Validate(params map[string]any) error {
	for _, p := range ks.Params {
		v, present := params[p.Name]
		if !present {
			if p.Required {
				return task.NewError(task.ErrKindCapability,
					"kind %s: missing required param %q", ks.Kind, p.Name)
			}
			continue
		}
		if p.Type != "" && !typeMatches(p.Type, v) {
			return task.NewError(task.ErrKindCapability,
				"kind %s: param %q is not a %s", ks.Kind, p.Name, p.Type)
		}
	}
	return nil
}

func typeMatches(want string, v any) bool {
	switch want {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case "bool":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	default:
		return true
	}
}

func (ks KindSpec) String() string {
	return fmt.Sprintf("%s(%d params)", ks.Kind, len(ks.Params))
}
