package toolengine

import (
	"fmt"

	"github.com/council-proxy/council/types"
)

// validateParams enforces spec §4.6's parameter contract: every required
// parameter must be present, and every present parameter's runtime type
// must match its declared ParamType. No adapter is invoked when this
// fails.
func validateParams(def types.ToolDefinition, params map[string]interface{}) error {
	for _, spec := range def.Parameters {
		value, present := params[spec.Name]
		if !present {
			if spec.Required {
				return fmt.Errorf("missing required parameter %q", spec.Name)
			}
			continue
		}
		if !typeMatches(spec.Type, value) {
			return fmt.Errorf("parameter %q: expected type %s, got %T", spec.Name, spec.Type, value)
		}
	}
	return nil
}

func typeMatches(declared types.ParamType, value interface{}) bool {
	switch declared {
	case types.ParamString:
		_, ok := value.(string)
		return ok
	case types.ParamNumber:
		switch value.(type) {
		case float64, float32, int, int32, int64:
			return true
		}
		return false
	case types.ParamBoolean:
		_, ok := value.(bool)
		return ok
	case types.ParamObject:
		_, ok := value.(map[string]interface{})
		return ok
	case types.ParamArray:
		_, ok := value.([]interface{})
		return ok
	default:
		return false
	}
}
