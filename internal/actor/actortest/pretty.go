package actortest

import (
	"encoding/json"
	"fmt"
)

// Pretty renders v for failure messages: indented JSON when possible, Go
// syntax otherwise (channels, funcs).
func Pretty(v any) string {
	if v == nil {
		return "<nil>"
	}
	if data, err := json.MarshalIndent(v, "", "  "); err == nil {
		return string(data)
	}
	return fmt.Sprintf("%#v", v)
}
