package tools

import "fmt"

// ErrToolUnavailable is reported when the model asks for a tool that
// is not in the registry. It is logged; the model receives a plain
// "not found" result and the turn continues.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not registered", e.ToolName)
}
