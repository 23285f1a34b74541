package orchestration

import (
	"fmt"
	"strings"
)

// PrerequisiteError reports that a stack operation was refused before any
// provider mutation because a dependency stack is absent. It is fatal.
type PrerequisiteError struct {
	Stack   string
	Missing []string
}

func (e *PrerequisiteError) Error() string {
	return fmt.Sprintf("prerequisites for stack '%s' not met: dependency stacks not deployed: %s",
		e.Stack, strings.Join(e.Missing, ", "))
}
