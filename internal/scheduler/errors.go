package scheduler

import (
	"fmt"
	"strings"
)

// ConfigurationError reports an invalid graph definition (malformed
// dependency condition, unknown node reference). Fatal at graph-build
// time, never retried.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error in %s: %s", e.Field, e.Reason)
}

// CycleError reports a dependency cycle. The graph is unusable until
// repaired; execution must not start on a cyclic graph.
type CycleError struct {
	Members []string // Node IDs participating in the cycle, in path order
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Members, " -> "))
}
