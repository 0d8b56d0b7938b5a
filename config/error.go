package config

import (
	"fmt"
	"strings"
)

// MultiError holds multiple errors that occurred during parsing.
type MultiError struct {
	Errors []error
}

func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}

	msgs := make([]string, len(m.Errors))
	for i, err := range m.Errors {
		msgs[i] = err.Error()
	}

	return fmt.Sprintf("%d error(s) occurred:\n- %s",
		len(m.Errors), strings.Join(msgs, "\n- "))
}
