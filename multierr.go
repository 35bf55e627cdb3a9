package pipeline

import "strings"

// teardownErrors wraps errors that might occur when multiple teardown
// steps are failing.
type teardownErrors []error

func (e teardownErrors) Error() string {
	s := []string{}
	for _, se := range e {
		s = append(s, se.Error())
	}
	return strings.Join(s, ", ")
}

// add appends error if it's not nil.
func (e *teardownErrors) add(err error) {
	if err != nil {
		*e = append(*e, err)
	}
}

// ret returns untyped nil if error list is empty.
func (e teardownErrors) ret() error {
	if len(e) > 0 {
		return &TeardownError{Errs: e}
	}
	return nil
}
