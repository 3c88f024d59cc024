package checkpoint

import (
	"errors"
	"fmt"
)

// ErrLoad is matched by every LoadError via errors.Is.
var ErrLoad = errors.New("checkpoint load failed")

// LoadError reports a checkpoint directory that is missing required files or
// contains files that cannot be decoded.
type LoadError struct {
	Dir  string
	File string
	Err  error
}

func (e *LoadError) Error() string {
	if e.File == "" {
		return fmt.Sprintf("load checkpoint %s: %v", e.Dir, e.Err)
	}
	return fmt.Sprintf("load checkpoint %s (%s): %v", e.Dir, e.File, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrLoad) match any LoadError.
func (e *LoadError) Is(target error) bool {
	return target == ErrLoad
}

func loadErr(dir, file string, err error) error {
	return &LoadError{Dir: dir, File: file, Err: err}
}
