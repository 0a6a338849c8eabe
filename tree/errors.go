package tree

import (
	"errors"
	"fmt"
)

// ErrLivenessViolation is returned (and logged at Error level with the
// function and graph IDs attached as fields, and the offending path
// index in the error text) when a replay would
// overwrite memory the caller still considers live. This is the one
// fatal error kind in this package: every other mismatch downgrades to
// "record a new child" instead.
var ErrLivenessViolation = errors.New("tree: liveness violation, replay would overwrite live memory")

// ErrWarmupAlreadyRun signals a programmer error: a WarmupNode was asked
// to run a second time.
var ErrWarmupAlreadyRun = errors.New("tree: warmup node already run")

func errorf(typeMethod, format string, a ...interface{}) error {
	return fmt.Errorf("github.com/nicolagi/cudagraphtrees/tree."+typeMethod+": "+format, a...)
}
