package gemforge

import (
	"errors"
	"fmt"
)

// Sentinel errors, one per failure domain. Callers classify with errors.Is
// and map to exit codes through ExitCode.
var (
	ErrUnknownPlatform = errors.New("unknown platform")
	ErrRegistryAuth    = errors.New("registry authentication failed")
	ErrRegistryFetch   = errors.New("registry fetch failed")
	ErrCorruptLayer    = errors.New("corrupt image layer")
	ErrCacheWrite      = errors.New("cache write failed")
	ErrShimGeneration  = errors.New("shim generation failed")
)

// BuildDelegationError reports a cargo invocation that started but exited
// nonzero. Code carries cargo's own exit status so it can be propagated.
type BuildDelegationError struct {
	Code int
}

func (e *BuildDelegationError) Error() string {
	return fmt.Sprintf("cargo build failed with exit code %d", e.Code)
}

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var bde *BuildDelegationError
	if errors.As(err, &bde) {
		return bde.Code
	}
	switch {
	case errors.Is(err, ErrUnknownPlatform):
		return 2
	case errors.Is(err, ErrRegistryAuth):
		return 3
	case errors.Is(err, ErrRegistryFetch):
		return 4
	case errors.Is(err, ErrCorruptLayer):
		return 5
	case errors.Is(err, ErrCacheWrite):
		return 6
	case errors.Is(err, ErrShimGeneration):
		return 7
	}
	return 1
}
