package backend

import "errors"

var (
	// ErrBackendUnavailable means the analysis backend cannot be reached at
	// all (dead process, closed socket, expired deadline). It is the only
	// backend error that is fatal to a whole pipeline run.
	ErrBackendUnavailable = errors.New("backend: unavailable")

	// ErrNotFound means the queried entity does not exist in the binary.
	ErrNotFound = errors.New("backend: not found")

	// ErrDecompilationFailed means the backend could not produce pseudocode
	// for a function (stripped or obfuscated code). It is surfaced per
	// function, never silently replaced with empty text.
	ErrDecompilationFailed = errors.New("backend: decompilation failed")
)
