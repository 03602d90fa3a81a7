// Package errclass labels errors returned across the engine with the
// taxonomy used by the metrics service to bucket failures by stage
// without parsing error strings.
package errclass

// Class is a label, not a type hierarchy: components attach one of these
// to an error when reporting it to metrics or logs.
type Class string

const (
	// InputInvalid marks bad notebook ids, oversized payloads, or empty
	// text after extraction. Surfaced directly to the caller.
	InputInvalid Class = "input_invalid"

	// DependencyUnavailable marks an LLM/embedding/search endpoint that
	// is unreachable or timed out. The caller retries once with a
	// shorter budget, then degrades or flags the response.
	DependencyUnavailable Class = "dependency_unavailable"

	// DependencyMisbehaving marks a dependency that returned
	// non-parseable output. The caller falls back to a deterministic
	// path and continues.
	DependencyMisbehaving Class = "dependency_misbehaving"

	// ResourceExhausted marks a full job queue or a cache at capacity.
	ResourceExhausted Class = "resource_exhausted"

	// DataCorruption marks an unreadable JSON/cache file. The caller
	// logs, reinitializes empty, and continues.
	DataCorruption Class = "data_corruption"

	// Internal marks any uncaught condition. Recorded to metrics with a
	// stage name; never crashes the process.
	Internal Class = "internal"
)

// Classified pairs an error with its taxonomy label for structured
// logging and metrics reporting.
type Classified struct {
	Err   error
	Class Class
	Stage string
}

func (c *Classified) Error() string {
	if c.Err == nil {
		return string(c.Class)
	}
	return c.Err.Error()
}

func (c *Classified) Unwrap() error { return c.Err }

// Wrap attaches a class and stage name to err. Returns nil if err is nil.
func Wrap(err error, class Class, stage string) error {
	if err == nil {
		return nil
	}
	return &Classified{Err: err, Class: class, Stage: stage}
}

// ClassOf extracts the Class from err, defaulting to Internal when err
// was not produced by Wrap.
func ClassOf(err error) Class {
	var c *Classified
	if err == nil {
		return ""
	}
	if asClassified(err, &c) {
		return c.Class
	}
	return Internal
}

func asClassified(err error, target **Classified) bool {
	for err != nil {
		if c, ok := err.(*Classified); ok {
			*target = c
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
