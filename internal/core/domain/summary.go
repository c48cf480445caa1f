package domain

import "errors"

// Status is the outcome of one package in an install or uninstall run.
type Status int

const (
	// StatusInstalled means the package was installed by this run.
	StatusInstalled Status = iota
	// StatusUpgraded means an older installed version was replaced.
	StatusUpgraded
	// StatusAlreadyInstalled means a satisfying version was already present.
	StatusAlreadyInstalled
	// StatusRemoved means the package was uninstalled.
	StatusRemoved
	// StatusFailed means the package itself failed.
	StatusFailed
	// StatusSkipped means the package was not attempted because a dependency failed.
	StatusSkipped
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusInstalled:
		return "installed"
	case StatusUpgraded:
		return "upgraded"
	case StatusAlreadyInstalled:
		return "already installed"
	case StatusRemoved:
		return "removed"
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Failed reports whether the status is a failure.
func (s Status) Failed() bool {
	return s == StatusFailed || s == StatusSkipped
}

// Result is the outcome of one package.
type Result struct {
	Name      string
	Version   string
	Status    Status
	Requested bool
	Err       error
}

// Summary collects per-package results in the order they were decided.
type Summary struct {
	Results []Result
}

// Add appends a result.
func (s *Summary) Add(r Result) {
	s.Results = append(s.Results, r)
}

// Result returns the result for name.
func (s *Summary) Result(name string) (Result, bool) {
	for _, r := range s.Results {
		if r.Name == name {
			return r, true
		}
	}
	return Result{}, false
}

// Failed returns the failed and skipped results.
func (s *Summary) Failed() []Result {
	var out []Result
	for _, r := range s.Results {
		if r.Status.Failed() {
			out = append(out, r)
		}
	}
	return out
}

// Count returns how many results have the given status.
func (s *Summary) Count(status Status) int {
	n := 0
	for _, r := range s.Results {
		if r.Status == status {
			n++
		}
	}
	return n
}

// Err joins the errors of all failed results.
func (s *Summary) Err() error {
	var errs []error
	for _, r := range s.Failed() {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return errors.Join(errs...)
}
