package session

import (
	"fmt"
	"os"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// mountRecord is one path the session is responsible for releasing.
// target marks mounts of the device being written; those decide the
// unsafe-to-detach verdict when they cannot be released.
type mountRecord struct {
	path   string
	target bool
}

// State is the session's ledger of acquired mount points and accumulated
// warnings. It is the single source of truth for cleanup: every mount
// anywhere in the pipeline is recorded here at acquisition.
type State struct {
	mu       sync.Mutex
	mounted  []mountRecord
	warnings []string
}

// AddWarning records a condition the session survived but the operator
// should read before trusting the result.
func (s *State) AddWarning(warning string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings = append(s.warnings, warning)
}

// Warnings returns the recorded warnings in the order they happened.
func (s *State) Warnings() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.warnings...)
}

// RecordMount registers a path for release. target marks mounts backed by
// the device under provisioning.
func (s *State) RecordMount(path string, target bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mounted = append(s.mounted, mountRecord{path: path, target: target})
}

// ForgetMount drops a path that was already released explicitly.
func (s *State) ForgetMount(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, rec := range s.mounted {
		if rec.path == path {
			s.mounted = append(s.mounted[:i], s.mounted[i+1:]...)
			return
		}
	}
}

// Mounted returns the recorded paths, most recent last.
func (s *State) Mounted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.mounted))
	for _, rec := range s.mounted {
		out = append(out, rec.path)
	}
	return out
}

// take empties the ledger and returns the records, most recent first, the
// order they should be released in.
func (s *State) take() []mountRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]mountRecord, len(s.mounted))
	for i, rec := range s.mounted {
		out[len(s.mounted)-1-i] = rec
	}
	s.mounted = nil
	return out
}

// ReleaseAll unmounts every recorded path, most recent first, continuing
// past individual failures. The verdict states whether the device the
// session was writing is safe to detach afterwards.
func (s *State) ReleaseAll(unmount func(string) error) (Verdict, error) {
	var errs *multierror.Error
	verdict := VerdictClean
	for _, rec := range s.take() {
		if err := unmount(rec.path); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("unmounting %s: %w", rec.path, err))
			if rec.target {
				verdict = VerdictUnsafe
			} else if verdict == VerdictClean {
				verdict = VerdictUnclean
			}
			continue
		}
		_ = os.RemoveAll(rec.path)
	}
	return verdict, errs.ErrorOrNil()
}
