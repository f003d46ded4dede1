// SPDX-License-Identifier: MPL-2.0

package pipeline

import (
	"fmt"
)

// Kind identifies which artifact a build request produces.
type Kind string

const (
	// KindSource is a platform-independent archive of the project sources.
	KindSource Kind = "source"
	// KindRuntime is an archive of the relocated interpreter environment.
	KindRuntime Kind = "runtime"
	// KindOnefile is a single standalone executable.
	KindOnefile Kind = "onefile"
	// KindOnedir is an archive of a standalone application directory.
	KindOnedir Kind = "onedir"
)

// AllKinds returns every artifact kind in build order.
func AllKinds() []Kind {
	return []Kind{KindSource, KindRuntime, KindOnefile, KindOnedir}
}

// ParseKind validates a user-supplied kind name.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindSource, KindRuntime, KindOnefile, KindOnedir:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown artifact kind %q (valid: source, runtime, onefile, onedir)", s)
}

// Stage is one step of the build pipeline. A build moves through stages in
// order and stops at the first failure; StageError records where.
type Stage int

const (
	StageRequested Stage = iota
	StagePreparing
	StageProbing
	StageRelocating
	StageArchiving
	StageVerifying
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageRequested:
		return "requested"
	case StagePreparing:
		return "preparing"
	case StageProbing:
		return "probing"
	case StageRelocating:
		return "relocating"
	case StageArchiving:
		return "archiving"
	case StageVerifying:
		return "verifying"
	case StageDone:
		return "done"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// StageError attributes a build failure to the stage that raised it.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
