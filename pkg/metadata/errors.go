package metadata

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrManifestNotFound is returned when a container has no manifest member.
var ErrManifestNotFound = errors.New("no " + ManifestName + " found in backup archive")

// DecodeError reports a manifest that is not valid JSON or has fields of the wrong shape.
type DecodeError struct {
	Source string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("can't decode manifest %s: %v", e.Source, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// CorruptArchiveError reports a container that can't be opened or listed.
type CorruptArchiveError struct {
	Path string
	Err  error
}

func (e *CorruptArchiveError) Error() string {
	return fmt.Sprintf("backup archive %s is corrupt or unreadable: %v", e.Path, e.Err)
}

func (e *CorruptArchiveError) Unwrap() error {
	return e.Err
}
