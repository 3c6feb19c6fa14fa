package backup

import (
	"errors"
)

var (
	// ErrChecksumMismatch is returned when extracted content differs from the manifest
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrRootRequired is returned when package restore runs without root privileges
	ErrRootRequired = errors.New("root privileges are required to restore packages")
	// ErrNothingSelected is returned when every component is disabled
	ErrNothingSelected = errors.New("no component selected")
)
