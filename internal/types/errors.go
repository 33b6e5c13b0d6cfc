package types

import "errors"

// Sentinel errors shared by every layer. Callers wrap them with fmt.Errorf("...: %w")
// and match with errors.Is.
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrBusy              = errors.New("device or resource busy")
	ErrNotFound          = errors.New("not found")
	ErrIO                = errors.New("input/output error")
	ErrOutOfSpace        = errors.New("no space left")
	ErrInvalidLevel      = errors.New("unsupported raid level")
	ErrAlreadyExists     = errors.New("already exists")
	ErrGeometryMismatch  = errors.New("array geometry mismatch")
	ErrInvalidSuperblock = errors.New("invalid superblock")
	ErrUUIDMismatch      = errors.New("superblock uuid mismatch")
	ErrReadOnly          = errors.New("array is read-only")
	ErrNotRunning        = errors.New("array is not running")
)
