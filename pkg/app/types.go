package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/deploymenttheory/go-mdraid/internal/types"
)

// ArrayTarget represents array selection across commands
type ArrayTarget struct {
	// Devices are the member paths the array is assembled from
	Devices []string

	// Minor selects the superblock location; negative probes every supported one
	Minor int

	// Unit is the md unit number to assemble as; negative picks the lowest free unit
	Unit int
}

// Validate ensures the array target is valid
func (at *ArrayTarget) Validate() error {
	if len(at.Devices) == 0 {
		return NewError(ErrCodeInvalidInput, "at least one member device is required", nil)
	}
	if at.Minor > 2 {
		return NewError(ErrCodeInvalidInput, fmt.Sprintf("unsupported metadata minor version %d", at.Minor), nil)
	}
	seen := make(map[string]bool, len(at.Devices))
	for _, d := range at.Devices {
		if d == "" {
			return NewError(ErrCodeInvalidInput, "empty device path", nil)
		}
		if seen[d] {
			return NewError(ErrCodeInvalidInput, fmt.Sprintf("device %s listed twice", d), nil)
		}
		seen[d] = true
	}
	return nil
}

// IsEmpty returns true if no member is specified
func (at *ArrayTarget) IsEmpty() bool {
	return len(at.Devices) == 0
}

// String returns a string representation of the array target
func (at *ArrayTarget) String() string {
	if at.IsEmpty() {
		return "No devices"
	}
	result := "Devices: " + strings.Join(at.Devices, ", ")
	if at.Unit >= 0 {
		result += fmt.Sprintf(" (md%d)", at.Unit)
	}
	return result
}

// ProgressUpdate represents progress information
type ProgressUpdate struct {
	Message     string
	Completed   int64
	Total       int64
	StartedAt   time.Time
	ElapsedTime time.Duration
}

// Percent calculates completion percentage
func (p *ProgressUpdate) Percent() int {
	if p.Total == 0 {
		return 0
	}
	return int((p.Completed * 100) / p.Total)
}

// Rate calculates items per second
func (p *ProgressUpdate) Rate() float64 {
	if p.ElapsedTime == 0 {
		return 0
	}
	return float64(p.Completed) / p.ElapsedTime.Seconds()
}

// ETA estimates time to completion
func (p *ProgressUpdate) ETA() time.Duration {
	if p.Completed == 0 || p.Total == 0 {
		return 0
	}
	rate := p.Rate()
	if rate == 0 {
		return 0
	}
	remaining := p.Total - p.Completed
	return time.Duration(float64(remaining) / rate * float64(time.Second))
}

// CommonError represents application-level errors
type CommonError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CommonError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *CommonError) Unwrap() error {
	return e.Cause
}

// Common error codes
const (
	ErrCodeInvalidInput = "INVALID_INPUT"
	ErrCodeDeviceAccess = "DEVICE_ACCESS"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeBusy         = "BUSY"
	ErrCodeIO           = "IO_ERROR"
	ErrCodeNoSpace      = "NO_SPACE"
	ErrCodeSuperblock   = "BAD_SUPERBLOCK"
	ErrCodeReadOnly     = "READ_ONLY"
	ErrCodeNotRunning   = "NOT_RUNNING"
	ErrCodeTimeout      = "TIMEOUT"
	ErrCodeInternal     = "INTERNAL"
)

// NewError creates a new CommonError
func NewError(code, message string, cause error) *CommonError {
	return &CommonError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

var errorCodes = []struct {
	err  error
	code string
}{
	{context.DeadlineExceeded, ErrCodeTimeout},
	{context.Canceled, ErrCodeTimeout},
	{types.ErrNotRunning, ErrCodeNotRunning},
	{types.ErrInvalidArgument, ErrCodeInvalidInput},
	{types.ErrInvalidLevel, ErrCodeInvalidInput},
	{types.ErrBusy, ErrCodeBusy},
	{types.ErrAlreadyExists, ErrCodeBusy},
	{types.ErrNotFound, ErrCodeNotFound},
	{types.ErrOutOfSpace, ErrCodeNoSpace},
	{types.ErrInvalidSuperblock, ErrCodeSuperblock},
	{types.ErrUUIDMismatch, ErrCodeSuperblock},
	{types.ErrGeometryMismatch, ErrCodeSuperblock},
	{types.ErrReadOnly, ErrCodeReadOnly},
	{types.ErrIO, ErrCodeIO},
}

// ErrorCode classifies err by the sentinel it wraps.
func ErrorCode(err error) string {
	var ce *CommonError
	if errors.As(err, &ce) {
		return ce.Code
	}
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return ErrCodeInternal
}

// WrapError turns err into a CommonError carrying its code. Nil stays nil.
func WrapError(message string, err error) error {
	if err == nil {
		return nil
	}
	return NewError(ErrorCode(err), message, err)
}
