package domain

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is. Each typed error below matches exactly one of them.
var (
	ErrMalformedSourceIdentifier = errors.New("malformed source identifier")
	ErrDownloadFailed            = errors.New("download failed")
	ErrConversionFailed          = errors.New("conversion failed")
	ErrIndexPublishFailed        = errors.New("index publish failed")
	ErrStoreUnavailable          = errors.New("store unavailable")
	ErrSchemaBootstrapFailed     = errors.New("schema bootstrap failed")
)

// MalformedSourceIdentifierError reports a URL or file name the time codec could
// not parse. It is fatal to that one item only.
type MalformedSourceIdentifierError struct {
	Input  string
	Reason string
}

func (e *MalformedSourceIdentifierError) Error() string {
	return fmt.Sprintf("malformed source identifier %q: %s", e.Input, e.Reason)
}

func (e *MalformedSourceIdentifierError) Is(target error) bool {
	return target == ErrMalformedSourceIdentifier
}

// DownloadFailedError wraps a failed fetch of a forecast grid.
type DownloadFailedError struct {
	URL string
	Err error
}

func (e *DownloadFailedError) Error() string {
	return fmt.Sprintf("download %s: %v", e.URL, e.Err)
}

func (e *DownloadFailedError) Unwrap() error { return e.Err }

func (e *DownloadFailedError) Is(target error) bool { return target == ErrDownloadFailed }

// ConversionFailedError wraps a failed toolchain operation. Operation names the
// stage, e.g. "reproject" or "colorize".
type ConversionFailedError struct {
	Operation string
	Err       error
}

func (e *ConversionFailedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

func (e *ConversionFailedError) Unwrap() error { return e.Err }

func (e *ConversionFailedError) Is(target error) bool { return target == ErrConversionFailed }

// IndexPublishFailedError is logged and counted, never propagated out of a task.
type IndexPublishFailedError struct {
	Path       string
	Collection string
	Err        error
}

func (e *IndexPublishFailedError) Error() string {
	return fmt.Sprintf("publish %s to %s: %v", e.Path, e.Collection, e.Err)
}

func (e *IndexPublishFailedError) Unwrap() error { return e.Err }

func (e *IndexPublishFailedError) Is(target error) bool { return target == ErrIndexPublishFailed }

// StoreUnavailableError means the spatial store could not be reached. Once seen,
// the rest of the batch skips its store writes.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

func (e *StoreUnavailableError) Is(target error) bool { return target == ErrStoreUnavailable }

// SchemaBootstrapError aborts the whole batch: without a table nothing can be stored.
type SchemaBootstrapError struct {
	Table string
	Err   error
}

func (e *SchemaBootstrapError) Error() string {
	return fmt.Sprintf("bootstrap table %s: %v", e.Table, e.Err)
}

func (e *SchemaBootstrapError) Unwrap() error { return e.Err }

func (e *SchemaBootstrapError) Is(target error) bool { return target == ErrSchemaBootstrapFailed }
