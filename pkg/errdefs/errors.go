// Package errdefs defines the failure taxonomy shared by the storage,
// registry, transfer and deployment packages.
//
// Every sentinel is matched with errors.Is; components wrap them with
// fmt.Errorf("...: %w", err) to add context.
package errdefs

import (
	"context"
	"errors"
)

var (
	// ErrFileDoesNotExist means the registry claims a file instance exists
	// but the storage does not contain the file.
	ErrFileDoesNotExist = errors.New("file does not exist")

	// ErrFileAlreadyExists means an instance or a physical file is already
	// present where the caller expected to create a new one.
	ErrFileAlreadyExists = errors.New("file already exists")

	// ErrDataCorruption means a computed checksum did not match the
	// checksum recorded for the file resource.
	ErrDataCorruption = errors.New("data corruption")

	// ErrRecoverableTransfer marks a transient transport or storage failure.
	ErrRecoverableTransfer = errors.New("recoverable file transfer error")

	// ErrDeploymentUnnecessary signals that every required file already has a
	// verified instance on the destination. Callers treat it as a no-op success.
	ErrDeploymentUnnecessary = errors.New("deployment unnecessary")

	// ErrDeploymentNotCreated means a required file has no verified source.
	ErrDeploymentNotCreated = errors.New("deployment not created")

	// ErrTransferInFlight means another non-terminal transfer already targets
	// the same file resource on the same destination storage.
	ErrTransferInFlight = errors.New("transfer already in flight")

	// ErrTransferRunning is returned when restarting a running transfer.
	ErrTransferRunning = errors.New("transfer is running")

	// ErrInstanceNotRegistered means the registry has no instance of the
	// file resource on the requested storage.
	ErrInstanceNotRegistered = errors.New("file instance not registered")
)

type recoverableError struct {
	cause error
}

func (e *recoverableError) Error() string {
	return ErrRecoverableTransfer.Error() + ": " + e.cause.Error()
}

func (e *recoverableError) Unwrap() []error {
	return []error{ErrRecoverableTransfer, e.cause}
}

// Recoverable wraps err so that IsRecoverable reports true. Context
// cancellation and nil errors are returned unchanged.
func Recoverable(err error) error {
	if err == nil || IsRecoverable(err) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &recoverableError{cause: err}
}

// IsRecoverable reports whether err may be retried automatically.
// Corruption and missing-source failures never are, even when wrapped.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDataCorruption) || errors.Is(err, ErrFileDoesNotExist) || errors.Is(err, ErrFileAlreadyExists) {
		return false
	}
	return errors.Is(err, ErrRecoverableTransfer)
}

// Kind returns a stable name for the failure class of err, used when
// recording errors on persisted transfers.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDataCorruption):
		return "DataCorruptionError"
	case errors.Is(err, ErrFileDoesNotExist):
		return "FileDoesNotExist"
	case errors.Is(err, ErrFileAlreadyExists):
		return "FileAlreadyExists"
	case errors.Is(err, ErrInstanceNotRegistered):
		return "InstanceNotRegistered"
	case errors.Is(err, ErrRecoverableTransfer):
		return "RecoverableFileTransferError"
	case errors.Is(err, ErrDeploymentUnnecessary):
		return "DeploymentUnnecessary"
	case errors.Is(err, ErrDeploymentNotCreated):
		return "DeploymentNotCreated"
	case errors.Is(err, ErrTransferInFlight):
		return "TransferInFlight"
	case errors.Is(err, ErrTransferRunning):
		return "TransferRunning"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Cancelled"
	default:
		return "Unknown"
	}
}
