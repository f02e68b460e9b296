package types

import "errors"

// Failure taxonomy. Components wrap these with fmt.Errorf("...: %w", ...)
// and callers classify with errors.Is; only the session controller decides
// the terminal cleanup path.
var (
	ErrDependencyMissing       = errors.New("required tool missing")
	ErrDeviceBusy              = errors.New("device busy")
	ErrWipeVerificationFailed  = errors.New("wipe verification failed")
	ErrPartitionCreateFailed   = errors.New("partition create failed")
	ErrFormatFailed            = errors.New("format failed")
	ErrMountFailed             = errors.New("mount failed")
	ErrInsufficientSpace       = errors.New("insufficient space")
	ErrBootloaderInstallFailed = errors.New("bootloader install failed")
	ErrCancelledByUser         = errors.New("cancelled by user")
	ErrUnsupportedFilesystem   = errors.New("unsupported filesystem")
	ErrLargeFileUnsupported    = errors.New("file exceeds filesystem size limit")
)
