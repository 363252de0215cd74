// Package failure defines the closed error taxonomy used across the backup
// lifecycle. Native errors are classified exactly once, at the point where
// they are first observed, so downstream logic (retry decisions, severity,
// remediation text) switches on a Kind rather than matching message strings.
package failure

import (
	"errors"
	"io/fs"
	"net"
	"os"
	"syscall"
)

// Kind identifies a category of backup failure.
type Kind string

const (
	// KindPermissionDenied means the OS refused access to a source or
	// destination path. Retrying cannot help.
	KindPermissionDenied Kind = "permission-denied"

	// KindDiskFull means the destination filesystem is out of space or quota.
	// Retrying cannot help and continuing risks corrupting other snapshots.
	KindDiskFull Kind = "disk-full"

	// KindTransientIO is a short-lived I/O error (device busy, interrupted
	// syscall, timeout) that is worth retrying with backoff.
	KindTransientIO Kind = "transient-io"

	// KindFileMissing means a source file disappeared before it could be read.
	KindFileMissing Kind = "file-missing"

	// KindSizeMismatch means a copied or verified file's size does not match
	// the expected size.
	KindSizeMismatch Kind = "size-mismatch"

	// KindCopyFailed is a copy that exhausted its retry budget.
	KindCopyFailed Kind = "copy-failed"

	// KindVerificationFailed means a backup artifact failed an integrity check.
	KindVerificationFailed Kind = "verification-failed"

	// KindDestinationUnreachable means the backup destination is gone
	// (removable drive disconnected, network mount dropped, remote down).
	KindDestinationUnreachable Kind = "destination-unreachable"

	// KindUnknown is anything the classifier could not place. Treated as
	// retryable, since giving up on a one-off glitch wastes the backup window.
	KindUnknown Kind = "unknown"
)

// Permanent reports whether retrying an operation that failed with this kind
// can possibly succeed. Permanent kinds are returned immediately without
// consuming the retry budget.
func (k Kind) Permanent() bool {
	switch k {
	case KindPermissionDenied, KindDiskFull, KindFileMissing:
		return true
	default:
		return false
	}
}

// Classify maps a native error to its Kind. It is the single classification
// point mandated by the error handling design: callers must not inspect error
// messages themselves.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	// Permission checks first: EACCES wraps into fs.ErrPermission via os.
	if errors.Is(err, fs.ErrPermission) {
		return KindPermissionDenied
	}
	if errors.Is(err, fs.ErrNotExist) {
		return KindFileMissing
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EACCES, syscall.EPERM:
			return KindPermissionDenied
		case syscall.ENOSPC, syscall.EDQUOT:
			return KindDiskFull
		case syscall.ENOENT:
			return KindFileMissing
		case syscall.EIO, syscall.EAGAIN, syscall.EINTR, syscall.EBUSY, syscall.ETIMEDOUT:
			return KindTransientIO
		case syscall.ENODEV, syscall.ENXIO, syscall.EHOSTUNREACH, syscall.ENETUNREACH,
			syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ESTALE:
			return KindDestinationUnreachable
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTransientIO
		}
		return KindDestinationUnreachable
	}

	// A path error whose cause we could not map above.
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return KindUnknown
	}

	return KindUnknown
}

// Hint returns a one-line remediation suggestion for the kind. The text is
// surfaced both in notifications and in the generated remediation report.
func Hint(k Kind) string {
	switch k {
	case KindPermissionDenied:
		return "Check file ownership and permissions, or run the backup as a user with read access."
	case KindDiskFull:
		return "Free space on the backup destination or raise the retention size ceiling, then re-run."
	case KindTransientIO:
		return "Transient I/O error; re-run the backup. If it persists, check the disk with smartctl."
	case KindFileMissing:
		return "The source file disappeared mid-run; confirm it still exists or remove it from the backup set."
	case KindSizeMismatch:
		return "Copied size differs from source; the file may have changed during the run. Re-run the backup."
	case KindCopyFailed:
		return "Copy failed after retries; check destination health and re-run."
	case KindVerificationFailed:
		return "Backup artifact failed integrity verification; re-run the backup and verify again."
	case KindDestinationUnreachable:
		return "Backup destination is unreachable; reconnect the drive or remount the destination."
	default:
		return "Unrecognized error; inspect the run log for details."
	}
}
