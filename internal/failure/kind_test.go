package failure

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"syscall"
	"testing"
)

// TestClassifyPermission tests that permission errors classify as permanent
// permission-denied regardless of how they are wrapped.
func TestClassifyPermission(t *testing.T) {
	cases := []error{
		os.ErrPermission,
		&os.PathError{Op: "open", Path: "/etc/shadow", Err: syscall.EACCES},
		fmt.Errorf("copying: %w", fs.ErrPermission),
		syscall.EPERM,
	}

	for _, err := range cases {
		if got := Classify(err); got != KindPermissionDenied {
			t.Errorf("Classify(%v) = %s, want %s", err, got, KindPermissionDenied)
		}
	}
}

// TestClassifyDiskFull tests ENOSPC and EDQUOT mapping.
func TestClassifyDiskFull(t *testing.T) {
	cases := []error{
		&os.PathError{Op: "write", Path: "/backup/x", Err: syscall.ENOSPC},
		fmt.Errorf("flushing: %w", syscall.EDQUOT),
	}

	for _, err := range cases {
		if got := Classify(err); got != KindDiskFull {
			t.Errorf("Classify(%v) = %s, want %s", err, got, KindDiskFull)
		}
	}
}

// TestClassifyMissing tests that missing files classify as file-missing.
func TestClassifyMissing(t *testing.T) {
	_, err := os.Open("/nonexistent/path/for/classify/test")
	if err == nil {
		t.Fatal("expected open error")
	}

	if got := Classify(err); got != KindFileMissing {
		t.Errorf("Classify(%v) = %s, want %s", err, got, KindFileMissing)
	}
}

// TestClassifyTransient tests transient errno mapping.
func TestClassifyTransient(t *testing.T) {
	for _, errno := range []syscall.Errno{syscall.EIO, syscall.EAGAIN, syscall.EINTR, syscall.EBUSY, syscall.ETIMEDOUT} {
		err := &os.PathError{Op: "read", Path: "/src", Err: errno}
		if got := Classify(err); got != KindTransientIO {
			t.Errorf("Classify(%v) = %s, want %s", errno, got, KindTransientIO)
		}
	}
}

// TestClassifyUnreachable tests destination-unreachable errno mapping.
func TestClassifyUnreachable(t *testing.T) {
	for _, errno := range []syscall.Errno{syscall.ENODEV, syscall.EHOSTUNREACH, syscall.ECONNREFUSED, syscall.ESTALE} {
		if got := Classify(errno); got != KindDestinationUnreachable {
			t.Errorf("Classify(%v) = %s, want %s", errno, got, KindDestinationUnreachable)
		}
	}
}

// TestClassifyUnknown tests the conservative default.
func TestClassifyUnknown(t *testing.T) {
	if got := Classify(errors.New("something odd happened")); got != KindUnknown {
		t.Errorf("expected unknown, got %s", got)
	}
	if got := Classify(nil); got != KindUnknown {
		t.Errorf("expected unknown for nil, got %s", got)
	}
}

// TestPermanentKinds tests which kinds skip the retry budget.
func TestPermanentKinds(t *testing.T) {
	permanent := []Kind{KindPermissionDenied, KindDiskFull, KindFileMissing}
	retryable := []Kind{KindTransientIO, KindUnknown, KindDestinationUnreachable, KindCopyFailed}

	for _, k := range permanent {
		if !k.Permanent() {
			t.Errorf("%s should be permanent", k)
		}
	}
	for _, k := range retryable {
		if k.Permanent() {
			t.Errorf("%s should not be permanent", k)
		}
	}
}

// TestEveryKindHasHint tests that no kind produces an empty remediation hint.
func TestEveryKindHasHint(t *testing.T) {
	kinds := []Kind{
		KindPermissionDenied, KindDiskFull, KindTransientIO, KindFileMissing,
		KindSizeMismatch, KindCopyFailed, KindVerificationFailed,
		KindDestinationUnreachable, KindUnknown,
	}

	for _, k := range kinds {
		if Hint(k) == "" {
			t.Errorf("kind %s has no remediation hint", k)
		}
	}
}

// TestNewRecord tests record construction from a classified error.
func TestNewRecord(t *testing.T) {
	err := &os.PathError{Op: "open", Path: "/data/notes.txt", Err: syscall.EACCES}
	rec := NewRecord(TargetFile, "/data/notes.txt", Classify(err), err, 1)

	if rec.Kind != KindPermissionDenied {
		t.Errorf("expected permission-denied, got %s", rec.Kind)
	}
	if rec.Hint == "" {
		t.Error("expected a remediation hint")
	}
	if rec.Message == "" {
		t.Error("expected the error message to be captured")
	}
	if rec.Target != TargetFile {
		t.Errorf("expected file target, got %s", rec.Target)
	}
}
