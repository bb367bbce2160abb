// Package input resolves input references to the documents they name and
// discovers new documents to process.
package input

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	// ErrNotFound matches every *NotFoundError.
	ErrNotFound = errors.New("input not found")
	// ErrUnsupportedScheme is returned by Router for references whose scheme
	// has no registered checker.
	ErrUnsupportedScheme = errors.New("unsupported input scheme")
)

// NotFoundError reports an input reference that does not resolve.
type NotFoundError struct {
	Ref string
	Err error
}

func (e *NotFoundError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("input %q not found: %v", e.Ref, e.Err)
	}
	return fmt.Sprintf("input %q not found", e.Ref)
}

func (e *NotFoundError) Unwrap() error { return e.Err }

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// Checker verifies an input reference exists.
type Checker interface {
	Check(ctx context.Context, ref string) error
}

// FileChecker checks local paths. References may carry a "file://" prefix.
type FileChecker struct{}

func (FileChecker) Check(_ context.Context, ref string) error {
	path := strings.TrimPrefix(ref, "file://")
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return &NotFoundError{Ref: ref}
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return &NotFoundError{Ref: ref, Err: errors.New("is a directory")}
	}
	return nil
}

// Router dispatches a reference to the checker registered for its scheme.
// References without a scheme use the "file" checker.
type Router struct {
	checkers map[string]Checker
}

func NewRouter() *Router {
	return &Router{checkers: map[string]Checker{"file": FileChecker{}}}
}

// Handle registers c for references starting with scheme + "://".
func (r *Router) Handle(scheme string, c Checker) *Router {
	r.checkers[scheme] = c
	return r
}

func (r *Router) Check(ctx context.Context, ref string) error {
	scheme := "file"
	if i := strings.Index(ref, "://"); i > 0 {
		scheme = ref[:i]
	}
	c, ok := r.checkers[scheme]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnsupportedScheme, scheme)
	}
	return c.Check(ctx, ref)
}
