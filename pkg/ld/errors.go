package ld

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind separates malformed input from input this parser cannot translate.
type ErrorKind int

const (
	KindFormat ErrorKind = iota
	KindUnsupported
)

func (k ErrorKind) String() string {
	if k == KindUnsupported {
		return "unsupported"
	}
	return "malformed"
}

var (
	// ErrFormat matches every *ParseError of KindFormat.
	ErrFormat = errors.New("malformed object file")
	// ErrUnsupported matches every *ParseError of KindUnsupported.
	ErrUnsupported = errors.New("unsupported encoding")
)

// ParseError is the only error type returned by Parse.
type ParseError struct {
	Kind ErrorKind
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s object file: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s object file: %v", e.Path, e.Kind, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func (e *ParseError) Is(target error) bool {
	switch target {
	case ErrFormat:
		return e.Kind == KindFormat
	case ErrUnsupported:
		return e.Kind == KindUnsupported
	}
	return false
}

func formatErrorf(format string, args ...any) error {
	return &ParseError{Kind: KindFormat, Err: errors.Errorf(format, args...)}
}

func unsupportedf(format string, args ...any) error {
	return &ParseError{Kind: KindUnsupported, Err: errors.Errorf(format, args...)}
}

// IsFormatError reports whether err is (or wraps) a malformed-input error.
func IsFormatError(err error) bool { return errors.Is(err, ErrFormat) }

// IsUnsupported reports whether err is (or wraps) an unsupported-encoding error.
func IsUnsupported(err error) bool { return errors.Is(err, ErrUnsupported) }

func withPath(err error, path string) error {
	var pe *ParseError
	if errors.As(err, &pe) {
		pe.Path = path
		return pe
	}
	return &ParseError{Kind: KindFormat, Path: path, Err: err}
}
