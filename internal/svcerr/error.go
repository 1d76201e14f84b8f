// Package svcerr carries coded service errors shared by the domain services.
package svcerr

import (
	"errors"
	"fmt"
)

// ServiceError pairs a stable "<operation>.<reason>" code with its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the machine readable error code.
func (e *ServiceError) Code() string {
	return e.code
}

// New builds a ServiceError for the operation and reason.
func New(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// CodeOf extracts the service code from err, or returns an empty string.
func CodeOf(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return ""
}
