package access

import "errors"

var (
	ErrInvalidInput      = errors.New("access: invalid input")
	ErrNotFound          = errors.New("access: not found")
	ErrConflict          = errors.New("access: resource conflict")
	ErrUnauthorized      = errors.New("access: unauthorized")
	ErrPermissionDenied  = errors.New("access: permission denied")
	ErrInvalidToken      = errors.New("access: invalid token")
	ErrAccountLocked     = errors.New("access: account locked")
	ErrSystemRole        = errors.New("access: system role is immutable")
	ErrUnknownPermission = errors.New("access: permission not in catalog")
)
