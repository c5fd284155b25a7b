package models

import (
	"errors"
)

var (
	// ErrInvalidHierarchy means the key set does not match the declared node type
	ErrInvalidHierarchy = errors.New("invalid hierarchy")

	// ErrUnknownNodeType means the node type is not one of the four levels
	ErrUnknownNodeType = errors.New("unknown node type")

	// ErrNodeNotFound means no node with the given id exists at any level
	ErrNodeNotFound = errors.New("node not found")

	// ErrCapacityExceeded means the capacity policy rejected a registration
	ErrCapacityExceeded = errors.New("level capacity exceeded")

	// ErrStoreUnavailable means the shared store rejected an operation
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Wire error codes returned at the host boundary
const (
	CodeInvalidHierarchy = "INVALID_HIERARCHY"
	CodeUnknownNodeType  = "UNKNOWN_NODE_TYPE"
	CodeNodeNotFound     = "NODE_NOT_FOUND"
	CodeCapacityExceeded = "CAPACITY_EXCEEDED"
	CodeStoreUnavailable = "STORE_UNAVAILABLE"
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeInternalError    = "INTERNAL_ERROR"
)

// ErrorCode maps an error from the coordination layer to its wire code
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidHierarchy):
		return CodeInvalidHierarchy
	case errors.Is(err, ErrUnknownNodeType):
		return CodeUnknownNodeType
	case errors.Is(err, ErrNodeNotFound):
		return CodeNodeNotFound
	case errors.Is(err, ErrCapacityExceeded):
		return CodeCapacityExceeded
	case errors.Is(err, ErrStoreUnavailable):
		return CodeStoreUnavailable
	default:
		return CodeInternalError
	}
}
