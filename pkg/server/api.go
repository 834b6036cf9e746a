package server

import (
	"github.com/abshkbh/qalloc/pkg/config"
	"github.com/abshkbh/qalloc/pkg/qubit"
)

// CreatePoolRequest creates a pool. Fields left out of Allocator keep the
// server defaults.
type CreatePoolRequest struct {
	Allocator *config.AllocatorConfig `json:"allocator,omitempty"`
}

// CountRequest asks for a number of ids.
type CountRequest struct {
	Count int `json:"count"`
}

// IDsRequest names ids to release, return or disable.
type IDsRequest struct {
	IDs []qubit.ID `json:"ids"`
}

// IDsResponse carries ids handed out by allocate or borrow.
type IDsResponse struct {
	IDs []qubit.ID `json:"ids"`
}

// FrameRequest enters an operation scope with the given argument ids.
type FrameRequest struct {
	Args []qubit.ID `json:"args"`
}

// ExclusionResponse carries the current and enclosing frames' exclusion
// sets.
type ExclusionResponse struct {
	Current []qubit.ID `json:"current"`
	Parent  []qubit.ID `json:"parent"`
}

type ListPoolsResponse struct {
	Pools []PoolStats `json:"pools"`
}

type DeleteAllResponse struct {
	Deleted int `json:"deleted"`
}

type ErrorResponseError struct {
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error *ErrorResponseError `json:"error"`
}
