package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for simple conditions without extra context.
var (
	ErrStoreNotFound = errors.New("store not found")
)

// InvalidNameError is returned when a store name does not yield a usable slug.
type InvalidNameError struct {
	Name string
}

func (e *InvalidNameError) Error() string {
	return "store name must contain at least 2 alphanumeric characters"
}

// SlugConflictError is returned when a store slug is already claimed by a
// live (non-deleted, non-failed) store.
type SlugConflictError struct {
	Slug         string
	ExistingName string
}

func (e *SlugConflictError) Error() string {
	return fmt.Sprintf("a store with a similar name already exists (%q)", e.ExistingName)
}

// CapacityError is returned when the admission cap on active stores is reached.
type CapacityError struct {
	Limit int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("maximum number of stores (%d) reached", e.Limit)
}

// TransitionError is returned when a state transition is not allowed.
type TransitionError struct {
	Event   Event
	Current Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("event %q is not valid from state %q", e.Event, e.Current)
}
