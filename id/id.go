// Package id defines the identifiers the scheduler attaches to its logs,
// spans and metrics.
//
// IDs have the form "prefix_uuid" where the UUID is version 7, so IDs of the
// same prefix sort by creation time.
package id

import (
	"fmt"

	"github.com/google/uuid"
)

// Prefix identifies the kind of entity an ID names.
type Prefix string

// Prefix constants.
const (
	// PrefixScheduler names one queue scheduler instance.
	PrefixScheduler Prefix = "qs"
	// PrefixProcess names one scheduler process (the CLI), which may host
	// schedulers for several queues.
	PrefixProcess Prefix = "proc"
)

// ID is a prefixed, time-ordered identifier.
type ID struct {
	prefix Prefix
	uuid   uuid.UUID
}

// Nil is the zero-value ID.
var Nil ID

// New generates an ID with the given prefix. It panics if no UUIDv7 can be
// generated, which only happens when the system random source fails.
func New(prefix Prefix) ID {
	u, err := uuid.NewV7()
	if err != nil {
		panic(fmt.Sprintf("id: generate %q: %v", prefix, err))
	}
	return ID{prefix: prefix, uuid: u}
}

// NewSchedulerID generates a queue scheduler ID.
func NewSchedulerID() ID { return New(PrefixScheduler) }

// NewProcessID generates a process ID.
func NewProcessID() ID { return New(PrefixProcess) }

// Prefix returns the ID's prefix.
func (i ID) Prefix() Prefix { return i.prefix }

// IsNil reports whether i is the zero ID.
func (i ID) IsNil() bool { return i == Nil }

// String returns "prefix_uuid", or "" for Nil.
func (i ID) String() string {
	if i.IsNil() {
		return ""
	}
	return string(i.prefix) + "_" + i.uuid.String()
}
