package sched

import (
	"github.com/omalloc/surge/storage/mmapfile"
	"github.com/omalloc/surge/transport"
)

// Job is one server-side response in flight: the association it must be
// answered on, the mapped file to send, its canonical path, and the
// session PPID it must be tagged with on the wire.
type Job struct {
	Assoc transport.Association
	File  *mmapfile.MappedFile
	Path  string
	PPID  uint32
}

// Handler executes one job on the worker owning streamIdx. Implementations
// compose the metadata packet followed by chunks, per spec.md §4.9.
type Handler func(job Job, streamIdx int)

// Scheduler is the shared interface SJF and RR both satisfy.
type Scheduler interface {
	Schedule(job Job)
	Close() error
}
