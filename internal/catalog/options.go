package catalog

import (
	"fmt"
	"time"
)

// WriterPolicy decides what a write does while a commit is in flight.
type WriterPolicy string

const (
	// PolicyBlock waits for the commit to finish, bounded by the caller's
	// context.
	PolicyBlock WriterPolicy = "block"
	// PolicyReject fails immediately with WriterBusy.
	PolicyReject WriterPolicy = "reject"
)

// IndexOptions is the per-index commit policy and engine choice. Zero
// fields take the catalog defaults at creation time; the resolved values
// are persisted with the index.
type IndexOptions struct {
	Engine          string        `json:"engine,omitempty"`
	CommitInterval  time.Duration `json:"commit_interval,omitempty"`
	CommitThreshold int           `json:"commit_threshold,omitempty"`
	WriterPolicy    WriterPolicy  `json:"writer_policy,omitempty"`
}

func (o IndexOptions) withDefaults(d IndexOptions) IndexOptions {
	if o.Engine == "" {
		o.Engine = d.Engine
	}
	if o.CommitInterval <= 0 {
		o.CommitInterval = d.CommitInterval
	}
	if o.CommitThreshold <= 0 {
		o.CommitThreshold = d.CommitThreshold
	}
	if o.WriterPolicy == "" {
		o.WriterPolicy = d.WriterPolicy
	}
	return o
}

func (o IndexOptions) validate() error {
	switch o.WriterPolicy {
	case PolicyBlock, PolicyReject:
	default:
		return fmt.Errorf("writer policy must be block or reject, got %q", o.WriterPolicy)
	}
	if o.CommitInterval <= 0 {
		return fmt.Errorf("commit interval must be positive")
	}
	if o.CommitThreshold <= 0 {
		return fmt.Errorf("commit threshold must be positive")
	}
	return nil
}
