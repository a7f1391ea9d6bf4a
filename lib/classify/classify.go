// Package classify implements the Node Classifier (C5): the truth table
// from spec.md §4.5, verified against the original's two independent
// implementations (computation_service.py and node/builder.py) which
// agree on every row.
package classify

import (
	"github.com/nuts-foundation/mcsd-federation/lib/adjacency"
	"github.com/nuts-foundation/mcsd-federation/lib/hash"
)

// Status is the classifier's verdict for one node.
type Status string

const (
	StatusNew     Status = "new"
	StatusUpdate  Status = "update"
	StatusDelete  Status = "delete"
	StatusEqual   Status = "equal"
	StatusIgnore  Status = "ignore"
	StatusUnknown Status = "unknown"
)

// Input is the per-node evidence the classifier reasons over.
type Input struct {
	Method             adjacency.Method
	UpstreamHash       hash.Fingerprint
	HasUpstreamHash    bool
	LocalHash          hash.Fingerprint
	HasLocalHash       bool
	HasResourceMap     bool
	UnresolvedInClosure bool
}

// Classify returns the status for one node per spec.md §4.5's table. An
// unresolved reference anywhere in the node's closure always wins and
// yields "ignore", independent of the other inputs.
func Classify(in Input) Status {
	if in.UnresolvedInClosure {
		return StatusIgnore
	}

	if in.Method == adjacency.MethodDELETE {
		if !in.HasLocalHash {
			return StatusIgnore
		}
		return StatusDelete
	}

	switch {
	case in.HasUpstreamHash && in.HasLocalHash:
		if in.UpstreamHash == in.LocalHash {
			return StatusEqual
		}
		return StatusUpdate
	case in.HasUpstreamHash && !in.HasLocalHash && !in.HasResourceMap:
		return StatusNew
	case in.HasUpstreamHash && !in.HasLocalHash && in.HasResourceMap:
		return StatusUpdate
	default:
		return StatusUnknown
	}
}
