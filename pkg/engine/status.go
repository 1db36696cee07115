package engine

import "fmt"

// NodeStatus represents the build status of a single node for one target.
type NodeStatus string

const (
	// NodeStatusPending indicates the node has not been scheduled yet.
	NodeStatusPending NodeStatus = "pending"

	// NodeStatusRunning indicates the node is currently building.
	NodeStatusRunning NodeStatus = "running"

	// NodeStatusBuilt indicates the node built successfully.
	NodeStatusBuilt NodeStatus = "built"

	// NodeStatusCached indicates the node was satisfied from the build
	// cache without invoking the toolchain.
	NodeStatusCached NodeStatus = "cached"

	// NodeStatusIgnored indicates the overlay declares the node
	// intentionally unsupported on the current target.
	NodeStatusIgnored NodeStatus = "ignored"

	// NodeStatusFailed indicates the toolchain invocation or layout
	// materialization failed.
	NodeStatusFailed NodeStatus = "failed"

	// NodeStatusBlocked indicates a transitive dependency failed, so the
	// node was never attempted.
	NodeStatusBlocked NodeStatus = "skipped-blocked"

	// NodeStatusCancelled indicates the run was cancelled before the node
	// started.
	NodeStatusCancelled NodeStatus = "skipped-cancelled"
)

// IsTerminal returns true if the status represents a final state.
func (s NodeStatus) IsTerminal() bool {
	switch s {
	case NodeStatusBuilt, NodeStatusCached, NodeStatusIgnored,
		NodeStatusFailed, NodeStatusBlocked, NodeStatusCancelled:
		return true
	default:
		return false
	}
}

// Succeeded returns true if the node's outputs are available to dependents.
func (s NodeStatus) Succeeded() bool {
	return s == NodeStatusBuilt || s == NodeStatusCached
}

// Validate checks if the node status is valid.
func (s NodeStatus) Validate() error {
	switch s {
	case NodeStatusPending, NodeStatusRunning, NodeStatusBuilt, NodeStatusCached,
		NodeStatusIgnored, NodeStatusFailed, NodeStatusBlocked, NodeStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid node status: %s", s)
	}
}

// RunStatus represents the overall status of a build run.
type RunStatus string

const (
	// RunStatusPending indicates the run has not started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every non-ignored node built.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates at least one node failed.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was cancelled.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// Exit code contract of the CLI.
const (
	ExitOK         = 0
	ExitNodeFailed = 1
	ExitStructural = 2
	ExitCancelled  = 3
)

// ExitCode maps a run status to the process exit code.
func (s RunStatus) ExitCode() int {
	switch s {
	case RunStatusSucceeded:
		return ExitOK
	case RunStatusCancelled:
		return ExitCancelled
	default:
		return ExitNodeFailed
	}
}
