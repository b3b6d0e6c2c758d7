package dberrors

import (
	"errors"
	"fmt"

	"clusterdb/pkg/types"
)

var (
	ErrNoHeader                  = errors.New("clusterdb: request carries no header node")
	ErrPartitionTableUnavailable = errors.New("clusterdb: partition table unavailable")
	ErrNotInSameGroup            = errors.New("clusterdb: not in the same group")
	ErrUnknownHeader             = errors.New("clusterdb: unknown header")
	ErrSelfMemberMissing         = errors.New("clusterdb: member of this node's own group is missing")
	ErrMemberStopped             = errors.New("clusterdb: member stopped")
	ErrInvalidArgument           = errors.New("clusterdb: invalid argument")
)

// PartitionTableUnavailableError is returned while the node has not finished
// its initial cluster synchronization. Callers should retry later.
type PartitionTableUnavailableError struct {
	Node types.Node
}

func (e *PartitionTableUnavailableError) Error() string {
	return fmt.Sprintf("%s: partition table of %s is not ready", ErrPartitionTableUnavailable, e.Node)
}

func (e *PartitionTableUnavailableError) Is(target error) bool {
	return target == ErrPartitionTableUnavailable
}

// NotInSameGroupError is returned when a peer addresses this node as a member
// of a group it does not belong to.
type NotInSameGroupError struct {
	Group    []types.Node
	ThisNode types.Node
}

func (e *NotInSameGroupError) Error() string {
	return fmt.Sprintf("%s: %s is not in group %v", ErrNotInSameGroup, e.ThisNode, e.Group)
}

func (e *NotInSameGroupError) Is(target error) bool {
	return target == ErrNotInSameGroup
}
