package graph

import "errors"

var (
	// ErrNoActiveTransaction is returned when a transaction handle is used
	// after Commit or Rollback.
	ErrNoActiveTransaction = errors.New("no active transaction")

	// ErrReadOnly is returned by mutations on a read-only transaction.
	ErrReadOnly = errors.New("transaction is read-only")

	// ErrWriteConflict is returned by Commit when another transaction
	// committed after this one began and this one has writes.
	ErrWriteConflict = errors.New("write conflict: graph changed since transaction began")

	ErrNodeNotFound         = errors.New("node not found")
	ErrRelationshipNotFound = errors.New("relationship not found")
	ErrInvalidValue         = errors.New("invalid property value")
)
