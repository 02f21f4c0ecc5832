package app

import "scribe/internal/scribe"

// Operation tracks a CLI command that may touch the remote store.
// Operations are created in memory with ID=0. Only mutating commands persist
// them to the journal, which assigns the ID.
type Operation struct {
	ID         int64
	Operation  string
	Parameters string
	Status     string
	Message    string
}

// NewOperation creates a new in-memory operation.
func NewOperation(operation, parameters string) *Operation {
	return &Operation{
		Operation:  operation,
		Parameters: parameters,
		Status:     scribe.OperationSuccess,
	}
}

// Persisted returns true if this operation has been saved to the journal.
func (op *Operation) Persisted() bool {
	return op.ID != 0
}

// Fail marks the operation as failed with err. A nil err leaves it unchanged.
func (op *Operation) Fail(err error) {
	if err == nil {
		return
	}
	op.Status = scribe.OperationError
	op.Message = err.Error()
}
