package app

import (
	"errors"
	"testing"

	"scribe/internal/scribe"
)

func TestNewOperation(t *testing.T) {
	tests := []struct {
		name       string
		operation  string
		parameters string
	}{
		{name: "with parameters", operation: "PushProject", parameters: "p1"},
		{name: "empty parameters", operation: "Sync", parameters: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := NewOperation(tt.operation, tt.parameters)

			if op.Operation != tt.operation {
				t.Errorf("Operation = %q, want %q", op.Operation, tt.operation)
			}
			if op.Parameters != tt.parameters {
				t.Errorf("Parameters = %q, want %q", op.Parameters, tt.parameters)
			}
			if op.Status != scribe.OperationSuccess {
				t.Errorf("Status = %q, want %q", op.Status, scribe.OperationSuccess)
			}
			if op.ID != 0 {
				t.Errorf("ID = %d, want 0", op.ID)
			}
		})
	}
}

func TestOperation_Persisted(t *testing.T) {
	tests := []struct {
		name string
		id   int64
		want bool
	}{
		{name: "not persisted when ID is 0", id: 0, want: false},
		{name: "persisted when ID is positive", id: 1, want: true},
		{name: "persisted when ID is large", id: 99999, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := &Operation{ID: tt.id}
			if got := op.Persisted(); got != tt.want {
				t.Errorf("Persisted() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOperation_Fail(t *testing.T) {
	op := NewOperation("DeleteProject", "p1")

	op.Fail(nil)
	if op.Status != scribe.OperationSuccess {
		t.Errorf("Fail(nil) changed status to %q", op.Status)
	}

	op.Fail(errors.New("store unreachable"))
	if op.Status != scribe.OperationError || op.Message != "store unreachable" {
		t.Errorf("after Fail: status=%q message=%q", op.Status, op.Message)
	}
}
