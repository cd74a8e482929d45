package domain

import (
	"errors"
	"fmt"
)

// OperationType identifies a kind of metered work.
type OperationType string

const (
	OperationSingle       OperationType = "single"
	OperationBatch        OperationType = "batch"
	OperationBulkImport   OperationType = "bulk_import"
	OperationFileImport   OperationType = "file_import"
	OperationRegeneration OperationType = "regeneration"
)

const (
	batchSmallMin  = 5
	batchSmallMax  = 10
	batchSmallCost = 5
	batchLargeCost = 10
)

var ErrUnknownOperation = errors.New("unknown_operation_type")

// ErrInvalidQuantity is returned when a quantity is not positive.
var ErrInvalidQuantity = errors.New("invalid_quantity")

func (o OperationType) Valid() bool {
	switch o {
	case OperationSingle, OperationBatch, OperationBulkImport, OperationFileImport, OperationRegeneration:
		return true
	}
	return false
}

// Cost returns the credit cost of one operation.
//
// Batches of 5..10 items cost a flat 5 and larger batches a flat 10.
// Batches below 5 items are charged per item.
func Cost(op OperationType, quantity int) (int64, error) {
	if quantity <= 0 {
		return 0, ErrInvalidQuantity
	}
	switch op {
	case OperationSingle, OperationRegeneration:
		return 1, nil
	case OperationBatch:
		switch {
		case quantity > batchSmallMax:
			return batchLargeCost, nil
		case quantity >= batchSmallMin:
			return batchSmallCost, nil
		default:
			return int64(quantity), nil
		}
	case OperationBulkImport, OperationFileImport:
		return int64(quantity), nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownOperation, op)
	}
}
