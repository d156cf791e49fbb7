package testutil

import "sensesync/internal/host"

// FilterOperations filters recorded host operations by kind
func FilterOperations(ops []host.Operation, kind string) []host.Operation {
	var filtered []host.Operation
	for _, op := range ops {
		if op.Kind == kind {
			filtered = append(filtered, op)
		}
	}
	return filtered
}

// FindOperationWithValue finds the most recent operation of a kind on a
// device with a matching key and value
func FindOperationWithValue(ops []host.Operation, kind string, id host.DeviceID, key string, value interface{}) *host.Operation {
	for i := len(ops) - 1; i >= 0; i-- {
		op := ops[i]
		if op.Kind == kind && op.Device == id && op.Key == key && op.Value == value {
			return &op
		}
	}
	return nil
}

// OperationsFor returns the recorded operations of one device
func OperationsFor(ops []host.Operation, id host.DeviceID) []host.Operation {
	var filtered []host.Operation
	for _, op := range ops {
		if op.Device == id {
			filtered = append(filtered, op)
		}
	}
	return filtered
}
