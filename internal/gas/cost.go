// Package gas meters the work performed by untrusted code. It carries two
// tracks: a per-invocation gauge with a hard ceiling, and a process-wide
// accountant keeping per-user balances and per-function cumulative usage.
package gas

// Op classifies an atomic operation for gas pricing.
type Op string

const (
	OpFunctionCall   Op = "function_call"
	OpPropertyAccess Op = "property_access"
	OpArrayAccess    Op = "array_access"
	OpObjectCreation Op = "object_creation"
	OpArrayCreation  Op = "array_creation"
	OpStringOp       Op = "string_op"
	OpMathOp         Op = "math_op"
	OpComparison     Op = "comparison"
	OpLoopIteration  Op = "loop_iteration"
	OpStorageRead    Op = "storage_read"
	OpStorageWrite   Op = "storage_write"
	OpCryptoOp       Op = "crypto_op"
	OpJSExecution    Op = "js_execution"
	OpMemoryAlloc    Op = "memory_alloc"
	OpNetworkOp      Op = "network_op"
	OpAttestation    Op = "attestation"
	OpSealing        Op = "sealing"
	OpUnsealing      Op = "unsealing"
)

// CostOf prices an operation of the given class and payload size. The
// figures are part of the public contract and must not be re-tuned.
func CostOf(op Op, size uint64) uint64 {
	switch op {
	case OpFunctionCall:
		return 100
	case OpPropertyAccess:
		return 10
	case OpArrayAccess:
		return 20
	case OpObjectCreation:
		return 50 + size
	case OpArrayCreation:
		return 30 + size
	case OpStringOp:
		return 5 + size/100
	case OpMathOp:
		return 5
	case OpComparison:
		return 3
	case OpLoopIteration:
		return 10
	case OpStorageRead:
		return 100 + size/1024
	case OpStorageWrite:
		return 200 + size/512
	case OpCryptoOp:
		return 500 + size/256
	case OpJSExecution:
		return 1000 + size/100
	case OpMemoryAlloc:
		return 10 + size/1024
	case OpNetworkOp:
		return 1000 + size/512
	case OpAttestation:
		return 5000
	case OpSealing:
		return 1000 + size/256
	case OpUnsealing:
		return 500 + size/256
	default:
		return 1
	}
}
