// Package executor runs user-supplied scripts inside an isolated goja
// evaluator, exposing a bounded capability surface (storage, secrets,
// crypto, console, enclave) and metering every capability call through the
// gas meter. A fresh evaluator is created per invocation, so no state
// survives between runs; exceptions in user code become a JSON error
// envelope, never a crash.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/R3E-Network/enclave_layer/internal/gas"
	"github.com/R3E-Network/enclave_layer/internal/platform"
	"github.com/R3E-Network/enclave_layer/internal/secrets"
	"github.com/R3E-Network/enclave_layer/internal/storage"
	"github.com/R3E-Network/enclave_layer/pkg/logger"
)

var (
	// ErrInvalidScript reports code the evaluator could not compile.
	ErrInvalidScript = errors.New("executor: invalid script")

	// errTimeCap is the interrupt value for the hard execution backstop.
	errTimeCap = errors.New("executor: execution time cap reached")
)

const (
	// DefaultTimeCap bounds a runaway pure-compute loop that performs no
	// metered operations. Gas remains the primary cancellation mechanism.
	DefaultTimeCap = 30 * time.Second

	// maxCallStackSize bounds evaluator recursion depth.
	maxCallStackSize = 2048
)

// Invocation is the ephemeral context of a single call. It is created at
// dispatch and destroyed at return; it is never persisted.
type Invocation struct {
	Code       string
	InputJSON  string
	FunctionID string
	UserID     string
	GasLimit   uint64
}

// Result is the outcome of an invocation. OK is true when the evaluator
// ran to completion, including the case where user code threw and the
// wrapper converted the exception to a JSON error envelope. GasExceeded
// marks the terminal gas failure; the evaluator that hit it is destroyed,
// never reused.
type Result struct {
	OK          bool
	GasExceeded bool
	Value       string
	Error       string
	GasUsed     uint64
	Logs        []string
}

// Executor wires the evaluator to the rest of the runtime.
type Executor struct {
	plat    platform.Platform
	store   *storage.Store
	vault   *secrets.Vault
	ledger  *gas.Accountant
	timeCap time.Duration
	log     *logger.Logger
}

// New creates an executor.
func New(plat platform.Platform, store *storage.Store, vault *secrets.Vault, ledger *gas.Accountant, log *logger.Logger) *Executor {
	if log == nil {
		log = logger.NewDefault("executor")
	}
	return &Executor{
		plat:    plat,
		store:   store,
		vault:   vault,
		ledger:  ledger,
		timeCap: DefaultTimeCap,
		log:     log,
	}
}

// SetTimeCap overrides the hard execution backstop, mainly for tests.
func (e *Executor) SetTimeCap(d time.Duration) { e.timeCap = d }

// Execute runs an invocation in a fresh evaluator.
func (e *Executor) Execute(ctx context.Context, inv Invocation) (*Result, error) {
	return e.execute(ctx, inv, true)
}

// execute runs the invocation; chargeStartup controls whether the
// js_execution startup cost applies (pooled contexts pay it only once).
func (e *Executor) execute(ctx context.Context, inv Invocation, chargeStartup bool) (*Result, error) {
	meter := gas.NewMeter(inv.GasLimit)
	e.ledger.StartAccounting(inv.FunctionID, inv.UserID)
	defer func() {
		e.ledger.StopAccounting(inv.FunctionID, inv.UserID, meter.Used())
	}()

	if chargeStartup {
		if err := meter.ChargeOp(gas.OpJSExecution, uint64(len(inv.Code))); err != nil {
			return &Result{GasExceeded: true, Error: err.Error(), GasUsed: meter.Used()}, nil
		}
	}

	snapshot, err := e.vault.SnapshotForUser(inv.UserID)
	if err != nil {
		return nil, fmt.Errorf("secrets snapshot: %w", err)
	}

	vm := goja.New()
	vm.SetMaxCallStackSize(maxCallStackSize)

	bridge := &capabilityBridge{
		exec:  e,
		vm:    vm,
		meter: meter,
		inv:   &inv,
	}
	if err := bridge.install(); err != nil {
		return nil, fmt.Errorf("install capabilities: %w", err)
	}

	wrapped, err := wrapScript(inv, snapshot)
	if err != nil {
		return nil, err
	}
	program, err := goja.Compile(inv.FunctionID+".js", wrapped, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScript, err)
	}

	// Hard backstops: wall-clock cap and caller cancellation. Gas exceeded
	// interrupts arrive through the same mechanism from the bridge.
	timer := time.AfterFunc(e.timeCap, func() { vm.Interrupt(errTimeCap) })
	defer timer.Stop()
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-watchDone:
		}
	}()

	value, runErr := vm.RunProgram(program)

	result := &Result{Logs: bridge.logs, GasUsed: meter.Used()}
	if runErr != nil {
		var interrupted *goja.InterruptedError
		var thrown *goja.Exception
		switch {
		case errors.As(runErr, &interrupted):
			if meter.Exceeded() {
				result.GasExceeded = true
				result.Error = gas.ErrGasExceeded.Error()
				return result, nil
			}
			result.Error = fmt.Sprintf("%v", interrupted.Value())
			return result, nil
		case errors.As(runErr, &thrown):
			// Exceptions outside the wrapper's try block (top-level user
			// code) get the same envelope treatment.
			result.OK = true
			result.Value = errorEnvelope(thrown.Error())
			return result, nil
		default:
			return nil, fmt.Errorf("evaluate script: %w", runErr)
		}
	}

	result.OK = true
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		result.Value = "null"
	} else {
		result.Value = value.String()
	}
	return result, nil
}

// Validate checks that code compiles without running it.
func (e *Executor) Validate(code string) error {
	if _, err := goja.Compile("validate.js", code, false); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidScript, err)
	}
	return nil
}

// wrapScript composes the execution wrapper around the user code. The
// wrapper's final expression becomes the invocation result; exceptions from
// main are converted to a JSON error envelope in-script.
func wrapScript(inv Invocation, secretsJSON string) (string, error) {
	input := strings.TrimSpace(inv.InputJSON)
	if input == "" {
		input = "{}"
	}
	if secretsJSON == "" {
		secretsJSON = "{}"
	}
	var b strings.Builder
	b.WriteString(inv.Code)
	b.WriteString("\n;try {\n")
	fmt.Fprintf(&b, "  const input = %s;\n", input)
	fmt.Fprintf(&b, "  const secrets = %s;\n", secretsJSON)
	fmt.Fprintf(&b, "  const result = main(input, secrets, %q, %q);\n", inv.FunctionID, inv.UserID)
	b.WriteString("  JSON.stringify(result);\n")
	b.WriteString("} catch (e) {\n")
	b.WriteString("  JSON.stringify({ error: e.message });\n")
	b.WriteString("}\n")
	return b.String(), nil
}

func errorEnvelope(msg string) string {
	out, err := jsonMarshalString(msg)
	if err != nil {
		return `{"error":"unserializable error"}`
	}
	return `{"error":` + out + `}`
}
