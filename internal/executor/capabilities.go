package executor

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dop251/goja"

	"github.com/R3E-Network/enclave_layer/internal/gas"
	"github.com/R3E-Network/enclave_layer/internal/secrets"
)

// capabilityBridge injects the capability object graph into one evaluator
// and routes every call through the gas meter. Capabilities are the sole
// channel through which user code reaches outside the sandbox.
type capabilityBridge struct {
	exec  *Executor
	vm    *goja.Runtime
	meter *gas.Meter
	inv   *Invocation
	logs  []string
}

// stateNamespace derives the KV namespace an invocation may touch. The
// storage layer sanitizes it for the blob path.
func stateNamespace(userID, functionID string) string {
	return fmt.Sprintf("state:%s:%s", userID, functionID)
}

func (b *capabilityBridge) install() error {
	if err := b.installStorage(); err != nil {
		return err
	}
	if err := b.installSecrets(); err != nil {
		return err
	}
	if err := b.installCrypto(); err != nil {
		return err
	}
	if err := b.installConsole(); err != nil {
		return err
	}
	return b.installEnclave()
}

// charge meters one operation. On gas exhaustion it interrupts the
// evaluator, which cannot be caught by user code, and reports failure so
// the capability returns without performing its effect.
func (b *capabilityBridge) charge(op gas.Op, size uint64) bool {
	if err := b.meter.ChargeOp(op, size); err != nil {
		b.vm.Interrupt(gas.ErrGasExceeded)
		return false
	}
	return true
}

// throw raises a catchable JavaScript exception for capability failures
// that are not gas-related.
func (b *capabilityBridge) throw(err error) {
	panic(b.vm.NewGoError(err))
}

func (b *capabilityBridge) installStorage() error {
	ns := stateNamespace(b.inv.UserID, b.inv.FunctionID)
	obj := b.vm.NewObject()

	_ = obj.Set("get", func(call goja.FunctionCall) goja.Value {
		key := call.Argument(0).String()
		value, found, err := b.exec.store.Get(ns, key)
		if err != nil {
			b.throw(err)
		}
		if !b.charge(gas.OpStorageRead, uint64(len(value))) {
			return goja.Undefined()
		}
		if !found {
			return goja.Null()
		}
		return b.vm.ToValue(string(value))
	})

	_ = obj.Set("set", func(call goja.FunctionCall) goja.Value {
		key := call.Argument(0).String()
		value := call.Argument(1).String()
		if !b.charge(gas.OpStorageWrite, uint64(len(value))) {
			return goja.Undefined()
		}
		if err := b.exec.store.Put(ns, key, []byte(value)); err != nil {
			b.throw(err)
		}
		return goja.Undefined()
	})

	_ = obj.Set("remove", func(call goja.FunctionCall) goja.Value {
		key := call.Argument(0).String()
		if !b.charge(gas.OpStorageWrite, 0) {
			return goja.Undefined()
		}
		removed, err := b.exec.store.Delete(ns, key)
		if err != nil {
			b.throw(err)
		}
		return b.vm.ToValue(removed)
	})

	_ = obj.Set("clear", func(call goja.FunctionCall) goja.Value {
		keys, err := b.exec.store.List(ns)
		if err != nil {
			b.throw(err)
		}
		if !b.charge(gas.OpStorageWrite, uint64(len(keys))) {
			return goja.Undefined()
		}
		for _, key := range keys {
			if _, err := b.exec.store.Delete(ns, key); err != nil {
				b.throw(err)
			}
		}
		return goja.Undefined()
	})

	return b.vm.Set("storage", obj)
}

func (b *capabilityBridge) installSecrets() error {
	userID := b.inv.UserID
	obj := b.vm.NewObject()

	_ = obj.Set("get", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		if !b.charge(gas.OpStorageRead, 0) {
			return goja.Undefined()
		}
		value, err := b.exec.vault.Get(userID, name)
		if err != nil {
			// Absent secrets read as null rather than throwing; decrypt
			// failures do throw.
			if errors.Is(err, secrets.ErrNotFound) {
				return goja.Null()
			}
			b.throw(err)
		}
		return b.vm.ToValue(value)
	})

	_ = obj.Set("set", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		value := call.Argument(1).String()
		if !b.charge(gas.OpStorageWrite, uint64(len(value))) {
			return goja.Undefined()
		}
		if err := b.exec.vault.Put(userID, name, value); err != nil {
			b.throw(err)
		}
		return goja.Undefined()
	})

	_ = obj.Set("remove", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		if !b.charge(gas.OpStorageWrite, 0) {
			return goja.Undefined()
		}
		removed, err := b.exec.vault.Delete(userID, name)
		if err != nil {
			b.throw(err)
		}
		return b.vm.ToValue(removed)
	})

	return b.vm.Set("secrets", obj)
}

func (b *capabilityBridge) installCrypto() error {
	obj := b.vm.NewObject()

	_ = obj.Set("randomBytes", func(call goja.FunctionCall) goja.Value {
		n := int(call.Argument(0).ToInteger())
		if n < 0 || n > 1<<16 {
			b.throw(fmt.Errorf("executor: randomBytes length out of range: %d", n))
		}
		if !b.charge(gas.OpCryptoOp, uint64(n)) {
			return goja.Undefined()
		}
		buf, err := b.exec.plat.Random(n)
		if err != nil {
			b.throw(err)
		}
		return b.vm.ToValue(hex.EncodeToString(buf))
	})

	_ = obj.Set("hash", func(call goja.FunctionCall) goja.Value {
		data := call.Argument(0).String()
		if !b.charge(gas.OpCryptoOp, uint64(len(data))) {
			return goja.Undefined()
		}
		sum := b.exec.plat.SHA256([]byte(data))
		return b.vm.ToValue(hex.EncodeToString(sum[:]))
	})

	_ = obj.Set("sign", func(call goja.FunctionCall) goja.Value {
		data := call.Argument(0).String()
		if !b.charge(gas.OpCryptoOp, uint64(len(data))) {
			return goja.Undefined()
		}
		sig, err := b.exec.plat.Sign([]byte(data))
		if err != nil {
			b.throw(err)
		}
		return b.vm.ToValue(hex.EncodeToString(sig))
	})

	_ = obj.Set("verify", func(call goja.FunctionCall) goja.Value {
		data := call.Argument(0).String()
		sigHex := call.Argument(1).String()
		if !b.charge(gas.OpCryptoOp, uint64(len(data))) {
			return goja.Undefined()
		}
		sig, err := hex.DecodeString(sigHex)
		if err != nil {
			return b.vm.ToValue(false)
		}
		ok, err := b.exec.plat.Verify([]byte(data), sig)
		if err != nil {
			b.throw(err)
		}
		return b.vm.ToValue(ok)
	})

	_ = obj.Set("encrypt", func(call goja.FunctionCall) goja.Value {
		data := call.Argument(0).String()
		if !b.charge(gas.OpSealing, uint64(len(data))) {
			return goja.Undefined()
		}
		sealedBlob, err := b.exec.plat.Seal([]byte(data))
		if err != nil {
			b.throw(err)
		}
		return b.vm.ToValue(hex.EncodeToString(sealedBlob))
	})

	_ = obj.Set("decrypt", func(call goja.FunctionCall) goja.Value {
		blobHex := call.Argument(0).String()
		if !b.charge(gas.OpUnsealing, uint64(len(blobHex))/2) {
			return goja.Undefined()
		}
		blob, err := hex.DecodeString(blobHex)
		if err != nil {
			b.throw(fmt.Errorf("executor: decrypt expects hex input: %w", err))
		}
		plaintext, err := b.exec.plat.Unseal(blob)
		if err != nil {
			b.throw(err)
		}
		return b.vm.ToValue(string(plaintext))
	})

	return b.vm.Set("crypto", obj)
}

func (b *capabilityBridge) installConsole() error {
	obj := b.vm.NewObject()
	entry := b.exec.log.WithField("function_id", b.inv.FunctionID).WithField("user_id", b.inv.UserID)

	record := func(level string, call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		line := joinSpace(parts)
		b.logs = append(b.logs, line)
		if level == "error" {
			entry.Error(line)
		} else {
			entry.Info(line)
		}
		return goja.Undefined()
	}

	_ = obj.Set("log", func(call goja.FunctionCall) goja.Value { return record("log", call) })
	_ = obj.Set("error", func(call goja.FunctionCall) goja.Value { return record("error", call) })
	return b.vm.Set("console", obj)
}

func (b *capabilityBridge) installEnclave() error {
	obj := b.vm.NewObject()

	_ = obj.Set("attestation", func(call goja.FunctionCall) goja.Value {
		if !b.charge(gas.OpAttestation, 0) {
			return goja.Undefined()
		}
		report := call.Argument(0).String()
		quote, err := b.exec.plat.Quote(context.Background(), []byte(report))
		if err != nil {
			b.throw(err)
		}
		return b.vm.ToValue(hex.EncodeToString(quote))
	})

	_ = obj.Set("sealed", func(call goja.FunctionCall) goja.Value {
		if !b.charge(gas.OpPropertyAccess, 0) {
			return goja.Undefined()
		}
		facts := b.vm.NewObject()
		_ = facts.Set("mrenclave", b.exec.plat.MREnclave())
		_ = facts.Set("mrsigner", b.exec.plat.MRSigner())
		return facts
	})

	_ = obj.Set("getTimestamp", func(call goja.FunctionCall) goja.Value {
		if !b.charge(gas.OpPropertyAccess, 0) {
			return goja.Undefined()
		}
		return b.vm.ToValue(b.exec.plat.Timestamp())
	})

	_ = obj.Set("getEpcUsage", func(call goja.FunctionCall) goja.Value {
		if !b.charge(gas.OpPropertyAccess, 0) {
			return goja.Undefined()
		}
		used, total := b.exec.plat.EpcUsage()
		usage := b.vm.NewObject()
		_ = usage.Set("used", used)
		_ = usage.Set("total", total)
		return usage
	})

	return b.vm.Set("enclave", obj)
}

func joinSpace(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += " "
		}
		out += p
	}
	return out
}

func jsonMarshalString(s string) (string, error) {
	out, err := json.Marshal(s)
	return string(out), err
}
