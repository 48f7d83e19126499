// Package triggers implements the durable event trigger engine: a typed
// registry of rules persisted through the KV, per-type predicate
// evaluators, and a dispatcher that fires the script executor under each
// trigger's owning user.
package triggers

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTrigger = errors.New("triggers: invalid trigger")
	ErrAlreadyExists  = errors.New("triggers: trigger id already registered")
	ErrNotFound       = errors.New("triggers: trigger not found")
)

// Type classifies a trigger's predicate.
type Type int

const (
	TypeSchedule Type = iota
	TypeChainEvent
	TypeStorageEvent
	TypeExternal
)

func (t Type) String() string {
	switch t {
	case TypeSchedule:
		return "schedule"
	case TypeChainEvent:
		return "chain_event"
	case TypeStorageEvent:
		return "storage_event"
	case TypeExternal:
		return "external"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Namespace and key prefix of the persisted registry.
const (
	Namespace = "triggers"
	keyPrefix = "trigger:"
)

// recordVersion tags persisted trigger records for future migration.
const recordVersion = 0x01

// Trigger is a durable rule. Interpretation of Condition depends on Type:
// chain-event conditions are JSON field filters, external conditions are an
// exact event-type match, schedule and storage triggers ignore it.
type Trigger struct {
	ID            string `json:"id"`
	Type          Type   `json:"type"`
	Condition     string `json:"condition"`
	FunctionID    string `json:"function_id"`
	UserID        string `json:"user_id"`
	Code          string `json:"code"`
	InputJSON     string `json:"input_json"`
	GasLimit      uint64 `json:"gas_limit"`
	Enabled       bool   `json:"enabled"`
	NextExecution uint64 `json:"next_execution_time"`
	Interval      uint64 `json:"interval_seconds"`
}

func (t *Trigger) validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidTrigger)
	}
	if t.FunctionID == "" {
		return fmt.Errorf("%w: empty function_id", ErrInvalidTrigger)
	}
	if t.Code == "" {
		return fmt.Errorf("%w: empty code", ErrInvalidTrigger)
	}
	if t.Type < TypeSchedule || t.Type > TypeExternal {
		return fmt.Errorf("%w: unknown type %d", ErrInvalidTrigger, int(t.Type))
	}
	if t.Type == TypeSchedule && t.Interval == 0 {
		return fmt.Errorf("%w: schedule trigger needs interval_seconds > 0", ErrInvalidTrigger)
	}
	return nil
}

func storageKey(id string) string {
	return keyPrefix + id
}
