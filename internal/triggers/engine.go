package triggers

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/enclave_layer/internal/executor"
	"github.com/R3E-Network/enclave_layer/internal/platform"
	"github.com/R3E-Network/enclave_layer/internal/storage"
	"github.com/R3E-Network/enclave_layer/pkg/logger"
)

// Dispatcher runs an invocation on behalf of a matched trigger. The
// executor satisfies it; tests substitute fakes.
type Dispatcher interface {
	Execute(ctx context.Context, inv executor.Invocation) (*executor.Result, error)
}

// Engine is the trigger registry plus its per-type processors. All public
// operations serialize on a single mutex; dispatching happens while it is
// held, so trigger scripts observe a stable registry.
type Engine struct {
	mu         sync.Mutex
	store      *storage.Store
	dispatcher Dispatcher
	plat       platform.Platform
	byID       map[string]*Trigger
	byType     map[Type][]string
	log        *logger.Logger
}

// NewEngine creates an engine over the KV and dispatcher.
func NewEngine(store *storage.Store, dispatcher Dispatcher, plat platform.Platform, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.NewDefault("triggers")
	}
	return &Engine{
		store:      store,
		dispatcher: dispatcher,
		plat:       plat,
		byID:       make(map[string]*Trigger),
		byType:     make(map[Type][]string),
		log:        log,
	}
}

// Load rehydrates the registry from the triggers namespace. Undecodable
// records are logged and skipped so one corrupt blob cannot take down the
// whole registry.
func (e *Engine) Load() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	keys, err := e.store.List(Namespace)
	if err != nil {
		return fmt.Errorf("list triggers namespace: %w", err)
	}

	loaded := 0
	for _, key := range keys {
		data, found, err := e.store.Get(Namespace, key)
		if err != nil || !found {
			e.log.WithField("key", key).WithError(err).Warn("skipping unreadable trigger record")
			continue
		}
		trg, err := decodeTrigger(data)
		if err != nil {
			e.log.WithField("key", key).WithError(err).Warn("skipping undecodable trigger record")
			continue
		}
		e.index(trg)
		loaded++
	}
	e.log.WithField("count", loaded).Info("trigger registry loaded")
	return nil
}

// Register persists and indexes a new trigger. Re-registering an existing
// id fails with ErrAlreadyExists.
func (e *Engine) Register(trg Trigger) error {
	if err := trg.validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.byID[trg.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, trg.ID)
	}
	if err := e.save(&trg); err != nil {
		return err
	}
	e.index(&trg)
	e.log.WithField("trigger_id", trg.ID).
		WithField("type", trg.Type.String()).
		WithField("user_id", trg.UserID).
		Info("trigger registered")
	return nil
}

// Unregister removes a trigger from storage and the indexes.
func (e *Engine) Unregister(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidTrigger)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	trg, ok := e.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if _, err := e.store.Delete(Namespace, storageKey(id)); err != nil {
		return fmt.Errorf("remove persisted trigger: %w", err)
	}

	delete(e.byID, id)
	ids := e.byType[trg.Type]
	for i, candidate := range ids {
		if candidate == id {
			e.byType[trg.Type] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	e.log.WithField("trigger_id", id).Info("trigger unregistered")
	return nil
}

// Get returns a copy of a trigger.
func (e *Engine) Get(id string) (Trigger, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	trg, ok := e.byID[id]
	if !ok {
		return Trigger{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *trg, nil
}

// List returns copies of all triggers, ordered by id.
func (e *Engine) List() []Trigger {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Trigger, 0, len(e.byID))
	for _, trg := range e.byID {
		out = append(out, *trg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetEnabled toggles a trigger and persists the change.
func (e *Engine) SetEnabled(id string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	trg, ok := e.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	trg.Enabled = enabled
	return e.save(trg)
}

// ProcessScheduled fires every enabled schedule trigger whose
// next_execution_time has passed, then advances it to now + interval.
// Missed ticks are not caught up. Returns the number of successful
// dispatches.
func (e *Engine) ProcessScheduled(ctx context.Context, now uint64) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	processed := 0
	for _, id := range e.byType[TypeSchedule] {
		trg := e.byID[id]
		if trg == nil || !trg.Enabled {
			continue
		}
		if now < trg.NextExecution {
			continue
		}
		if e.dispatch(ctx, trg, "{}") {
			processed++
		}
		trg.NextExecution = now + trg.Interval
		if err := e.save(trg); err != nil {
			e.log.WithField("trigger_id", id).WithError(err).Error("persisting schedule advance failed")
		}
	}
	return processed
}

// ProcessChainEvent matches every enabled chain-event trigger against the
// event JSON. A condition field that is present but unequal to the event's
// corresponding field vetoes the match; an empty condition matches every
// event. Returns the number of successful dispatches.
func (e *Engine) ProcessChainEvent(ctx context.Context, eventJSON string) int {
	if !gjson.Valid(eventJSON) {
		e.log.WithField("event", eventJSON).Error("malformed chain event")
		return 0
	}
	event := gjson.Parse(eventJSON)

	e.mu.Lock()
	defer e.mu.Unlock()

	processed := 0
	for _, id := range e.byType[TypeChainEvent] {
		trg := e.byID[id]
		if trg == nil || !trg.Enabled {
			continue
		}
		match, err := chainConditionMatches(trg.Condition, event)
		if err != nil {
			e.log.WithField("trigger_id", id).WithError(err).Warn("skipping trigger with bad condition")
			continue
		}
		if !match {
			continue
		}
		if e.dispatch(ctx, trg, eventJSON) {
			processed++
		}
	}
	e.log.WithField("count", processed).Debug("chain event processed")
	return processed
}

// ProcessStorageEvent dispatches every enabled storage trigger with the
// key and operation as the event payload. Storage triggers fire
// unconditionally; their condition is ignored.
func (e *Engine) ProcessStorageEvent(ctx context.Context, key, operation string) int {
	event, err := json.Marshal(map[string]string{"key": key, "operation": operation})
	if err != nil {
		return 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	processed := 0
	for _, id := range e.byType[TypeStorageEvent] {
		trg := e.byID[id]
		if trg == nil || !trg.Enabled {
			continue
		}
		if e.dispatch(ctx, trg, string(event)) {
			processed++
		}
	}
	return processed
}

// ProcessExternal dispatches enabled external triggers whose condition
// equals the event type.
func (e *Engine) ProcessExternal(ctx context.Context, eventType, eventData string) int {
	if strings.TrimSpace(eventData) == "" {
		eventData = "{}"
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	processed := 0
	for _, id := range e.byType[TypeExternal] {
		trg := e.byID[id]
		if trg == nil || !trg.Enabled {
			continue
		}
		if trg.Condition != eventType {
			continue
		}
		if e.dispatch(ctx, trg, eventData) {
			processed++
		}
	}
	return processed
}

// chainConditionMatches applies the field filters of a chain-event
// condition. Condition keys map onto event keys: event_type → type,
// contract_address → contract, event_name → name.
func chainConditionMatches(condition string, event gjson.Result) (bool, error) {
	if strings.TrimSpace(condition) == "" {
		return true, nil
	}
	if !gjson.Valid(condition) {
		return false, fmt.Errorf("condition is not valid JSON")
	}
	cond := gjson.Parse(condition)

	filters := []struct{ condField, eventField string }{
		{"event_type", "type"},
		{"contract_address", "contract"},
		{"event_name", "name"},
	}
	for _, f := range filters {
		want := cond.Get(f.condField)
		if !want.Exists() {
			continue
		}
		if want.String() != event.Get(f.eventField).String() {
			return false, nil
		}
	}
	return true, nil
}

// dispatch composes the trigger input and invokes the executor under the
// trigger's owning user. A dispatch counts as successful when the
// evaluator completed, including a user-code error envelope; evaluator
// failures and gas exhaustion do not abort the surrounding iteration.
func (e *Engine) dispatch(ctx context.Context, trg *Trigger, eventJSON string) bool {
	input, err := composeInput(trg, eventJSON, e.plat.Timestamp())
	if err != nil {
		e.log.WithField("trigger_id", trg.ID).WithError(err).Error("composing trigger input failed")
		return false
	}

	result, err := e.dispatcher.Execute(ctx, executor.Invocation{
		Code:       trg.Code,
		InputJSON:  input,
		FunctionID: trg.FunctionID,
		UserID:     trg.UserID,
		GasLimit:   trg.GasLimit,
	})
	if err != nil {
		e.log.WithField("trigger_id", trg.ID).WithError(err).Error("trigger dispatch failed")
		return false
	}
	if result.GasExceeded {
		e.log.WithField("trigger_id", trg.ID).
			WithField("gas_used", result.GasUsed).
			Warn("trigger exceeded its gas limit")
		return false
	}

	e.log.WithField("trigger_id", trg.ID).
		WithField("gas_used", result.GasUsed).
		Debug("trigger executed")
	return result.OK
}

// composeInput merges the trigger's stored input with the event, the
// trigger identity and a millisecond timestamp.
func composeInput(trg *Trigger, eventJSON string, timestampMS int64) (string, error) {
	input := make(map[string]any)
	if strings.TrimSpace(trg.InputJSON) != "" {
		if err := json.Unmarshal([]byte(trg.InputJSON), &input); err != nil {
			return "", fmt.Errorf("trigger input_json: %w", err)
		}
	}

	var event any
	if err := json.Unmarshal([]byte(eventJSON), &event); err != nil {
		return "", fmt.Errorf("event payload: %w", err)
	}

	input["event"] = event
	input["trigger"] = map[string]any{
		"id":        trg.ID,
		"type":      int(trg.Type),
		"condition": trg.Condition,
	}
	input["timestamp"] = timestampMS

	out, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("marshal trigger input: %w", err)
	}
	return string(out), nil
}

// save persists a trigger record. Callers hold e.mu.
func (e *Engine) save(trg *Trigger) error {
	data, err := encodeTrigger(trg)
	if err != nil {
		return err
	}
	if err := e.store.Put(Namespace, storageKey(trg.ID), data); err != nil {
		return fmt.Errorf("persist trigger %s: %w", trg.ID, err)
	}
	return nil
}

// index adds a trigger to the in-memory maps. Callers hold e.mu.
func (e *Engine) index(trg *Trigger) {
	e.byID[trg.ID] = trg
	e.byType[trg.Type] = append(e.byType[trg.Type], trg.ID)
}

func encodeTrigger(trg *Trigger) ([]byte, error) {
	body, err := json.Marshal(trg)
	if err != nil {
		return nil, fmt.Errorf("marshal trigger record: %w", err)
	}
	return append([]byte{recordVersion}, body...), nil
}

func decodeTrigger(data []byte) (*Trigger, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("triggers: record too short")
	}
	if data[0] != recordVersion {
		return nil, fmt.Errorf("triggers: unsupported record version %d", data[0])
	}
	var trg Trigger
	if err := json.Unmarshal(data[1:], &trg); err != nil {
		return nil, fmt.Errorf("unmarshal trigger record: %w", err)
	}
	if err := trg.validate(); err != nil {
		return nil, err
	}
	return &trg, nil
}
