// Package enclave wires the runtime subsystems into the single long-lived
// service object the host talks to: sealed storage, the secret vault, gas
// accounting, the script executor with its context pool, and the trigger
// engine. The exported operations mirror the ECALL surface.
package enclave

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/enclave_layer/internal/attest"
	"github.com/R3E-Network/enclave_layer/internal/executor"
	"github.com/R3E-Network/enclave_layer/internal/gas"
	"github.com/R3E-Network/enclave_layer/internal/platform"
	"github.com/R3E-Network/enclave_layer/internal/secrets"
	"github.com/R3E-Network/enclave_layer/internal/storage"
	"github.com/R3E-Network/enclave_layer/internal/storage/sealed"
	"github.com/R3E-Network/enclave_layer/internal/triggers"
	"github.com/R3E-Network/enclave_layer/pkg/logger"
)

var (
	ErrNotInitialized = errors.New("enclave: service not initialized")
	ErrUnknownMessage = errors.New("enclave: unknown message type")
)

// Config configures the boundary service. Zero values take the documented
// defaults; Platform and FS are overridable for tests.
type Config struct {
	StoragePath       string
	RootSecret        []byte
	MREnclave         string
	MRSigner          string
	DefaultGasLimit   uint64
	MaxContexts       int
	ExecTimeCap       time.Duration
	SchedulerInterval time.Duration
	MetricsEnabled    bool

	Platform platform.Platform
	FS       sealed.HostFS
}

// Service owns the subsystems and serializes lifecycle operations.
// Subsystems hold no pointers to each other beyond their declared
// collaborators; all wiring lives here.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log *logger.Logger

	plat    platform.Platform
	blobs   *sealed.Store
	store   *storage.Store
	vault   *secrets.Vault
	ledger  *gas.Accountant
	exec    *executor.Executor
	pool    *executor.Pool
	engine  *triggers.Engine
	prover  *attest.Prover
	cron    *cron.Cron
	metrics *metrics

	initialized bool
}

// NewService creates an unstarted service.
func NewService(cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("enclave")
	}
	if cfg.DefaultGasLimit == 0 {
		cfg.DefaultGasLimit = 10_000_000
	}
	if cfg.MaxContexts <= 0 {
		cfg.MaxContexts = executor.DefaultPoolSize
	}
	return &Service{cfg: cfg, log: log}
}

// Initialize builds and loads every subsystem. It is idempotent: a second
// call returns nil without reloading anything.
func (s *Service) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}

	plat := s.cfg.Platform
	if plat == nil {
		var err error
		plat, err = platform.NewSimulation(platform.SimulationConfig{
			RootSecret: s.cfg.RootSecret,
			MREnclave:  s.cfg.MREnclave,
			MRSigner:   s.cfg.MRSigner,
		})
		if err != nil {
			return fmt.Errorf("platform: %w", err)
		}
	}

	fs := s.cfg.FS
	if fs == nil {
		dirFS, err := sealed.NewDirFS(s.cfg.StoragePath)
		if err != nil {
			return fmt.Errorf("storage path: %w", err)
		}
		fs = dirFS
	}

	blobs, err := sealed.NewStore(plat, fs, s.log)
	if err != nil {
		return fmt.Errorf("sealed store: %w", err)
	}
	store := storage.New(blobs, s.log)

	vault, err := secrets.New(plat, store, s.log)
	if err != nil {
		return fmt.Errorf("secret vault: %w", err)
	}
	if err := vault.Load(); err != nil {
		return fmt.Errorf("load secrets: %w", err)
	}

	ledger := gas.NewAccountant(s.log)
	exec := executor.New(plat, store, vault, ledger, s.log)
	if s.cfg.ExecTimeCap > 0 {
		exec.SetTimeCap(s.cfg.ExecTimeCap)
	}
	pool := executor.NewPool(exec, s.cfg.MaxContexts, s.log)

	engine := triggers.NewEngine(store, exec, plat, s.log)
	if err := engine.Load(); err != nil {
		return fmt.Errorf("load triggers: %w", err)
	}

	s.plat = plat
	s.blobs = blobs
	s.store = store
	s.vault = vault
	s.ledger = ledger
	s.exec = exec
	s.pool = pool
	s.engine = engine
	s.prover = attest.NewProver(plat, s.log)
	if s.cfg.MetricsEnabled {
		s.metrics = newMetrics()
	}

	if s.cfg.SchedulerInterval > 0 {
		s.cron = cron.New()
		interval := s.cfg.SchedulerInterval
		s.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
			now := uint64(time.Now().Unix())
			count := s.ProcessScheduled(context.Background(), now)
			if count > 0 {
				s.log.WithField("count", count).Info("scheduled triggers fired")
			}
		}))
	}

	s.initialized = true
	s.log.WithField("mrenclave", plat.MREnclave()).Info("enclave service initialized")
	return nil
}

// Start launches the background scheduler, if configured.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}
	if s.cron != nil {
		s.cron.Start()
	}
	return nil
}

// Stop halts the scheduler. The service can be restarted with Start.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		s.cron.Stop()
	}
}

// Registry exposes the prometheus registry, or nil when metrics are off.
func (s *Service) Registry() *prometheus.Registry {
	if s.metrics == nil {
		return nil
	}
	return s.metrics.registry
}

// Triggers exposes the trigger engine for registration calls.
func (s *Service) Triggers() (*triggers.Engine, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.engine, nil
}

// Status reports subsystem readiness as the documented JSON object.
func (s *Service) Status() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := map[string]any{
		"initialized":                s.initialized,
		"mrenclave":                  "",
		"mrsigner":                   "",
		"storage_initialized":        s.store != nil,
		"key_manager_initialized":    s.plat != nil,
		"secret_manager_initialized": s.vault != nil,
		"gas_accounting_initialized": s.ledger != nil,
		"js_engine_initialized":      s.exec != nil,
		"event_trigger_initialized":  s.engine != nil,
		"contexts_active":            0,
	}
	if s.plat != nil {
		status["mrenclave"] = s.plat.MREnclave()
		status["mrsigner"] = s.plat.MRSigner()
	}
	if s.pool != nil {
		status["contexts_active"] = s.pool.Size()
	}
	return json.Marshal(status)
}

// ProcessMessage handles one boundary message. Failures become a JSON
// error envelope; the returned error is reserved for marshalling bugs.
func (s *Service) ProcessMessage(ctx context.Context, msgType int, payload []byte) ([]byte, error) {
	if err := s.ready(); err != nil {
		return errorEnvelope("NotInitialized", nil), nil
	}

	switch msgType {
	case MsgExecuteJS:
		var req executeJSRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return errorEnvelope("InvalidArgument", err), nil
		}
		result, err := s.ExecuteJS(ctx, req.Code, req.Input, req.UserID, req.FunctionID, req.GasLimit)
		if err != nil {
			return errorEnvelope("Unknown", err), nil
		}
		return json.Marshal(executeJSResponse{Result: result.Value, GasUsed: result.GasUsed})

	case MsgStoreSecret:
		var req storeSecretRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return errorEnvelope("InvalidArgument", err), nil
		}
		err := s.vault.Put(req.UserID, req.SecretName, req.SecretValue)
		if err != nil {
			return errorEnvelope("InvalidArgument", err), nil
		}
		return json.Marshal(successResponse{Success: true})

	case MsgGetSecret:
		var req getSecretRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return errorEnvelope("InvalidArgument", err), nil
		}
		value, err := s.vault.Get(req.UserID, req.SecretName)
		switch {
		case err == nil, errors.Is(err, secrets.ErrNotFound):
		case errors.Is(err, secrets.ErrEmptyUser), errors.Is(err, secrets.ErrEmptyName):
			return errorEnvelope("InvalidArgument", err), nil
		default:
			return errorEnvelope("Corruption", err), nil
		}
		// Absent reads as an empty value, matching the legacy contract.
		return json.Marshal(getSecretResponse{SecretValue: value})

	case MsgDeleteSecret:
		var req deleteSecretRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return errorEnvelope("InvalidArgument", err), nil
		}
		removed, err := s.vault.Delete(req.UserID, req.SecretName)
		if err != nil {
			return errorEnvelope("InvalidArgument", err), nil
		}
		return json.Marshal(successResponse{Success: removed})

	case MsgProcessChainEvent:
		var req chainEventRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return errorEnvelope("InvalidArgument", err), nil
		}
		count := s.engine.ProcessChainEvent(ctx, req.EventData)
		s.metrics.observeDispatches(triggers.TypeChainEvent.String(), count)
		return json.Marshal(processedResponse{ProcessedCount: count})

	default:
		return errorEnvelope("InvalidArgument", fmt.Errorf("%w: %d", ErrUnknownMessage, msgType)), nil
	}
}

// ExecuteJS runs code in a fresh evaluator under the caller's identity.
func (s *Service) ExecuteJS(ctx context.Context, code, input, userID, functionID string, gasLimit uint64) (*executor.Result, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if gasLimit == 0 {
		gasLimit = s.cfg.DefaultGasLimit
	}
	result, err := s.exec.Execute(ctx, executor.Invocation{
		Code:       code,
		InputJSON:  input,
		FunctionID: functionID,
		UserID:     userID,
		GasLimit:   gasLimit,
	})
	if err != nil {
		s.metrics.observeInvocation("failed", 0)
		return nil, err
	}
	s.metrics.observeInvocation(invocationStatus(result), result.GasUsed)
	return result, nil
}

// ExecuteJSAttested runs code and returns the result together with a
// signed execution proof binding the invocation to this enclave.
func (s *Service) ExecuteJSAttested(ctx context.Context, code, input, userID, functionID string, gasLimit uint64) (*executor.Result, *attest.ExecutionProof, error) {
	result, err := s.ExecuteJS(ctx, code, input, userID, functionID, gasLimit)
	if err != nil {
		return nil, nil, err
	}
	proof, err := s.prover.Prove(ctx, attest.ExecutionProofInput{
		Code:       code,
		InputJSON:  input,
		FunctionID: functionID,
		UserID:     userID,
	}, result.Value)
	if err != nil {
		return nil, nil, fmt.Errorf("execution proof: %w", err)
	}
	return result, proof, nil
}

// VerifyProof checks an execution proof against the enclave identity.
func (s *Service) VerifyProof(proof *attest.ExecutionProof) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	return s.prover.Verify(proof)
}

// CreateContext reserves an evaluator context for reuse across calls.
func (s *Service) CreateContext() (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	id, err := s.pool.Create()
	if err != nil {
		return "", err
	}
	s.metrics.setContexts(s.pool.Size())
	return id, nil
}

// DestroyContext tears down a reserved context.
func (s *Service) DestroyContext(id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if !s.pool.Destroy(id) {
		return executor.ErrUnknownContext
	}
	s.metrics.setContexts(s.pool.Size())
	return nil
}

// ExecuteInContext runs code inside a reserved context, paying the startup
// gas only on first use. The evaluator is reset between reuses.
func (s *Service) ExecuteInContext(ctx context.Context, id, code, input, userID, functionID string, gasLimit uint64) (*executor.Result, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if gasLimit == 0 {
		gasLimit = s.cfg.DefaultGasLimit
	}
	result, err := s.pool.Execute(ctx, id, executor.Invocation{
		Code:       code,
		InputJSON:  input,
		FunctionID: functionID,
		UserID:     userID,
		GasLimit:   gasLimit,
	})
	if err != nil {
		return nil, err
	}
	s.metrics.observeInvocation(invocationStatus(result), result.GasUsed)
	s.metrics.setContexts(s.pool.Size())
	return result, nil
}

// ProcessScheduled fires due schedule triggers.
func (s *Service) ProcessScheduled(ctx context.Context, now uint64) int {
	if err := s.ready(); err != nil {
		return 0
	}
	count := s.engine.ProcessScheduled(ctx, now)
	s.metrics.observeDispatches(triggers.TypeSchedule.String(), count)
	return count
}

// ProcessStorageEvent fans a storage mutation out to storage triggers.
func (s *Service) ProcessStorageEvent(ctx context.Context, key, operation string) int {
	if err := s.ready(); err != nil {
		return 0
	}
	count := s.engine.ProcessStorageEvent(ctx, key, operation)
	s.metrics.observeDispatches(triggers.TypeStorageEvent.String(), count)
	return count
}

// ProcessExternal fans an external event out to matching triggers.
func (s *Service) ProcessExternal(ctx context.Context, eventType, eventData string) int {
	if err := s.ready(); err != nil {
		return 0
	}
	count := s.engine.ProcessExternal(ctx, eventType, eventData)
	s.metrics.observeDispatches(triggers.TypeExternal.String(), count)
	return count
}

// RandomBytes exposes platform entropy at the boundary.
func (s *Service) RandomBytes(n int) ([]byte, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.plat.Random(n)
}

// SignData signs with the enclave identity key.
func (s *Service) SignData(data []byte) ([]byte, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.plat.Sign(data)
}

// VerifyData checks an enclave identity signature.
func (s *Service) VerifyData(data, sig []byte) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	return s.plat.Verify(data, sig)
}

// SealData seals bytes under the enclave sealing key.
func (s *Service) SealData(data []byte) ([]byte, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.plat.Seal(data)
}

// UnsealData reverses SealData.
func (s *Service) UnsealData(sealedBlob []byte) ([]byte, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.plat.Unseal(sealedBlob)
}

// Attestation produces a quote binding reportData to the enclave identity.
func (s *Service) Attestation(ctx context.Context, reportData []byte) ([]byte, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.plat.Quote(ctx, reportData)
}

func (s *Service) ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}
	return nil
}

func invocationStatus(result *executor.Result) string {
	switch {
	case result.GasExceeded:
		return "gas_exceeded"
	case result.OK:
		return "ok"
	default:
		return "error"
	}
}
