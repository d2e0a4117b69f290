package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/yourusername/tax-forge/internal/config"
	"github.com/yourusername/tax-forge/internal/processing"
	"github.com/yourusername/tax-forge/internal/valkey"
)

// stubProcessor はテストから挙動を差し込める Processor 実装です。
type stubProcessor struct {
	validate func(ctx context.Context, req processing.ValidateRequest, cp processing.Checkpoint) (*processing.ValidateResult, error)
}

func (s *stubProcessor) ProcessVoice(ctx context.Context, req processing.VoiceRequest, cp processing.Checkpoint) (*processing.VoiceResult, error) {
	return nil, errors.New("not implemented")
}

func (s *stubProcessor) ProcessDocument(ctx context.Context, req processing.DocumentRequest, cp processing.Checkpoint) (*processing.DocumentResult, error) {
	return nil, errors.New("not implemented")
}

func (s *stubProcessor) ValidateTaxData(ctx context.Context, req processing.ValidateRequest, cp processing.Checkpoint) (*processing.ValidateResult, error) {
	if s.validate != nil {
		return s.validate(ctx, req, cp)
	}
	return &processing.ValidateResult{IsValid: true}, nil
}

func (s *stubProcessor) CalculateTax(ctx context.Context, req processing.CalculateRequest, cp processing.Checkpoint) (*processing.CalculateResult, error) {
	return nil, errors.New("not implemented")
}

func newTestManager(t *testing.T, cfg *config.Config, proc processing.Processor) (*Manager, *Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	if cfg == nil {
		cfg = testConfigWith()
	}
	cfg.QueueRedisURL = "redis://" + mr.Addr()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	coord := valkey.NewWithClient(rdb, time.Second)
	store := NewStore(coord, time.Hour)
	if proc == nil {
		proc = &stubProcessor{}
	}
	adapter, err := processing.NewAdapter(proc, cfg.MaxPayloadBytes)
	if err != nil {
		t.Fatalf("NewAdapter returned error: %v", err)
	}
	manager, err := NewManager(cfg, adapter, store, coord, nil)
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	return manager, store, mr
}

func validPayload() json.RawMessage {
	return json.RawMessage(`{"formData":{"taxpayer_name":"A"},"formType":"TNCN","taxYear":2024}`)
}

func createManagerJob(t *testing.T, store *Store, jobID string, payload json.RawMessage, maxAttempts int) {
	t.Helper()
	record := &Record{
		JobID:       jobID,
		Operation:   processing.OperationValidate,
		UserID:      "admin",
		Payload:     payload,
		MaxAttempts: maxAttempts,
	}
	if err := store.Create(context.Background(), record); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
}

func TestRunJobSuccess(t *testing.T) {
	manager, store, _ := newTestManager(t, nil, nil)
	ctx := context.Background()
	createManagerJob(t, store, "job-1", validPayload(), 3)

	if err := manager.runJob(ctx, "job-1"); err != nil {
		t.Fatalf("runJob returned error: %v", err)
	}

	record, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if record.Status != StatusSucceeded {
		t.Fatalf("status = %s, want %s", record.Status, StatusSucceeded)
	}
	if record.Progress.Percent != 100 {
		t.Fatalf("percent = %d, want 100", record.Progress.Percent)
	}
	var result processing.ValidateResult
	if err := json.Unmarshal(record.Result, &result); err != nil {
		t.Fatalf("failed to parse result: %v", err)
	}
	if !result.IsValid {
		t.Fatal("expected isValid result")
	}
}

func TestRunJobValidationFailureIsTerminal(t *testing.T) {
	manager, store, _ := newTestManager(t, nil, nil)
	ctx := context.Background()
	createManagerJob(t, store, "job-1", json.RawMessage(`{}`), 3)

	err := manager.runJob(ctx, "job-1")
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry for validation failure, got %v", err)
	}

	record, getErr := store.Get(ctx, "job-1")
	if getErr != nil {
		t.Fatalf("Get returned error: %v", getErr)
	}
	if record.Status != StatusFailed {
		t.Fatalf("status = %s, want %s", record.Status, StatusFailed)
	}
	if record.Error == nil || record.Error.Kind != string(processing.KindValidation) {
		t.Fatalf("unexpected error info: %#v", record.Error)
	}
}

func TestRunJobRetryableFailureRequeues(t *testing.T) {
	proc := &stubProcessor{
		validate: func(ctx context.Context, req processing.ValidateRequest, cp processing.Checkpoint) (*processing.ValidateResult, error) {
			return nil, processing.NewError(processing.KindStoreUnavailable, "Hệ thống tạm thời gián đoạn", nil)
		},
	}
	manager, store, _ := newTestManager(t, nil, proc)
	ctx := context.Background()
	createManagerJob(t, store, "job-1", validPayload(), 3)

	err := manager.runJob(ctx, "job-1")
	if err == nil {
		t.Fatal("expected error for retryable failure")
	}
	if errors.Is(err, asynq.SkipRetry) {
		t.Fatal("retryable failure must not skip retry")
	}

	record, getErr := store.Get(ctx, "job-1")
	if getErr != nil {
		t.Fatalf("Get returned error: %v", getErr)
	}
	if record.Status != StatusSubmitted {
		t.Fatalf("status = %s, want %s after requeue", record.Status, StatusSubmitted)
	}
	if record.Attempt != 1 {
		t.Fatalf("attempt = %d, want 1", record.Attempt)
	}
	if record.Error == nil || record.Error.Kind != string(processing.KindStoreUnavailable) {
		t.Fatalf("expected last error to be retained: %#v", record.Error)
	}
}

func TestRunJobRetryExhaustion(t *testing.T) {
	proc := &stubProcessor{
		validate: func(ctx context.Context, req processing.ValidateRequest, cp processing.Checkpoint) (*processing.ValidateResult, error) {
			return nil, processing.NewError(processing.KindStoreUnavailable, "Hệ thống tạm thời gián đoạn", nil)
		},
	}
	manager, store, _ := newTestManager(t, nil, proc)
	ctx := context.Background()
	createManagerJob(t, store, "job-1", validPayload(), 1)

	err := manager.runJob(ctx, "job-1")
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry when attempts are exhausted, got %v", err)
	}

	record, getErr := store.Get(ctx, "job-1")
	if getErr != nil {
		t.Fatalf("Get returned error: %v", getErr)
	}
	if record.Status != StatusFailed {
		t.Fatalf("status = %s, want %s", record.Status, StatusFailed)
	}
	if record.Attempt != record.MaxAttempts {
		t.Fatalf("attempt = %d, want %d", record.Attempt, record.MaxAttempts)
	}
}

func TestRunJobCancellationStopsAtCheckpoint(t *testing.T) {
	var store *Store
	proc := &stubProcessor{
		validate: func(ctx context.Context, req processing.ValidateRequest, cp processing.Checkpoint) (*processing.ValidateResult, error) {
			// 実行中の外部キャンセルを模倣する
			if _, err := store.Cancel(ctx, "job-1"); err != nil {
				return nil, err
			}
			if err := cp("Đang xác thực dữ liệu...", 50); err != nil {
				return nil, err
			}
			return &processing.ValidateResult{IsValid: true}, nil
		},
	}
	manager, s, _ := newTestManager(t, nil, proc)
	store = s
	ctx := context.Background()
	createManagerJob(t, store, "job-1", validPayload(), 3)

	if err := manager.runJob(ctx, "job-1"); err != nil {
		t.Fatalf("runJob returned error: %v", err)
	}

	record, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if record.Status != StatusCancelled {
		t.Fatalf("status = %s, want %s", record.Status, StatusCancelled)
	}
	if record.Result != nil {
		t.Fatalf("expected no result after cancellation, got %s", record.Result)
	}
}

func TestRunJobSoftDeadline(t *testing.T) {
	cfg := testConfigWith(func(c *config.Config) { c.JobSoftLimitMinutes = 0 })
	proc := &stubProcessor{
		validate: func(ctx context.Context, req processing.ValidateRequest, cp processing.Checkpoint) (*processing.ValidateResult, error) {
			if err := cp("Đang xác thực dữ liệu...", 50); err != nil {
				return nil, err
			}
			return &processing.ValidateResult{IsValid: true}, nil
		},
	}
	manager, store, _ := newTestManager(t, cfg, proc)
	ctx := context.Background()
	createManagerJob(t, store, "job-1", validPayload(), 3)

	err := manager.runJob(ctx, "job-1")
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry after soft deadline, got %v", err)
	}

	record, getErr := store.Get(ctx, "job-1")
	if getErr != nil {
		t.Fatalf("Get returned error: %v", getErr)
	}
	if record.Status != StatusFailed {
		t.Fatalf("status = %s, want %s", record.Status, StatusFailed)
	}
	if record.Error == nil || record.Error.Kind != string(processing.KindTimeout) {
		t.Fatalf("unexpected error info: %#v", record.Error)
	}
}

func TestRunJobSkipsUnclaimableJob(t *testing.T) {
	manager, store, _ := newTestManager(t, nil, nil)
	ctx := context.Background()
	createManagerJob(t, store, "job-1", validPayload(), 3)

	if _, err := store.Cancel(ctx, "job-1"); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}

	// キャンセル済みのジョブは再実行せずタスクを完了扱いにする
	if err := manager.runJob(ctx, "job-1"); err != nil {
		t.Fatalf("runJob returned error: %v", err)
	}

	record, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if record.Status != StatusCancelled {
		t.Fatalf("status = %s, want %s", record.Status, StatusCancelled)
	}
	if record.Attempt != 0 {
		t.Fatalf("attempt = %d, want 0", record.Attempt)
	}
}

func TestSubmitRejectsInvalidRequests(t *testing.T) {
	manager, _, _ := newTestManager(t, nil, nil)
	ctx := context.Background()

	if _, err := manager.Submit(ctx, "", processing.OperationValidate, validPayload()); err == nil {
		t.Fatal("expected error for missing user")
	}

	_, err := manager.Submit(ctx, "admin", "bogus", validPayload())
	var procErr *processing.Error
	if !errors.As(err, &procErr) || procErr.Kind != processing.KindValidation {
		t.Fatalf("expected validation error for unknown operation, got %v", err)
	}
}

func TestCancelChecksOwnership(t *testing.T) {
	manager, store, _ := newTestManager(t, nil, nil)
	ctx := context.Background()
	createManagerJob(t, store, "job-1", validPayload(), 3)

	if _, err := manager.Cancel(ctx, "job-1", "someone-else", false); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := manager.Cancel(ctx, "missing", "admin", false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	status, err := manager.Cancel(ctx, "job-1", "admin", false)
	if err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	if status != StatusCancelled {
		t.Fatalf("status = %s, want %s", status, StatusCancelled)
	}
}

// testConfigWith は testConfig に調整を加えた設定を返します。
// QueueRedisURL は newTestManager が差し替えます。
func testConfigWith(mods ...func(*config.Config)) *config.Config {
	cfg := &config.Config{
		WorkerConcurrency:    1,
		MaxPayloadBytes:      1 << 20,
		JobRetentionMinutes:  60,
		JobMaxAttempts:       3,
		JobRetryDelaySeconds: 1,
		JobSoftLimitMinutes:  25,
		JobHardLimitMinutes:  30,
	}
	for _, mod := range mods {
		mod(cfg)
	}
	return cfg
}
