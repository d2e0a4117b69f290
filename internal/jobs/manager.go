package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/yourusername/tax-forge/internal/config"
	"github.com/yourusername/tax-forge/internal/processing"
	"github.com/yourusername/tax-forge/internal/valkey"
)

const (
	taskTypeProcess = "ai:process"
	taskTypeCleanup = "maintenance:cleanup"
	taskTypeStats   = "maintenance:stats"

	queueAI          = "ai"
	queueMaintenance = "maintenance"

	// メンテナンススケジュール（cron形式）
	cleanupCronSpec = "0 2 * * *" // 毎日 02:00
	statsCronSpec   = "0 * * * *" // 毎時 00分
)

// ワーカー内部の中断シグナル。レコードの状態は既に反映済みです。
var (
	errCancelled    = errors.New("job cancelled")
	errSoftDeadline = errors.New("job soft deadline exceeded")
)

// TaskPayload はAI処理ジョブのキュー投入ペイロードです。
type TaskPayload struct {
	JobID     string                   `json:"jobId"`
	Operation processing.OperationType `json:"operation"`
}

// Manager はジョブの投入・実行・状態管理を担います。
//
// キュー本体と再配送は Asynq（Redis上の永続ブローカー）に委ね、
// ここでは獲得・実行・報告のプロトコルだけを実装します。
type Manager struct {
	cfg       *config.Config
	client    *asynq.Client
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
	store     *Store
	coord     *valkey.Client
	adapter   *processing.Adapter
	logger    *log.Logger
}

// NewManager は Manager を初期化します。
func NewManager(cfg *config.Config, adapter *processing.Adapter, store *Store, coord *valkey.Client, logger *log.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if adapter == nil {
		return nil, errors.New("adapter is nil")
	}
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if coord == nil {
		return nil, errors.New("coord is nil")
	}
	if logger == nil {
		logger = log.Default()
	}
	opt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse queue redis url: %w", err)
	}

	retryDelay := cfg.JobRetryDelay()
	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: cfg.WorkerConcurrency,
			Queues: map[string]int{
				queueAI:          5,
				queueMaintenance: 1,
			},
			// リトライ間隔は指数バックオフではなく固定遅延
			RetryDelayFunc: func(n int, e error, t *asynq.Task) time.Duration {
				return retryDelay
			},
		},
	)
	scheduler := asynq.NewScheduler(opt, &asynq.SchedulerOpts{
		Location: time.UTC,
	})

	mux := asynq.NewServeMux()
	manager := &Manager{
		cfg:       cfg,
		client:    client,
		server:    server,
		scheduler: scheduler,
		mux:       mux,
		store:     store,
		coord:     coord,
		adapter:   adapter,
		logger:    logger,
	}
	mux.HandleFunc(taskTypeProcess, manager.handleProcessTask)
	mux.HandleFunc(taskTypeCleanup, manager.handleCleanupTask)
	mux.HandleFunc(taskTypeStats, manager.handleStatsTask)
	return manager, nil
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	go func() {
		if err := m.server.Run(m.mux); err != nil && err != asynq.ErrServerClosed {
			m.logger.Printf("asynq server stopped with error: %v", err)
		}
	}()
}

// StartScheduler はメンテナンスタスクの定期投入を開始します。
func (m *Manager) StartScheduler() error {
	if _, err := m.scheduler.Register(cleanupCronSpec,
		asynq.NewTask(taskTypeCleanup, nil), asynq.Queue(queueMaintenance)); err != nil {
		return fmt.Errorf("failed to register cleanup schedule: %w", err)
	}
	if _, err := m.scheduler.Register(statsCronSpec,
		asynq.NewTask(taskTypeStats, nil), asynq.Queue(queueMaintenance)); err != nil {
		return fmt.Errorf("failed to register stats schedule: %w", err)
	}
	return m.scheduler.Start()
}

// Shutdown はサーバー・スケジューラー・クライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.scheduler.Shutdown()
	m.server.Shutdown()
	m.client.Close()
	return nil
}

// Submit はジョブレコードを作成してキューに投入し、ジョブIDを返します。
// 処理の完了は待たず、即座に返ります。
func (m *Manager) Submit(ctx context.Context, userID string, op processing.OperationType, payload json.RawMessage) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("userID is required")
	}
	if _, ok := processing.ParseOperation(string(op)); !ok {
		return "", processing.NewError(processing.KindValidation,
			fmt.Sprintf("Loại xử lý không được hỗ trợ: %s", op), nil)
	}

	jobID := uuid.NewString()
	record := &Record{
		JobID:       jobID,
		Operation:   op,
		UserID:      userID,
		Payload:     payload,
		MaxAttempts: m.cfg.JobMaxAttempts,
	}
	if err := m.store.Create(ctx, record); err != nil {
		return "", err
	}

	body, err := json.Marshal(&TaskPayload{JobID: jobID, Operation: op})
	if err != nil {
		return "", err
	}
	task := asynq.NewTask(taskTypeProcess, body, asynq.Queue(queueAI))
	_, err = m.client.EnqueueContext(ctx, task,
		asynq.TaskID(jobID),
		asynq.MaxRetry(m.cfg.JobMaxAttempts-1),
		asynq.Timeout(m.cfg.JobHardLimit()),
	)
	if err != nil {
		// キューに乗らなかったレコードは残さない
		if delErr := m.store.Delete(ctx, jobID); delErr != nil {
			m.logger.Printf("WARN failed to delete orphan job record job=%s: %v", jobID, delErr)
		}
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	return jobID, nil
}

// GetRecord はジョブ情報を取得します。存在しない場合は (nil, nil) を返します。
func (m *Manager) GetRecord(ctx context.Context, jobID string) (*Record, error) {
	return m.store.Get(ctx, jobID)
}

// Cancel はジョブのキャンセルを要求します。
// 所有者本人（または管理者）以外の要求は ErrForbidden を返します。
// キャンセルは協調的で、実行中のワーカーは次のチェックポイントで停止します。
func (m *Manager) Cancel(ctx context.Context, jobID, requesterID string, admin bool) (Status, error) {
	record, err := m.store.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	if record == nil {
		return "", ErrNotFound
	}
	if !admin && record.UserID != requesterID {
		return "", ErrForbidden
	}
	return m.store.Cancel(ctx, jobID)
}

func (m *Manager) handleProcessTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid task payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing jobId in task payload: %w", asynq.SkipRetry)
	}
	return m.runJob(ctx, payload.JobID)
}

// runJob は獲得・実行・報告のプロトコル本体です。
func (m *Manager) runJob(ctx context.Context, jobID string) error {
	record, err := m.store.Claim(ctx, jobID, m.cfg.JobSoftLimit(), m.cfg.JobHardLimit())
	if err != nil {
		if errors.Is(err, ErrNotClaimable) || errors.Is(err, ErrNotFound) {
			// 他のワーカーが実行中、キャンセル済み、または期限切れで消えたジョブ
			m.logger.Printf("skipping job %s: %v", jobID, err)
			return nil
		}
		// ストア障害は asynq の再配送で回復を試みる
		return err
	}

	runCtx := ctx
	if record.HardDeadline != nil {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(ctx, *record.HardDeadline)
		defer cancel()
	}

	// チェックポイント: 進捗書き込みとキャンセル・ソフト期限の確認を兼ねる
	checkpoint := func(message string, percent int) error {
		status, err := m.store.UpdateProgress(ctx, jobID, percent, message)
		if err != nil {
			// 進捗が書けなくても処理自体は継続する。ストア劣化の検出用にログは必須
			m.logger.Printf("WARN failed to update progress job=%s: %v", jobID, err)
			return nil
		}
		if status == StatusCancelled {
			return errCancelled
		}
		if record.SoftDeadline != nil && time.Now().After(*record.SoftDeadline) {
			return errSoftDeadline
		}
		return nil
	}

	result, err := m.adapter.Execute(runCtx, record.Operation, record.Payload, checkpoint)
	if err != nil {
		return m.finishWithError(ctx, record, err)
	}

	status, err := m.store.MarkSucceeded(ctx, jobID, result)
	if err != nil {
		m.logger.Printf("WARN failed to record job success job=%s: %v", jobID, err)
		return err
	}
	if status != StatusSucceeded {
		// 完了直前にキャンセルされた場合。結果は書き込まれない
		m.logger.Printf("job %s finished processing but was already %s", jobID, status)
	}
	return nil
}

// finishWithError は実行エラーを分類し、レコードの終端遷移とリトライ方針を決めます。
func (m *Manager) finishWithError(ctx context.Context, record *Record, execErr error) error {
	jobID := record.JobID

	switch {
	case errors.Is(execErr, errCancelled):
		// レコードは既に cancelled。以後の書き込みは行わない
		m.logger.Printf("job %s cancelled at checkpoint", jobID)
		return nil
	case errors.Is(execErr, errSoftDeadline):
		m.markFailed(ctx, jobID, &ErrorInfo{
			Kind:    string(processing.KindTimeout),
			Message: "Quá thời gian xử lý cho phép",
			Detail:  "soft deadline exceeded",
		})
		return fmt.Errorf("job %s exceeded soft deadline: %w", jobID, asynq.SkipRetry)
	case errors.Is(execErr, context.Canceled) && !errors.Is(execErr, context.DeadlineExceeded):
		// プロセス停止による中断。レコードは running のまま asynq の再配送に委ねる
		return execErr
	}

	var procErr *processing.Error
	if !errors.As(execErr, &procErr) {
		procErr = processing.NewError(processing.KindProcessing, "Xử lý AI thất bại", execErr)
	}

	info := &ErrorInfo{
		Kind:    string(procErr.Kind),
		Message: procErr.Message,
	}
	if procErr.Err != nil {
		info.Detail = procErr.Err.Error()
	}
	m.markFailed(ctx, jobID, info)

	// リトライ可能な失敗は試行回数の残りがある限り submitted へ戻し、
	// 再配送（固定遅延）は asynq 側に任せる
	if procErr.Retryable() && record.Attempt < record.MaxAttempts {
		requeued, err := m.store.Requeue(ctx, jobID)
		if err != nil {
			m.logger.Printf("WARN failed to requeue job=%s: %v", jobID, err)
		} else if requeued {
			return execErr
		}
	}
	return fmt.Errorf("%v: %w", execErr, asynq.SkipRetry)
}

func (m *Manager) markFailed(ctx context.Context, jobID string, info *ErrorInfo) {
	if _, err := m.store.MarkFailed(ctx, jobID, info); err != nil {
		m.logger.Printf("WARN failed to record job failure job=%s: %v", jobID, err)
	}
}
