package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/yourusername/tax-forge/internal/processing"
)

const statsKeyPrefix = "stats:job:"

// handleCleanupTask は期限切れレコードの掃除タスクです。
func (m *Manager) handleCleanupTask(ctx context.Context, task *asynq.Task) error {
	deleted, recovered, err := m.runCleanup(ctx)
	if err != nil {
		return err
	}
	m.logger.Printf("job cleanup finished: deleted=%d recovered=%d", deleted, recovered)
	return nil
}

// handleStatsTask はジョブ統計の集計タスクです。
func (m *Manager) handleStatsTask(ctx context.Context, task *asynq.Task) error {
	if err := m.runStats(ctx); err != nil {
		return err
	}
	m.logger.Printf("job stats aggregation finished")
	return nil
}

// runCleanup は2種類の掃除を行います。
//   - 保持期間を過ぎた終端状態のレコードを削除する
//   - ハード期限を過ぎても running のままのレコード（ワーカーのクラッシュ等）を
//     timeout として failed に落とす
func (m *Manager) runCleanup(ctx context.Context) (deleted, recovered int, err error) {
	now := time.Now().UTC()
	cutoff := now.Add(-m.cfg.JobRetention())

	var expired []string
	var stuck []string
	err = m.store.ForEach(ctx, func(record *Record) error {
		switch {
		case record.Status.Terminal() && record.UpdatedAt.Before(cutoff):
			expired = append(expired, record.JobID)
		case record.Status == StatusRunning && record.HardDeadline != nil && now.After(*record.HardDeadline):
			stuck = append(stuck, record.JobID)
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	for _, jobID := range expired {
		if err := m.store.Delete(ctx, jobID); err != nil {
			m.logger.Printf("WARN cleanup failed to delete job=%s: %v", jobID, err)
			continue
		}
		deleted++
	}
	for _, jobID := range stuck {
		status, err := m.store.MarkFailed(ctx, jobID, &ErrorInfo{
			Kind:    string(processing.KindTimeout),
			Message: "Quá thời gian xử lý cho phép",
			Detail:  "hard deadline exceeded while running",
		})
		if err != nil {
			m.logger.Printf("WARN cleanup failed to fail stuck job=%s: %v", jobID, err)
			continue
		}
		if status == StatusFailed {
			recovered++
		}
	}
	return deleted, recovered, nil
}

// runStats は処理種別ごとの集計を stats:job:<operation> ハッシュに書き込みます。
func (m *Manager) runStats(ctx context.Context) error {
	type bucket struct {
		total     int
		succeeded int
		failed    int
		cancelled int
		durations time.Duration
		finished  int
	}
	buckets := make(map[processing.OperationType]*bucket)

	err := m.store.ForEach(ctx, func(record *Record) error {
		b, ok := buckets[record.Operation]
		if !ok {
			b = &bucket{}
			buckets[record.Operation] = b
		}
		b.total++
		switch record.Status {
		case StatusSucceeded:
			b.succeeded++
		case StatusFailed:
			b.failed++
		case StatusCancelled:
			b.cancelled++
		}
		if record.Status.Terminal() && record.StartedAt != nil {
			b.durations += record.UpdatedAt.Sub(*record.StartedAt)
			b.finished++
		}
		return nil
	})
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for op, b := range buckets {
		successRate := 0.0
		terminal := b.succeeded + b.failed + b.cancelled
		if terminal > 0 {
			successRate = float64(b.succeeded) / float64(terminal) * 100
		}
		avgMs := int64(0)
		if b.finished > 0 {
			avgMs = (b.durations / time.Duration(b.finished)).Milliseconds()
		}
		fields := map[string]string{
			"total":         fmt.Sprintf("%d", b.total),
			"succeeded":     fmt.Sprintf("%d", b.succeeded),
			"failed":        fmt.Sprintf("%d", b.failed),
			"cancelled":     fmt.Sprintf("%d", b.cancelled),
			"successRate":   fmt.Sprintf("%.1f", successRate),
			"avgDurationMs": fmt.Sprintf("%d", avgMs),
			"updatedAt":     now,
		}
		if err := m.coord.SetHash(ctx, statsKeyPrefix+string(op), fields, 0); err != nil {
			m.logger.Printf("WARN failed to write job stats op=%s: %v", op, err)
		}
	}
	return nil
}
