package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yourusername/tax-forge/internal/valkey"
)

const jobKeyPrefix = "job:"

var (
	// ErrNotFound は指定されたジョブが存在しないことを表します。
	ErrNotFound = errors.New("job not found")
	// ErrForbidden は所有者以外によるジョブ操作を表します。
	ErrForbidden = errors.New("job operation not permitted")
	// ErrNotClaimable はジョブが submitted 状態でないため獲得できないことを表します。
	ErrNotClaimable = errors.New("job is not claimable")
)

// Store はジョブレコードを調整ストアに保存します。
//
// レコードは job:<id> キーのJSONとして保持され、状態遷移はすべて
// WATCH による比較交換で行います。ワーカーが複数プロセスに分かれても
// 排他はストアのアトミック操作だけで成立します。
type Store struct {
	coord *valkey.Client
	rdb   *redis.Client
	ttl   time.Duration
}

// NewStore は Store を作成します。ttl はレコードの保持期間です。
func NewStore(coord *valkey.Client, ttl time.Duration) *Store {
	return &Store{
		coord: coord,
		rdb:   coord.Redis(),
		ttl:   ttl,
	}
}

// Get はジョブ情報を取得します。存在しない場合は (nil, nil) を返します。
func (s *Store) Get(ctx context.Context, jobID string) (*Record, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, wrapStoreErr("get job", err)
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Create は新規ジョブレコードを保存します。
func (s *Store) Create(ctx context.Context, record *Record) error {
	if record == nil {
		return fmt.Errorf("record is nil")
	}
	if record.JobID == "" {
		return fmt.Errorf("record.JobID is required")
	}
	now := time.Now().UTC()
	record.CreatedAt = now
	record.UpdatedAt = now
	record.Status = StatusSubmitted
	record.Progress = ProgressInfo{
		Percent: 0,
		Stage:   "queued",
		Message: "Đang chờ xử lý...",
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, jobKey(record.JobID), payload, s.ttl).Err(); err != nil {
		return wrapStoreErr("create job", err)
	}
	return nil
}

// Claim は submitted 状態のジョブを獲得し running に遷移させます。
// 獲得は比較交換で行われ、同一ジョブを同時に実行できるワーカーは1つだけです。
// 獲得のたびに試行回数が加算され、ソフト/ハード期限が設定されます。
func (s *Store) Claim(ctx context.Context, jobID string, softLimit, hardLimit time.Duration) (*Record, error) {
	return s.update(ctx, jobID, func(record *Record) (bool, error) {
		if record.Status != StatusSubmitted {
			return false, ErrNotClaimable
		}
		now := time.Now().UTC()
		soft := now.Add(softLimit)
		hard := now.Add(hardLimit)
		record.Status = StatusRunning
		record.Attempt++
		record.StartedAt = &now
		record.SoftDeadline = &soft
		record.HardDeadline = &hard
		record.Progress.Stage = "processing"
		record.Progress.Message = "Đang khởi tạo..."
		return true, nil
	})
}

// UpdateProgress は実行中ジョブの進捗を更新し、更新後の状態を返します。
// Percent は下がらないように固定され（単調非減少）、running 以外の状態では
// 何も書き込まずに現在の状態だけを返します。キャンセルの検出はこの戻り値で行います。
func (s *Store) UpdateProgress(ctx context.Context, jobID string, percent int, message string) (Status, error) {
	record, err := s.update(ctx, jobID, func(record *Record) (bool, error) {
		if record.Status != StatusRunning {
			return false, nil
		}
		if percent < record.Progress.Percent {
			percent = record.Progress.Percent
		}
		if percent > 100 {
			percent = 100
		}
		record.Progress = ProgressInfo{
			Percent: percent,
			Stage:   "processing",
			Message: message,
		}
		return true, nil
	})
	if err != nil {
		return "", err
	}
	return record.Status, nil
}

// MarkSucceeded はジョブを succeeded に遷移させ、結果を保存します。
// running 以外（直前にキャンセルされた場合等）は書き込まず現在の状態を返します。
func (s *Store) MarkSucceeded(ctx context.Context, jobID string, result json.RawMessage) (Status, error) {
	record, err := s.update(ctx, jobID, func(record *Record) (bool, error) {
		if record.Status != StatusRunning {
			return false, nil
		}
		record.Status = StatusSucceeded
		record.Progress = ProgressInfo{
			Percent: 100,
			Stage:   "completed",
			Message: "Hoàn thành xử lý",
		}
		record.Result = result
		record.Error = nil
		return true, nil
	})
	if err != nil {
		return "", err
	}
	return record.Status, nil
}

// MarkFailed はジョブを failed に遷移させ、エラー情報を保存します。
// running 以外は書き込まず現在の状態を返します。
func (s *Store) MarkFailed(ctx context.Context, jobID string, errInfo *ErrorInfo) (Status, error) {
	record, err := s.update(ctx, jobID, func(record *Record) (bool, error) {
		if record.Status != StatusRunning {
			return false, nil
		}
		record.Status = StatusFailed
		record.Progress.Stage = "error"
		if errInfo != nil {
			record.Error = errInfo
			record.Progress.Message = errInfo.Message
		}
		return true, nil
	})
	if err != nil {
		return "", err
	}
	return record.Status, nil
}

// Requeue は failed のジョブを submitted に戻します（リトライ）。
// 遷移を実際に書き込んだ場合のみ true を返します。failed 以外の状態
// （重複配送で既に submitted に戻っている場合等）や試行回数が上限に
// 達している場合は何も書き込まず false を返します。
// 直前の失敗のエラー情報と進捗パーセントは保持されます。
func (s *Store) Requeue(ctx context.Context, jobID string) (bool, error) {
	requeued := false
	_, err := s.update(ctx, jobID, func(record *Record) (bool, error) {
		requeued = false
		if record.Status != StatusFailed {
			return false, nil
		}
		if record.Attempt >= record.MaxAttempts {
			return false, nil
		}
		record.Status = StatusSubmitted
		record.Progress.Stage = "queued"
		record.Progress.Message = "Đang chờ thử lại..."
		requeued = true
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return requeued, nil
}

// Cancel はジョブを cancelled に遷移させ、遷移後の状態を返します。
// 既に終端状態の場合は何も書き込まず現在の状態を返します（終端遷移は1回だけ）。
func (s *Store) Cancel(ctx context.Context, jobID string) (Status, error) {
	record, err := s.update(ctx, jobID, func(record *Record) (bool, error) {
		if record.Status.Terminal() {
			return false, nil
		}
		record.Status = StatusCancelled
		record.Progress.Stage = "cancelled"
		record.Progress.Message = "Đã hủy xử lý"
		return true, nil
	})
	if err != nil {
		return "", err
	}
	return record.Status, nil
}

// Delete はジョブレコードを削除します。
func (s *Store) Delete(ctx context.Context, jobID string) error {
	if err := s.rdb.Del(ctx, jobKey(jobID)).Err(); err != nil {
		return wrapStoreErr("delete job", err)
	}
	return nil
}

// ForEach は全ジョブレコードを走査します。メンテナンスタスク用です。
// 走査中に消えたキーや壊れたレコードはスキップします。
func (s *Store) ForEach(ctx context.Context, fn func(*Record) error) error {
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, jobKeyPrefix+"*", 100).Result()
		if err != nil {
			return wrapStoreErr("scan jobs", err)
		}
		for _, key := range keys {
			data, err := s.rdb.Get(ctx, key).Bytes()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				return wrapStoreErr("scan get job", err)
			}
			var record Record
			if err := json.Unmarshal(data, &record); err != nil {
				continue
			}
			if err := fn(&record); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// update はレコードをWATCHによる比較交換で更新します。
// mutate が (false, nil) を返した場合は書き込みを行わず現在のレコードを返します。
// 競合時は最新のレコードを読み直して再試行します。
func (s *Store) update(ctx context.Context, jobID string, mutate func(*Record) (bool, error)) (*Record, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	key := jobKey(jobID)
	for {
		var result *Record
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if err == redis.Nil {
					return ErrNotFound
				}
				return err
			}
			var record Record
			if err := json.Unmarshal(data, &record); err != nil {
				return err
			}

			write, err := mutate(&record)
			if err != nil {
				return err
			}
			result = &record
			if !write {
				return nil
			}

			record.UpdatedAt = time.Now().UTC()
			payload, err := json.Marshal(&record)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, s.ttl)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, ErrNotFound) || errors.Is(err, ErrNotClaimable) {
				return nil, err
			}
			return nil, wrapStoreErr("update job", err)
		}
		return result, nil
	}
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

func wrapStoreErr(op string, err error) error {
	return fmt.Errorf("%s: %v: %w", op, err, valkey.ErrUnavailable)
}
