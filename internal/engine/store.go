package engine

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "portal:run:"

// Hash fields of a run's status record.
const (
	fieldTaskID    = "task_id"
	fieldStatus    = "status"
	fieldPhase     = "phase"
	fieldProgress  = "progress"
	fieldOutputs   = "outputs"
	fieldError     = "error"
	fieldSeq       = "seq"
	fieldCancel    = "cancel"
	fieldUpdatedAt = "updated_at"
	streamField    = "line"
)

func statusKey(id string) string { return keyPrefix + id }
func logsKey(id string) string   { return keyPrefix + id + ":logs" }

func decodeStatus(id string, m map[string]string) *RunStatus {
	st := &RunStatus{
		DeploymentID: id,
		TaskID:       m[fieldTaskID],
		Status:       m[fieldStatus],
		Phase:        m[fieldPhase],
		Error:        m[fieldError],
	}
	st.Progress, _ = strconv.Atoi(m[fieldProgress])
	st.Seq, _ = strconv.ParseInt(m[fieldSeq], 10, 64)
	if raw := m[fieldOutputs]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &st.Outputs)
	}
	if ts := m[fieldUpdatedAt]; ts != "" {
		st.UpdatedAt, _ = time.Parse(time.RFC3339Nano, ts)
	}
	return st
}

// writeStatus sets fields and bumps the sequence in one transaction.
func writeStatus(ctx context.Context, rdb redis.UniversalClient, id string, fields map[string]any, retention time.Duration) (int64, error) {
	fields[fieldUpdatedAt] = time.Now().UTC().Format(time.RFC3339Nano)
	var seq *redis.IntCmd
	_, err := rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, statusKey(id), fields)
		seq = p.HIncrBy(ctx, statusKey(id), fieldSeq, 1)
		if retention > 0 {
			p.Expire(ctx, statusKey(id), retention)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return seq.Val(), nil
}

func appendLog(ctx context.Context, rdb redis.UniversalClient, id, line string, maxLen int64, retention time.Duration) error {
	_, err := rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.XAdd(ctx, &redis.XAddArgs{
			Stream: logsKey(id),
			MaxLen: maxLen,
			Approx: true,
			Values: map[string]any{streamField: line},
		})
		if retention > 0 {
			p.Expire(ctx, logsKey(id), retention)
		}
		return nil
	})
	return err
}
