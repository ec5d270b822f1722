package mysql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/EthanQC/realtime/internal/domain/call"
	"github.com/EthanQC/realtime/internal/domain/entity"
	"github.com/EthanQC/realtime/internal/ports/out"
)

// CallModel GORM模型
type CallModel struct {
	CallID          string     `gorm:"column:call_id;primaryKey;type:varchar(64)"`
	CallerID        uint64     `gorm:"column:caller_id;not null;index"`
	CalleeID        uint64     `gorm:"column:callee_id;not null;index"`
	ConversationID  uint64     `gorm:"column:conversation_id;default:0"`
	RoomID          string     `gorm:"column:room_id;type:varchar(128)"`
	RoomURL         string     `gorm:"column:room_url;type:varchar(512)"`
	State           string     `gorm:"column:state;type:varchar(16);not null;index:idx_state_started,priority:1;index:idx_state_ended,priority:1"`
	StartedAt       time.Time  `gorm:"column:started_at;not null;index:idx_state_started,priority:2"`
	AnsweredAt      *time.Time `gorm:"column:answered_at"`
	EndedAt         *time.Time `gorm:"column:ended_at;index:idx_state_ended,priority:2"`
	DurationSeconds *int64     `gorm:"column:duration_seconds"`
	EndReason       string     `gorm:"column:end_reason;type:varchar(128)"`
	UpdatedAt       time.Time  `gorm:"column:updated_at"`
}

func (CallModel) TableName() string {
	return "calls"
}

func (m *CallModel) toEntity() *entity.Call {
	return &entity.Call{
		CallID:          m.CallID,
		CallerID:        m.CallerID,
		CalleeID:        m.CalleeID,
		ConversationID:  m.ConversationID,
		RoomID:          m.RoomID,
		RoomURL:         m.RoomURL,
		State:           call.State(m.State),
		StartedAt:       m.StartedAt,
		AnsweredAt:      m.AnsweredAt,
		EndedAt:         m.EndedAt,
		DurationSeconds: m.DurationSeconds,
		EndReason:       m.EndReason,
		UpdatedAt:       m.UpdatedAt,
	}
}

func callModelFromEntity(e *entity.Call) *CallModel {
	return &CallModel{
		CallID:          e.CallID,
		CallerID:        e.CallerID,
		CalleeID:        e.CalleeID,
		ConversationID:  e.ConversationID,
		RoomID:          e.RoomID,
		RoomURL:         e.RoomURL,
		State:           string(e.State),
		StartedAt:       e.StartedAt,
		AnsweredAt:      e.AnsweredAt,
		EndedAt:         e.EndedAt,
		DurationSeconds: e.DurationSeconds,
		EndReason:       e.EndReason,
		UpdatedAt:       e.UpdatedAt,
	}
}

// updateColumns 条件更新要写入的列，未设置的字段不覆盖
func updateColumns(u *entity.CallUpdate) map[string]interface{} {
	cols := map[string]interface{}{
		"state":      string(u.To),
		"updated_at": u.UpdatedAt,
	}
	if u.AnsweredAt != nil {
		cols["answered_at"] = *u.AnsweredAt
	}
	if u.EndedAt != nil {
		cols["ended_at"] = *u.EndedAt
	}
	if u.DurationSeconds != nil {
		cols["duration_seconds"] = *u.DurationSeconds
	}
	if u.EndReason != "" {
		cols["end_reason"] = u.EndReason
	}
	return cols
}

// CallRepositoryMySQL MySQL通话仓储实现
type CallRepositoryMySQL struct {
	db *gorm.DB
}

var _ out.CallRepository = (*CallRepositoryMySQL)(nil)

func NewCallRepositoryMySQL(db *gorm.DB) *CallRepositoryMySQL {
	return &CallRepositoryMySQL{db: db}
}

func (r *CallRepositoryMySQL) Create(ctx context.Context, c *entity.Call) error {
	err := r.db.WithContext(ctx).Create(callModelFromEntity(c)).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return out.ErrDuplicateCall
	}
	return err
}

func (r *CallRepositoryMySQL) Get(ctx context.Context, callID string) (*entity.Call, error) {
	var model CallModel
	err := r.db.WithContext(ctx).Where("call_id = ?", callID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return model.toEntity(), nil
}

// CompareAndSwap UPDATE ... WHERE state = from，RowsAffected 为 0 表示竞争失败
func (r *CallRepositoryMySQL) CompareAndSwap(ctx context.Context, callID string, from call.State, update *entity.CallUpdate) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&CallModel{}).
		Where("call_id = ? AND state = ?", callID, string(from)).
		Updates(updateColumns(update))
	if res.Error != nil {
		return false, fmt.Errorf("conditional update call %s: %w", callID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *CallRepositoryMySQL) ListRingingBefore(ctx context.Context, startedBefore time.Time, limit int) ([]*entity.Call, error) {
	var models []CallModel
	err := r.db.WithContext(ctx).
		Where("state = ? AND started_at <= ?", string(call.StateRinging), startedBefore).
		Order("started_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	calls := make([]*entity.Call, len(models))
	for i := range models {
		calls[i] = models[i].toEntity()
	}
	return calls, nil
}

func (r *CallRepositoryMySQL) DeleteTerminatedBefore(ctx context.Context, endedBefore time.Time) (int64, error) {
	terminal := []string{
		string(call.StateEnded),
		string(call.StateRejected),
		string(call.StateCancelled),
		string(call.StateMissed),
	}
	res := r.db.WithContext(ctx).
		Where("state IN ? AND ended_at < ?", terminal, endedBefore).
		Delete(&CallModel{})
	return res.RowsAffected, res.Error
}
