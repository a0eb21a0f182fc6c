// Package results 記錄已結束賽局的成績
//
// 這裡只做「事後記錄」：房間結束後把名次快照送到外部系統（Redis 存檔、NATS 廣播）。
// 房間狀態本身只存在記憶體中，不會從這裡恢復。
package results

import (
	"context"
	"time"

	"github.com/koopa0/race-coordinator/internal/race"
)

// Standing 單一名次
type Standing struct {
	ParticipantID string `json:"participant_id"`
	DisplayName   string `json:"display_name"`
	Position      int    `json:"position"`
	FinishedAt    int64  `json:"finished_at"` // Unix 毫秒
	IsSynthetic   bool   `json:"is_synthetic"`
}

// Result 一場賽局的成績
type Result struct {
	RoomID     string     `json:"room_id"`
	MaxLaps    int        `json:"max_laps"`
	StartedAt  time.Time  `json:"started_at"`
	RecordedAt time.Time  `json:"recorded_at"`
	Standings  []Standing `json:"standings"`
}

// FromRoom 由房間快照建立成績
func FromRoom(room race.Room, now time.Time) Result {
	standings := make([]Standing, 0, len(room.FinishOrder))
	for _, rec := range room.FinishOrder {
		standings = append(standings, Standing{
			ParticipantID: rec.ID.String(),
			DisplayName:   rec.Name,
			Position:      rec.Position,
			FinishedAt:    rec.Timestamp,
			IsSynthetic:   rec.IsSynthetic,
		})
	}
	return Result{
		RoomID:     room.ID,
		MaxLaps:    room.MaxLaps,
		StartedAt:  room.CreatedAt,
		RecordedAt: now,
		Standings:  standings,
	}
}

// Winner 第一名的真實玩家；合成參賽者獲勝時回傳 false
func (r Result) Winner() (Standing, bool) {
	for _, s := range r.Standings {
		if s.Position == 1 {
			return s, !s.IsSynthetic
		}
	}
	return Standing{}, false
}

// Sink 成績輸出端
type Sink interface {
	Name() string
	Publish(ctx context.Context, res Result) error
}

// LeaderboardEntry 勝場排行
type LeaderboardEntry struct {
	DisplayName string `json:"display_name"`
	Wins        int64  `json:"wins"`
}
