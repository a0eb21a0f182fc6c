package internal

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/koopa0/race-coordinator/internal/race"
)

// 客戶端 → 伺服器訊息類型
const (
	MsgJoinRace            = "joinRace"
	MsgStartWithSynthetics = "startWithSynthetics"
	MsgPlayerMove          = "playerMove"
	MsgSyntheticMove       = "syntheticMove"
	MsgCheckpointPassed    = "checkpointPassed"
	MsgLapCompleted        = "lapCompleted"
)

// 伺服器 → 客戶端事件類型
const (
	EventConnected          = "connected"
	EventRoomUpdate         = "roomUpdate"
	EventStartRace          = "startRace"
	EventPlayerMoved        = "playerMoved"
	EventPlayerLapUpdate    = "playerLapUpdate"
	EventPlayerFinishedRace = "playerFinishedRace"
	EventRaceFinished       = "raceFinished"
)

// Inbound 客戶端訊息
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Event 推送給客戶端的事件
type Event struct {
	Type string `json:"event"`
	Data any    `json:"data"`
}

// ConnectedPayload 連接建立後告知客戶端自己的 ID
type ConnectedPayload struct {
	ID string `json:"id"`
}

type startPayload struct {
	RoomID string `json:"roomId"`
}

type movePayload struct {
	RoomID      string  `json:"roomId"`
	SyntheticID string  `json:"syntheticId,omitempty"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	VelocityX   float64 `json:"velocityX"`
	VelocityY   float64 `json:"velocityY"`
	Rotation    float64 `json:"rotation"`
}

type checkpointPayload struct {
	RoomID       string          `json:"roomId"`
	SyntheticID  string          `json:"syntheticId,omitempty"`
	CheckpointID checkpointValue `json:"checkpointId"`
}

type lapPayload struct {
	RoomID                   string `json:"roomId"`
	SyntheticID              string `json:"syntheticId,omitempty"`
	TotalCheckpointsRequired *int   `json:"totalCheckpointsRequired"`
	TotalCheckpoints         *int   `json:"totalCheckpoints"` // 舊版客戶端欄位
}

func (p lapPayload) required() int {
	switch {
	case p.TotalCheckpointsRequired != nil:
		return *p.TotalCheckpointsRequired
	case p.TotalCheckpoints != nil:
		return *p.TotalCheckpoints
	default:
		return 0
	}
}

// checkpointValue 檢查點 ID，客戶端可能送字串或數字
type checkpointValue string

// UnmarshalJSON 接受 "3" 與 3，統一為文字
func (c *checkpointValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = checkpointValue(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("checkpointId must be a string or number: %w", err)
	}
	if n == "" {
		return fmt.Errorf("checkpointId is required")
	}
	*c = checkpointValue(n.String())
	return nil
}

// PlayerMovedPayload 位置轉發
type PlayerMovedPayload struct {
	ID        string  `json:"id"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	VelocityX float64 `json:"velocityX"`
	VelocityY float64 `json:"velocityY"`
	Rotation  float64 `json:"rotation"`
}

// LapUpdatePayload 圈數更新
type LapUpdatePayload struct {
	PlayerID    string `json:"playerId"`
	PlayerName  string `json:"playerName"`
	CurrentLap  int    `json:"currentLap"`
	MaxLaps     int    `json:"maxLaps"`
	Finished    bool   `json:"finished"`
	IsSynthetic bool   `json:"isSynthetic"`
}

// PlayerFinishedPayload 參賽者完賽
type PlayerFinishedPayload struct {
	PlayerID     string              `json:"playerId"`
	PlayerName   string              `json:"playerName"`
	Position     int                 `json:"position"`
	FinishOrder  []race.FinishRecord `json:"finishOrder"`
	RaceFinished bool                `json:"raceFinished"`
	IsSynthetic  bool                `json:"isSynthetic"`
}

// RaceFinishedPayload 全場結束
type RaceFinishedPayload struct {
	RoomID      string              `json:"roomId"`
	FinishOrder []race.FinishRecord `json:"finishOrder"`
}
