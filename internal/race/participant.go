package race

import (
	"fmt"
	"slices"
)

// Kind 參賽者身分類別
type Kind uint8

const (
	KindReal      Kind = iota // 有實際連接的玩家
	KindSynthetic             // 用來補滿空位的合成參賽者
)

// ParticipantID 帶類別標記的參賽者 ID
//
// 真實與合成參賽者的 ID 空間由類別區分，而不是靠字串前綴：
// 即使真實連接 ID 剛好是 "npc_0"，也不會與合成參賽者 npc_0 相等。
type ParticipantID struct {
	kind  Kind
	value string
}

// RealID 以傳輸層的連接 ID 建立真實參賽者 ID
func RealID(connectionID string) ParticipantID {
	return ParticipantID{kind: KindReal, value: connectionID}
}

// SyntheticID 以客戶端回報的字串建立合成參賽者 ID
func SyntheticID(value string) ParticipantID {
	return ParticipantID{kind: KindSynthetic, value: value}
}

// syntheticIDAt 依補位迴圈索引產生合成參賽者 ID（僅在房間內唯一）
func syntheticIDAt(i int) ParticipantID {
	return SyntheticID(fmt.Sprintf("npc_%d", i))
}

// Kind 回傳類別
func (id ParticipantID) Kind() Kind { return id.kind }

// IsSynthetic 是否為合成參賽者
func (id ParticipantID) IsSynthetic() bool { return id.kind == KindSynthetic }

// IsZero 是否為空 ID
func (id ParticipantID) IsZero() bool { return id.value == "" }

// String 回傳線上傳輸用的字串
func (id ParticipantID) String() string { return id.value }

// MarshalText 序列化為純字串
func (id ParticipantID) MarshalText() ([]byte, error) {
	return []byte(id.value), nil
}

// CheckpointID 不透明的檢查點識別碼
type CheckpointID string

// JoinInfo 玩家加入時選擇的資料
type JoinInfo struct {
	DisplayName   string `json:"displayName"`
	CharacterSkin string `json:"characterSkin"`
}

// Actor 進度回報的操作者
//
// 房主連接會代替合成參賽者回報進度（合成參賽者沒有自己的連接）。
// SyntheticID 非空時，它才是被修改的對象，ConnectionID 在該次呼叫中不被使用。
type Actor struct {
	ConnectionID string
	SyntheticID  string
}

// Target 回傳實際被修改的參賽者 ID
func (a Actor) Target() ParticipantID {
	if a.SyntheticID != "" {
		return SyntheticID(a.SyntheticID)
	}
	return RealID(a.ConnectionID)
}

// Participant 參賽者
//
// 每位參賽者的圈數進度是一個小型狀態機：
//
//	RACING(currentLap, checkpointsPassed) → FINISHED(finishPosition)
//
// FINISHED 是終態，不會再離開。
type Participant struct {
	ID                ParticipantID  `json:"id"`
	DisplayName       string         `json:"displayName"`
	CharacterSkin     string         `json:"characterSkin"`
	SpawnX            int            `json:"spawnX"`
	SpawnY            int            `json:"spawnY"`
	IsSynthetic       bool           `json:"isSynthetic"`
	CurrentLap        int            `json:"currentLap"`
	CheckpointsPassed []CheckpointID `json:"checkpointsPassed"` // 僅記錄當前圈
	Finished          bool           `json:"finished"`
	FinishPosition    *int           `json:"finishPosition"` // 完賽時設定，且只設定一次
}

// passCheckpoint 記錄檢查點（冪等）
func (p *Participant) passCheckpoint(cp CheckpointID) bool {
	if slices.Contains(p.CheckpointsPassed, cp) {
		return false
	}
	p.CheckpointsPassed = append(p.CheckpointsPassed, cp)
	return true
}

// clone 深拷貝
func (p Participant) clone() Participant {
	p.CheckpointsPassed = slices.Clone(p.CheckpointsPassed)
	if p.CheckpointsPassed == nil {
		p.CheckpointsPassed = []CheckpointID{}
	}
	if p.FinishPosition != nil {
		pos := *p.FinishPosition
		p.FinishPosition = &pos
	}
	return p
}
