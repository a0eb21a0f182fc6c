package race

import (
	"fmt"
	"slices"
	"time"

	apperrors "github.com/koopa0/race-coordinator/pkg/errors"
)

// 系統設計問題：
//   如何在不可靠、亂序的網路事件下，讓伺服器成為名次與圈數的唯一權威？
//
// 核心挑戰：
//   1. 反捷徑：客戶端回報的位置不可信，完成一圈必須經過所有檢查點
//   2. 名次一致：名次依伺服器處理順序連續分配（1..k），不能有空號或重複
//   3. 過期事件：斷線後、完賽後才到的事件要安全忽略，不能讓程序崩潰
//
// 設計方案：
//   ✅ 每位參賽者一個小型狀態機（RACING → FINISHED）
//   ✅ 名次 = finishOrder 長度 + 1（append-only）
//   ✅ 所有修改都在 Registry 的互斥鎖內完成，外部只拿得到快照

// FinishRecord 完賽紀錄
type FinishRecord struct {
	ID          ParticipantID `json:"id"`
	Name        string        `json:"name"`
	Position    int           `json:"position"`
	Timestamp   int64         `json:"timestamp"` // Unix 毫秒
	IsSynthetic bool          `json:"isSynthetic"`
}

// Room 賽局房間
//
// 狀態轉換：
//
//	等待加入（raceStarted=false）→ 比賽中（raceStarted=true）→ 全員完賽（raceFinished=true）
//
// 不變量：
//   - len(Participants) <= Capacity
//   - raceStarted 之後不再插入真實參賽者
//   - raceFinished 恰好在房間內所有參賽者都完賽時成立
//
// Registry 持有的 Room 不會離開 Registry；呼叫端拿到的都是 snapshot() 深拷貝。
type Room struct {
	ID           string         `json:"id"`
	Participants []Participant  `json:"participants"` // 依加入順序，真實玩家在補位的合成參賽者之前
	FinishOrder  []FinishRecord `json:"finishOrder"`
	RaceStarted  bool           `json:"raceStarted"`
	RaceFinished bool           `json:"raceFinished"`
	MaxLaps      int            `json:"maxLaps"`
	Capacity     int            `json:"capacity"`
	CreatedAt    time.Time      `json:"createdAt"`
}

func newRoom(id string, capacity, maxLaps int, now time.Time) *Room {
	return &Room{
		ID:           id,
		Participants: make([]Participant, 0, capacity),
		FinishOrder:  []FinishRecord{},
		MaxLaps:      maxLaps,
		Capacity:     capacity,
		CreatedAt:    now,
	}
}

// RealCount 真實參賽者數量
func (r *Room) RealCount() int {
	n := 0
	for i := range r.Participants {
		if !r.Participants[i].IsSynthetic {
			n++
		}
	}
	return n
}

// SyntheticCount 合成參賽者數量
func (r *Room) SyntheticCount() int {
	return len(r.Participants) - r.RealCount()
}

// Participant 依 ID 查找參賽者
func (r *Room) Participant(id ParticipantID) (Participant, bool) {
	if p := r.find(id); p != nil {
		return *p, true
	}
	return Participant{}, false
}

// acceptsJoins 是否還能接受真實玩家加入
func (r *Room) acceptsJoins() bool {
	return !r.RaceStarted && r.RealCount() < r.Capacity && len(r.Participants) < r.Capacity
}

func (r *Room) find(id ParticipantID) *Participant {
	for i := range r.Participants {
		if r.Participants[i].ID == id {
			return &r.Participants[i]
		}
	}
	return nil
}

// addReal 加入真實參賽者，槽位 = 目前真實玩家數
func (r *Room) addReal(id ParticipantID, info JoinInfo, spawns []SpawnPoint) Participant {
	spawn := spawnAt(spawns, r.RealCount())
	r.Participants = append(r.Participants, Participant{
		ID:                id,
		DisplayName:       info.DisplayName,
		CharacterSkin:     info.CharacterSkin,
		SpawnX:            spawn.X,
		SpawnY:            spawn.Y,
		IsSynthetic:       false,
		CheckpointsPassed: []CheckpointID{},
	})
	return r.Participants[len(r.Participants)-1]
}

// fillSynthetics 以合成參賽者補滿剩餘槽位並開始比賽
func (r *Room) fillSynthetics(roster []string, spawns []SpawnPoint, shuffle func(n int, swap func(i, j int))) int {
	realCount := r.RealCount()
	slotsNeeded := r.Capacity - realCount

	taken := make(map[string]bool, realCount)
	for i := range r.Participants {
		if !r.Participants[i].IsSynthetic {
			taken[r.Participants[i].CharacterSkin] = true
		}
	}
	pool := syntheticNamePool(roster, taken, shuffle)

	for i := 0; i < slotsNeeded; i++ {
		spawn := spawnAt(spawns, realCount+i)
		name := ""
		if len(pool) > 0 {
			name = pool[i%len(pool)]
		}
		r.Participants = append(r.Participants, Participant{
			ID:                syntheticIDAt(i),
			DisplayName:       name,
			CharacterSkin:     name,
			SpawnX:            spawn.X,
			SpawnY:            spawn.Y,
			IsSynthetic:       true,
			CheckpointsPassed: []CheckpointID{},
		})
	}

	r.RaceStarted = true
	return max(slotsNeeded, 0)
}

// completeLap 完成一圈
//
// 檢查點數量不足時拒絕（反捷徑驗證，不論客戶端回報的位置為何都必須在伺服器端執行）。
// 接受後：圈數 +1、清空檢查點；達到 MaxLaps 則轉為 FINISHED 並分配名次。
func (r *Room) completeLap(p *Participant, required int, now time.Time) (justFinished bool, err error) {
	if p.Finished {
		return false, apperrors.ErrParticipantFinished
	}
	if len(p.CheckpointsPassed) < required {
		return false, apperrors.ErrInsufficientCheckpoints.WithDetails(
			fmt.Sprintf("%d/%d", len(p.CheckpointsPassed), required))
	}

	p.CurrentLap++
	p.CheckpointsPassed = []CheckpointID{}

	if p.CurrentLap < r.MaxLaps {
		return false, nil
	}

	position := len(r.FinishOrder) + 1
	p.Finished = true
	p.FinishPosition = &position
	r.FinishOrder = append(r.FinishOrder, FinishRecord{
		ID:          p.ID,
		Name:        p.DisplayName,
		Position:    position,
		Timestamp:   now.UnixMilli(),
		IsSynthetic: p.IsSynthetic,
	})
	r.settle()

	return true, nil
}

// remove 移除參賽者
func (r *Room) remove(id ParticipantID) (Participant, bool) {
	idx := slices.IndexFunc(r.Participants, func(p Participant) bool { return p.ID == id })
	if idx < 0 {
		return Participant{}, false
	}
	removed := r.Participants[idx]
	r.Participants = slices.Delete(r.Participants, idx, idx+1)
	return removed, true
}

// settle 若比賽中的所有參賽者都已完賽，標記整場結束
func (r *Room) settle() bool {
	if !r.RaceStarted || r.RaceFinished || len(r.Participants) == 0 {
		return false
	}
	for i := range r.Participants {
		if !r.Participants[i].Finished {
			return false
		}
	}
	r.RaceFinished = true
	return true
}

// snapshot 深拷貝房間狀態
func (r *Room) snapshot() Room {
	cp := *r
	cp.Participants = make([]Participant, len(r.Participants))
	for i := range r.Participants {
		cp.Participants[i] = r.Participants[i].clone()
	}
	cp.FinishOrder = slices.Clone(r.FinishOrder)
	if cp.FinishOrder == nil {
		cp.FinishOrder = []FinishRecord{}
	}
	return cp
}
