package race

import (
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/koopa0/race-coordinator/pkg/errors"
)

// Registry 房間註冊表
//
// 系統設計考量：
//
//  1. 唯一權威：
//     Registry 獨佔所有 Room；外部只拿得到快照，任何修改都必須經過下列操作，
//     這是名次與容量不變量在任意事件交錯下仍成立的原因。
//
//  2. 循序處理（Mutex）：
//     每個操作在同一把鎖內執行到底，不做任何 I/O、不中途讓出，
//     讀者永遠看不到半套參賽者紀錄或名次空號。
//     名次依「處理」順序分配，而非客戶端送出的時間。
//
//  3. 生命週期：
//     - 建立：沒有可加入的房間時才延遲建立
//     - 銷毀：最後一位真實玩家離開時立即移除（合成參賽者不會讓房間存活）
//
//  4. 查找順序：
//     order 保存建立順序，「第一個符合條件的房間」是確定的，先建立的房間先補滿。
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Room // roomID -> Room
	order []string         // 依建立順序的 roomID

	capacity   int
	maxLaps    int
	spawns     []SpawnPoint
	characters []string

	newRoomID func() string
	shuffle   func(n int, swap func(i, j int))
	now       func() time.Time

	logger *slog.Logger
}

// Option 註冊表選項
type Option func(*Registry)

// WithCapacity 設定每個房間的槽位數（非正數忽略）
func WithCapacity(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.capacity = n
		}
	}
}

// WithMaxLaps 設定完賽圈數（非正數忽略）
func WithMaxLaps(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxLaps = n
		}
	}
}

// WithSpawnPoints 設定出生點表
func WithSpawnPoints(points []SpawnPoint) Option {
	return func(r *Registry) {
		if len(points) > 0 {
			r.spawns = slices.Clone(points)
		}
	}
}

// WithCharacters 設定角色名單
func WithCharacters(names []string) Option {
	return func(r *Registry) {
		if len(names) > 0 {
			r.characters = slices.Clone(names)
		}
	}
}

// WithRoomIDGenerator 自訂房間 ID 產生器
func WithRoomIDGenerator(fn func() string) Option {
	return func(r *Registry) {
		if fn != nil {
			r.newRoomID = fn
		}
	}
}

// WithShuffle 自訂名稱池洗牌函數（測試用）
func WithShuffle(fn func(n int, swap func(i, j int))) Option {
	return func(r *Registry) {
		if fn != nil {
			r.shuffle = fn
		}
	}
}

// WithClock 自訂時鐘
func WithClock(fn func() time.Time) Option {
	return func(r *Registry) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewRegistry 創建房間註冊表
func NewRegistry(logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		rooms:      make(map[string]*Room),
		capacity:   DefaultCapacity,
		maxLaps:    DefaultMaxLaps,
		spawns:     DefaultSpawnPoints,
		characters: DefaultCharacters,
		newRoomID:  func() string { return "room_" + uuid.NewString() },
		shuffle:    rand.Shuffle,
		now:        time.Now,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// JoinResult 加入結果
type JoinResult struct {
	Room        Room
	Participant Participant
	Created     bool // 本次加入建立了新房間
	Started     bool // 真實玩家已滿，比賽自動開始
}

// CheckpointResult 檢查點結果
type CheckpointResult struct {
	Room        Room
	Participant Participant
}

// LapResult 完成一圈的結果
type LapResult struct {
	Room         Room
	Participant  Participant
	JustFinished bool // 此參賽者在本次呼叫中完賽
	RaceFinished bool // 整個房間的完賽狀態（不是參賽者層級）
}

// Departure 離開結果
type Departure struct {
	Room         Room // 移除後的房間；若已銷毀則為銷毀前的最後快照
	Participant  Participant
	Destroyed    bool
	RaceFinished bool // 此次離開使剩餘參賽者全數完賽
}

// JoinAvailableRoom 加入第一個可用的房間，沒有則建立
//
// 呼叫端負責避免同一個 ID 重複加入。
// 槽位索引 = 房間目前的真實玩家數；超過出生點表時固定為最後一個。
// 真實玩家數達到容量時比賽自動開始。
func (r *Registry) JoinAvailableRoom(participantID string, info JoinInfo) *JoinResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := RealID(participantID)

	room := r.firstJoinable()
	created := false
	if room == nil {
		room = newRoom(r.newRoomID(), r.capacity, r.maxLaps, r.now())
		r.rooms[room.ID] = room
		r.order = append(r.order, room.ID)
		created = true

		r.logger.Info("房間已創建",
			"room_id", room.ID,
			"capacity", room.Capacity,
			"max_laps", room.MaxLaps)
	}

	p := room.addReal(id, info, r.spawns)

	started := false
	if room.RealCount() >= room.Capacity {
		room.RaceStarted = true
		started = true
	}

	r.logger.Info("玩家加入房間",
		"room_id", room.ID,
		"participant_id", participantID,
		"display_name", info.DisplayName,
		"real_count", room.RealCount(),
		"race_started", started)

	return &JoinResult{
		Room:        room.snapshot(),
		Participant: p.clone(),
		Created:     created,
		Started:     started,
	}
}

// FillWithSynthetics 以合成參賽者補滿房間並開始比賽
//
// 房主在房間未滿時選擇開始。房間不存在或已開始時回傳錯誤（重複呼叫為 no-op）。
func (r *Registry) FillWithSynthetics(roomID string) (*Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return nil, apperrors.ErrRoomNotFound
	}
	if room.RaceStarted {
		return nil, apperrors.ErrRaceStarted
	}

	added := room.fillSynthetics(r.characters, r.spawns, r.shuffle)

	r.logger.Info("房間以合成參賽者補位開始",
		"room_id", room.ID,
		"real_count", room.RealCount(),
		"synthetic_count", added)

	snap := room.snapshot()
	return &snap, nil
}

// RecordCheckpoint 記錄通過的檢查點
//
// 已完賽參賽者的檢查點事件會被忽略（遲到或重複的網路事件是預期的）。
// 同一圈重複通過同一檢查點沒有額外效果；檢查點順序不在此驗證。
func (r *Registry) RecordCheckpoint(roomID string, actor Actor, cp CheckpointID) (*CheckpointResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, p, err := r.resolve(roomID, actor.Target())
	if err != nil {
		return nil, err
	}
	if p.Finished {
		return nil, apperrors.ErrParticipantFinished
	}

	if p.passCheckpoint(cp) {
		r.logger.Debug("通過檢查點",
			"room_id", roomID,
			"participant_id", p.ID.String(),
			"checkpoint_id", string(cp),
			"passed", len(p.CheckpointsPassed))
	}

	return &CheckpointResult{
		Room:        room.snapshot(),
		Participant: p.clone(),
	}, nil
}

// CompleteLap 完成一圈
//
// 檢查點不足時回傳 ErrInsufficientCheckpoints，並以 warn 級別獨立記錄：
// 這代表客戶端錯誤或抄捷徑，是唯一值得與一般過期事件區分的失敗。
func (r *Registry) CompleteLap(roomID string, actor Actor, totalCheckpointsRequired int) (*LapResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, p, err := r.resolve(roomID, actor.Target())
	if err != nil {
		return nil, err
	}

	passed := len(p.CheckpointsPassed)
	justFinished, err := room.completeLap(p, totalCheckpointsRequired, r.now())
	if err != nil {
		if apperrors.IsRejected(err) {
			r.logger.Warn("檢查點不足，拒絕完成圈數",
				"room_id", roomID,
				"participant_id", p.ID.String(),
				"connection_id", actor.ConnectionID,
				"passed", passed,
				"required", totalCheckpointsRequired)
		}
		return nil, err
	}

	r.logger.Info("完成一圈",
		"room_id", roomID,
		"participant_id", p.ID.String(),
		"lap", p.CurrentLap,
		"max_laps", room.MaxLaps)

	if justFinished {
		r.logger.Info("參賽者完賽",
			"room_id", roomID,
			"participant_id", p.ID.String(),
			"position", *p.FinishPosition,
			"race_finished", room.RaceFinished)
	}

	return &LapResult{
		Room:         room.snapshot(),
		Participant:  p.clone(),
		JustFinished: justFinished,
		RaceFinished: room.RaceFinished,
	}, nil
}

// RemoveParticipant 移除離開的真實參賽者
//
// 合成參賽者不能獨立離開（回傳 ErrSyntheticDeparture）。
// 移除後若房間內沒有真實玩家，立即銷毀房間。
func (r *Registry) RemoveParticipant(participantID ParticipantID) (*Departure, error) {
	if participantID.IsSynthetic() {
		return nil, apperrors.ErrSyntheticDeparture
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, roomID := range r.order {
		room := r.rooms[roomID]
		removed, ok := room.remove(participantID)
		if !ok {
			continue
		}

		d := &Departure{Participant: removed.clone()}

		if room.RealCount() == 0 {
			r.destroy(roomID)
			d.Destroyed = true
			r.logger.Info("房間已銷毀",
				"room_id", roomID,
				"reason", "no_real_participants",
				"synthetic_count", room.SyntheticCount())
		} else {
			d.RaceFinished = room.settle()
		}

		d.Room = room.snapshot()

		r.logger.Info("玩家離開房間",
			"room_id", roomID,
			"participant_id", participantID.String(),
			"destroyed", d.Destroyed)

		return d, nil
	}

	return nil, apperrors.ErrParticipantNotFound
}

// Room 取得房間快照
func (r *Registry) Room(roomID string) (Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return Room{}, false
	}
	return room.snapshot(), true
}

// Rooms 依建立順序列出所有房間快照
func (r *Registry) Rooms() []Room {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]Room, 0, len(r.order))
	for _, id := range r.order {
		result = append(result, r.rooms[id].snapshot())
	}
	return result
}

// RoomOf 查詢參賽者所在房間
func (r *Registry) RoomOf(participantID ParticipantID) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.order {
		if r.rooms[id].find(participantID) != nil {
			return id, true
		}
	}
	return "", false
}

// Stats 統計資訊
type Stats struct {
	TotalRooms            int `json:"total_rooms"`
	WaitingRooms          int `json:"waiting_rooms"`
	RacingRooms           int `json:"racing_rooms"`
	FinishedRooms         int `json:"finished_rooms"`
	RealParticipants      int `json:"real_participants"`
	SyntheticParticipants int `json:"synthetic_participants"`
}

// Stats 獲取統計資訊
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	var s Stats
	s.TotalRooms = len(r.rooms)
	for _, room := range r.rooms {
		switch {
		case room.RaceFinished:
			s.FinishedRooms++
		case room.RaceStarted:
			s.RacingRooms++
		default:
			s.WaitingRooms++
		}
		realCount := room.RealCount()
		s.RealParticipants += realCount
		s.SyntheticParticipants += len(room.Participants) - realCount
	}
	return s
}

// firstJoinable 依建立順序找第一個可加入的房間（需持有鎖）
func (r *Registry) firstJoinable() *Room {
	for _, id := range r.order {
		if room := r.rooms[id]; room.acceptsJoins() {
			return room
		}
	}
	return nil
}

// resolve 找出房間與參賽者（需持有鎖）
func (r *Registry) resolve(roomID string, target ParticipantID) (*Room, *Participant, error) {
	room, ok := r.rooms[roomID]
	if !ok {
		return nil, nil, apperrors.ErrRoomNotFound
	}
	p := room.find(target)
	if p == nil {
		return nil, nil, apperrors.ErrParticipantNotFound
	}
	return room, p, nil
}

// destroy 從註冊表移除房間（需持有鎖）
func (r *Registry) destroy(roomID string) {
	delete(r.rooms, roomID)
	r.order = slices.DeleteFunc(r.order, func(id string) bool { return id == roomID })
}
