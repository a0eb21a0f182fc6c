package internal

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/koopa0/race-coordinator/internal/race"
	apperrors "github.com/koopa0/race-coordinator/pkg/errors"
)

// Audience 事件的接收對象
type Audience uint8

const (
	AudienceRoom             Audience = iota // 房間內所有連接
	AudienceRoomExceptSender                 // 房間內除了發送者以外
	AudienceSender                           // 只有發送者
)

// Delivery 一則待送出的事件
type Delivery struct {
	Audience Audience
	RoomID   string
	Event    Event
}

// Outcome 處理一則訊息後 Hub 要做的事
type Outcome struct {
	JoinedRoom string     // 非空時把發送者加入此房間的廣播名單
	Deliveries []Delivery // 依序送出
	Finished   *race.Room // 房間剛全員完賽，交給成績記錄器
}

func (o *Outcome) add(aud Audience, roomID, eventType string, data any) {
	o.Deliveries = append(o.Deliveries, Delivery{
		Audience: aud,
		RoomID:   roomID,
		Event:    Event{Type: eventType, Data: data},
	})
}

// Dispatcher 把客戶端訊息轉成 Registry 操作
//
// Dispatcher 不碰連接，只回傳 Outcome；實際送出由 Hub 負責。
// 這讓整個協定可以在沒有 WebSocket 的情況下測試。
//
// 錯誤處理：
//   - 過期事件（房間或參賽者不存在、已完賽、比賽已開始）→ debug 並丟棄
//   - 檢查點不足 → Registry 已記錄 warn，這裡不重複
//   - 格式錯誤 → warn 並丟棄
//
// 任何失敗都不會回覆客戶端。
type Dispatcher struct {
	registry *race.Registry
	logger   *slog.Logger
}

// NewDispatcher 創建分派器
func NewDispatcher(registry *race.Registry, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{registry: registry, logger: logger}
}

// Dispatch 處理一則客戶端訊息
func (d *Dispatcher) Dispatch(connID string, msg Inbound) Outcome {
	var (
		out Outcome
		err error
	)

	switch msg.Type {
	case MsgJoinRace:
		out, err = d.join(connID, msg.Data)
	case MsgStartWithSynthetics:
		out, err = d.start(connID, msg.Data)
	case MsgPlayerMove, MsgSyntheticMove:
		out, err = d.move(connID, msg.Type == MsgSyntheticMove, msg.Data)
	case MsgCheckpointPassed:
		out, err = d.checkpoint(connID, msg.Data)
	case MsgLapCompleted:
		out, err = d.lap(connID, msg.Data)
	default:
		err = apperrors.ErrInvalidInput.WithDetails("unknown message type " + msg.Type)
	}

	if err != nil {
		d.logFailure(connID, msg.Type, err)
		return Outcome{}
	}
	return out
}

// Disconnect 連接關閉時移除真實參賽者
func (d *Dispatcher) Disconnect(connID string) Outcome {
	var out Outcome

	dep, err := d.registry.RemoveParticipant(race.RealID(connID))
	if err != nil {
		// 從未加入房間的連接
		d.logger.Debug("斷線連接不在任何房間", "connection_id", connID)
		return out
	}

	if dep.Destroyed {
		return out
	}

	room := dep.Room
	out.add(AudienceRoom, room.ID, EventRoomUpdate, room)
	if dep.RaceFinished {
		out.add(AudienceRoom, room.ID, EventRaceFinished, RaceFinishedPayload{
			RoomID:      room.ID,
			FinishOrder: room.FinishOrder,
		})
		out.Finished = &room
	}
	return out
}

func (d *Dispatcher) join(connID string, data json.RawMessage) (Outcome, error) {
	var out Outcome

	var info race.JoinInfo
	if err := decode(data, &info); err != nil {
		return out, err
	}

	// 同一連接重複加入：只回傳目前房間狀態
	if roomID, ok := d.registry.RoomOf(race.RealID(connID)); ok {
		room, _ := d.registry.Room(roomID)
		out.add(AudienceSender, roomID, EventRoomUpdate, room)
		return out, nil
	}

	res := d.registry.JoinAvailableRoom(connID, info)
	out.JoinedRoom = res.Room.ID
	out.add(AudienceRoom, res.Room.ID, EventRoomUpdate, res.Room)
	if res.Started {
		out.add(AudienceRoom, res.Room.ID, EventStartRace, res.Room)
	}
	return out, nil
}

func (d *Dispatcher) start(connID string, data json.RawMessage) (Outcome, error) {
	var out Outcome

	var p startPayload
	if err := decode(data, &p); err != nil {
		return out, err
	}
	if err := d.requireMember(connID, p.RoomID); err != nil {
		return out, err
	}

	room, err := d.registry.FillWithSynthetics(p.RoomID)
	if err != nil {
		return out, err
	}
	out.add(AudienceRoom, room.ID, EventStartRace, *room)
	return out, nil
}

// move 轉發位置，不經過狀態機
func (d *Dispatcher) move(connID string, synthetic bool, data json.RawMessage) (Outcome, error) {
	var out Outcome

	var p movePayload
	if err := decode(data, &p); err != nil {
		return out, err
	}
	if err := d.requireMember(connID, p.RoomID); err != nil {
		return out, err
	}

	id := connID
	if synthetic {
		if p.SyntheticID == "" {
			return out, apperrors.ErrInvalidInput.WithDetails("syntheticId is required")
		}
		id = p.SyntheticID
	}

	out.add(AudienceRoomExceptSender, p.RoomID, EventPlayerMoved, PlayerMovedPayload{
		ID:        id,
		X:         p.X,
		Y:         p.Y,
		VelocityX: p.VelocityX,
		VelocityY: p.VelocityY,
		Rotation:  p.Rotation,
	})
	return out, nil
}

func (d *Dispatcher) checkpoint(connID string, data json.RawMessage) (Outcome, error) {
	var p checkpointPayload
	if err := decode(data, &p); err != nil {
		return Outcome{}, err
	}
	if p.CheckpointID == "" {
		return Outcome{}, apperrors.ErrInvalidInput.WithDetails("checkpointId is required")
	}

	actor := race.Actor{ConnectionID: connID, SyntheticID: p.SyntheticID}
	_, err := d.registry.RecordCheckpoint(p.RoomID, actor, race.CheckpointID(p.CheckpointID))
	return Outcome{}, err
}

func (d *Dispatcher) lap(connID string, data json.RawMessage) (Outcome, error) {
	var out Outcome

	var p lapPayload
	if err := decode(data, &p); err != nil {
		return out, err
	}

	actor := race.Actor{ConnectionID: connID, SyntheticID: p.SyntheticID}
	res, err := d.registry.CompleteLap(p.RoomID, actor, p.required())
	if err != nil {
		return out, err
	}

	room, pt := res.Room, res.Participant
	out.add(AudienceRoom, room.ID, EventPlayerLapUpdate, LapUpdatePayload{
		PlayerID:    pt.ID.String(),
		PlayerName:  pt.DisplayName,
		CurrentLap:  pt.CurrentLap,
		MaxLaps:     room.MaxLaps,
		Finished:    pt.Finished,
		IsSynthetic: pt.IsSynthetic,
	})

	if res.JustFinished {
		out.add(AudienceRoom, room.ID, EventPlayerFinishedRace, PlayerFinishedPayload{
			PlayerID:     pt.ID.String(),
			PlayerName:   pt.DisplayName,
			Position:     *pt.FinishPosition,
			FinishOrder:  room.FinishOrder,
			RaceFinished: res.RaceFinished,
			IsSynthetic:  pt.IsSynthetic,
		})
	}

	if res.RaceFinished {
		out.add(AudienceRoom, room.ID, EventRaceFinished, RaceFinishedPayload{
			RoomID:      room.ID,
			FinishOrder: room.FinishOrder,
		})
		out.Finished = &room
	}
	return out, nil
}

// requireMember 發送者必須是該房間的真實參賽者
func (d *Dispatcher) requireMember(connID, roomID string) error {
	current, ok := d.registry.RoomOf(race.RealID(connID))
	if !ok || current != roomID {
		return apperrors.ErrParticipantNotFound.WithDetails(fmt.Sprintf("connection not in room %q", roomID))
	}
	return nil
}

func (d *Dispatcher) logFailure(connID, msgType string, err error) {
	switch {
	case apperrors.IsRejected(err):
		// Registry 已記錄 warn
	case apperrors.IsStale(err):
		d.logger.Debug("忽略過期事件",
			"connection_id", connID,
			"type", msgType,
			"error", err)
	default:
		d.logger.Warn("無效的客戶端訊息",
			"connection_id", connID,
			"type", msgType,
			"error", err)
	}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "malformed payload")
	}
	return nil
}
