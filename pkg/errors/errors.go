// Package errors 提供應用程式錯誤處理
//
// 賽局協調器的錯誤分類刻意保持粗粒度：
// 大多數失敗都是網路亂序造成的良性競態（房間已結束、斷線後才到的檢查點事件），
// 呼叫端只需要知道「什麼都沒發生」。唯一需要被區分的是檢查點不足的圈數完成，
// 它代表客戶端錯誤或捷徑作弊。
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeRoomNotFound 房間不存在（或已銷毀）
	ErrCodeRoomNotFound = "ROOM_NOT_FOUND"
	// ErrCodeParticipantNotFound 參賽者不在房間內
	ErrCodeParticipantNotFound = "PARTICIPANT_NOT_FOUND"
	// ErrCodeRaceStarted 比賽已開始
	ErrCodeRaceStarted = "RACE_ALREADY_STARTED"
	// ErrCodeParticipantFinished 參賽者已完賽
	ErrCodeParticipantFinished = "PARTICIPANT_FINISHED"
	// ErrCodeSyntheticDeparture 合成參賽者不能單獨離開
	ErrCodeSyntheticDeparture = "SYNTHETIC_DEPARTURE"
	// ErrCodeInsufficientCheckpoints 檢查點不足
	ErrCodeInsufficientCheckpoints = "INSUFFICIENT_CHECKPOINTS"
	// ErrCodeInvalidInput 無效輸入
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeNotFound 資源未找到
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
	// ErrCodeUnavailable 服務不可用
	ErrCodeUnavailable = "SERVICE_UNAVAILABLE"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Details != "" {
		msg += " (" + e.Details + ")"
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 實現 errors.Is，以錯誤碼比對
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 回傳附帶詳細資訊的副本
//
// 預定義錯誤是共享的，不能就地修改。
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// 預定義錯誤
var (
	// ErrRoomNotFound 房間不存在
	ErrRoomNotFound = New(ErrCodeRoomNotFound, "room not found")

	// ErrParticipantNotFound 參賽者不存在
	ErrParticipantNotFound = New(ErrCodeParticipantNotFound, "participant not found")

	// ErrRaceStarted 比賽已開始
	ErrRaceStarted = New(ErrCodeRaceStarted, "race already started")

	// ErrParticipantFinished 參賽者已完賽
	ErrParticipantFinished = New(ErrCodeParticipantFinished, "participant already finished")

	// ErrSyntheticDeparture 合成參賽者不能離開
	ErrSyntheticDeparture = New(ErrCodeSyntheticDeparture, "synthetic participants cannot depart")

	// ErrInsufficientCheckpoints 檢查點不足
	ErrInsufficientCheckpoints = New(ErrCodeInsufficientCheckpoints, "lap completed without all checkpoints")

	// ErrInvalidInput 無效輸入
	ErrInvalidInput = New(ErrCodeInvalidInput, "invalid input")

	// ErrArchiveUnavailable 結果存檔未啟用
	ErrArchiveUnavailable = New(ErrCodeUnavailable, "result archive unavailable")
)

// code 取出錯誤碼
func code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsNotFound 檢查是否為未找到錯誤（房間或參賽者）
func IsNotFound(err error) bool {
	switch code(err) {
	case ErrCodeNotFound, ErrCodeRoomNotFound, ErrCodeParticipantNotFound:
		return true
	}
	return false
}

// IsRejected 檢查是否為被拒絕的圈數完成
func IsRejected(err error) bool {
	return code(err) == ErrCodeInsufficientCheckpoints
}

// IsStale 檢查是否為可安全忽略的過期事件
//
// 包含：房間或參賽者已不存在、比賽已開始、參賽者已完賽、合成參賽者離開。
func IsStale(err error) bool {
	switch code(err) {
	case ErrCodeRoomNotFound, ErrCodeParticipantNotFound, ErrCodeRaceStarted,
		ErrCodeParticipantFinished, ErrCodeSyntheticDeparture:
		return true
	}
	return false
}
