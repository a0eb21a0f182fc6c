package internal

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/race-coordinator/internal/race"
	"github.com/koopa0/race-coordinator/internal/results"
	apperrors "github.com/koopa0/race-coordinator/pkg/errors"
	"github.com/koopa0/race-coordinator/pkg/logger"
)

// Archive 成績存檔的查詢介面
type Archive interface {
	Recent(ctx context.Context, n int64) ([]results.Result, error)
	Leaderboard(ctx context.Context, n int64) ([]results.LeaderboardEntry, error)
}

// ConnectionCounter 回報目前連接數
type ConnectionCounter interface {
	ConnectionCount() int
}

// Handler HTTP 請求處理器
//
// 只提供唯讀查詢；所有狀態修改都走 WebSocket。
type Handler struct {
	registry    *race.Registry
	connections ConnectionCounter
	archive     Archive // 可以是 nil
	logger      *slog.Logger
}

// NewHandler 創建 HTTP 處理器
func NewHandler(registry *race.Registry, connections ConnectionCounter, archive Archive, logger *slog.Logger) *Handler {
	return &Handler{
		registry:    registry,
		connections: connections,
		archive:     archive,
		logger:      logger,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.requestID(h.recoverer(h.loggerMiddleware(handler)))
	}

	mux.HandleFunc("GET /api/v1/rooms", wrap(h.listRooms))
	mux.HandleFunc("GET /api/v1/rooms/{room_id}", wrap(h.getRoom))
	mux.HandleFunc("GET /api/v1/results", wrap(h.recentResults))
	mux.HandleFunc("GET /api/v1/leaderboard", wrap(h.leaderboard))

	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.stats))

	return mux
}

// listRooms 列出房間（可用 ?status=waiting|racing|finished 過濾）
func (h *Handler) listRooms(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	switch status {
	case "", "waiting", "racing", "finished":
	default:
		h.errorResponse(w, r, apperrors.ErrInvalidInput.WithDetails("unknown status "+status), http.StatusBadRequest)
		return
	}

	rooms := h.registry.Rooms()
	filtered := make([]race.Room, 0, len(rooms))
	for _, room := range rooms {
		if status == "" || roomStatus(room) == status {
			filtered = append(filtered, room)
		}
	}

	h.jsonResponse(w, map[string]any{
		"rooms": filtered,
		"total": len(filtered),
	}, http.StatusOK)
}

func roomStatus(room race.Room) string {
	switch {
	case room.RaceFinished:
		return "finished"
	case room.RaceStarted:
		return "racing"
	default:
		return "waiting"
	}
}

// getRoom 房間詳情
func (h *Handler) getRoom(w http.ResponseWriter, r *http.Request) {
	room, ok := h.registry.Room(r.PathValue("room_id"))
	if !ok {
		h.errorResponse(w, r, apperrors.ErrRoomNotFound, http.StatusNotFound)
		return
	}
	h.jsonResponse(w, room, http.StatusOK)
}

// recentResults 最近的成績
func (h *Handler) recentResults(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		h.errorResponse(w, r, apperrors.ErrArchiveUnavailable, http.StatusNotFound)
		return
	}

	list, err := h.archive.Recent(r.Context(), parseLimit(r, 20))
	if err != nil {
		h.errorResponse(w, r, err, http.StatusServiceUnavailable)
		return
	}

	h.jsonResponse(w, map[string]any{
		"results": list,
		"total":   len(list),
	}, http.StatusOK)
}

// leaderboard 勝場排行
func (h *Handler) leaderboard(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		h.errorResponse(w, r, apperrors.ErrArchiveUnavailable, http.StatusNotFound)
		return
	}

	entries, err := h.archive.Leaderboard(r.Context(), parseLimit(r, 10))
	if err != nil {
		h.errorResponse(w, r, err, http.StatusServiceUnavailable)
		return
	}

	h.jsonResponse(w, map[string]any{
		"leaderboard": entries,
	}, http.StatusOK)
}

// parseLimit 解析 ?limit=，範圍 1-100
func parseLimit(r *http.Request, def int64) int64 {
	if l := r.URL.Query().Get("limit"); l != "" {
		if val, err := strconv.ParseInt(l, 10, 64); err == nil && val > 0 && val <= 100 {
			return val
		}
	}
	return def
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}, http.StatusOK)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	connections := 0
	if h.connections != nil {
		connections = h.connections.ConnectionCount()
	}
	h.jsonResponse(w, map[string]any{
		"rooms":       h.registry.Stats(),
		"connections": connections,
	}, http.StatusOK)
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorResponse 返回錯誤響應
func (h *Handler) errorResponse(w http.ResponseWriter, r *http.Request, err error, status int) {
	body := map[string]any{"error": err.Error()}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		body["code"] = appErr.Code
		body["error"] = appErr.Message
		if appErr.Details != "" {
			body["details"] = appErr.Details
		}
	}
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "請求失敗", "error", err, "status", status)
	}
	h.jsonResponse(w, body, status)
}

// requestID 請求 ID 中間件
//
// 沿用客戶端的 X-Request-ID，沒有則產生新的；寫入 context 供日誌使用。
func (h *Handler) requestID(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	}
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 包裝 ResponseWriter 以獲取狀態碼
		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r)

		h.logger.InfoContext(r.Context(), "HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.ErrorContext(r.Context(), "處理請求時發生 panic",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				h.jsonResponse(w, map[string]any{
					"error": "內部伺服器錯誤",
					"code":  apperrors.ErrCodeInternal,
				}, http.StatusInternalServerError)
			}
		}()

		next(w, r)
	}
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
