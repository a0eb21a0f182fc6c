package internal

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/koopa0/race-coordinator/internal/race"
	"github.com/koopa0/race-coordinator/pkg/logger"
)

// 系統設計問題：
//   如何讓多條連接的事件，在一個必須循序修改的房間狀態上安全地交錯？
//
// 核心挑戰：
//   1. 名次一致：同時到達的完賽事件必須依處理順序分配名次
//   2. 連接管理：斷線、心跳逾時都要轉成「離開房間」
//   3. 慢客戶端：不能讓單一連接拖住整個房間的廣播
//
// 設計方案：
//   ✅ 每條連接一對 readPump / writePump
//   ✅ 所有入站事件（含斷線）進入同一個 channel，由單一 dispatch goroutine 處理
//   ✅ Ping/Pong 心跳檢測死連接
//   ✅ 緩衝 channel 非同步發送，滿了就丟棄

// HubConfig 連接參數
type HubConfig struct {
	PingPeriod     time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	SendBuffer     int
	InboundBuffer  int
	AllowedOrigins []string
}

// HubConfig 由配置取得連接參數
func (c *Config) HubConfig() HubConfig {
	return HubConfig{
		PingPeriod:     c.WebSocket.PingPeriod,
		PongWait:       c.WebSocket.PongWait,
		WriteWait:      c.WebSocket.WriteWait,
		MaxMessageSize: c.WebSocket.MaxMessageSize,
		SendBuffer:     c.WebSocket.SendBuffer,
		InboundBuffer:  c.WebSocket.InboundBuffer,
		AllowedOrigins: c.WebSocket.AllowedOrigins,
	}
}

// ResultRecorder 接收已結束的房間
type ResultRecorder interface {
	Record(room race.Room) bool
}

// WebSocketHub WebSocket 連接中心
//
// 系統設計考量：
//
//  1. 連接映射：
//     - conns：connID → Connection
//     - rooms：roomID → connID → Connection（房間廣播）
//
//  2. 單一分派者：
//     readPump 不直接修改狀態，只把訊息送進 events；
//     dispatch goroutine 依到達順序逐一交給 Dispatcher。
//
//  3. Send channel 的關閉：
//     只在連接從 conns 移除時（持有寫鎖）關閉；
//     送出一律在讀鎖內且只送給仍在 conns 中的連接，不會寫入已關閉的 channel。
type WebSocketHub struct {
	dispatcher *Dispatcher
	recorder   ResultRecorder
	logger     *slog.Logger
	cfg        HubConfig
	upgrader   websocket.Upgrader

	events chan inboundEvent

	mu    sync.RWMutex
	conns map[string]*Connection            // connID -> Connection
	rooms map[string]map[string]*Connection // roomID -> connID -> Connection

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// inboundEvent 送往 dispatch goroutine 的事件
type inboundEvent struct {
	conn       *Connection
	msg        Inbound
	disconnect bool
}

// Connection WebSocket 連接
type Connection struct {
	ID       string
	Conn     *websocket.Conn
	Send     chan []byte
	Hub      *WebSocketHub
	LastPing time.Time

	roomID    string // 受 Hub.mu 保護
	mu        sync.Mutex
	closeOnce sync.Once
}

// NewWebSocketHub 創建 WebSocket Hub 並啟動分派迴圈
//
// recorder 可以是 nil（不記錄成績）。
func NewWebSocketHub(dispatcher *Dispatcher, recorder ResultRecorder, cfg HubConfig, logger *slog.Logger) *WebSocketHub {
	if cfg.PingPeriod <= 0 || cfg.PongWait <= cfg.PingPeriod {
		cfg.PingPeriod, cfg.PongWait = 54*time.Second, 60*time.Second
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}

	hub := &WebSocketHub{
		dispatcher: dispatcher,
		recorder:   recorder,
		logger:     logger,
		cfg:        cfg,
		events:     make(chan inboundEvent, max(cfg.InboundBuffer, 1)),
		conns:      make(map[string]*Connection),
		rooms:      make(map[string]map[string]*Connection),
		stopCh:     make(chan struct{}),
	}
	hub.upgrader = websocket.Upgrader{
		CheckOrigin:     hub.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}

	hub.wg.Add(1)
	go hub.dispatchLoop()

	return hub
}

// checkOrigin 未設定允許來源時全部放行
func (hub *WebSocketHub) checkOrigin(r *http.Request) bool {
	if len(hub.cfg.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(hub.cfg.AllowedOrigins, r.Header.Get("Origin"))
}

// ServeWS 處理 WebSocket 連接
//
// 連接 ID 由伺服器產生，同時也是真實參賽者 ID。
func (hub *WebSocketHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	select {
	case <-hub.stopCh:
		http.Error(w, "伺服器關閉中", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	connection := &Connection{
		ID:       uuid.NewString(),
		Conn:     conn,
		Send:     make(chan []byte, max(hub.cfg.SendBuffer, 1)),
		Hub:      hub,
		LastPing: time.Now(),
	}

	hub.register(connection)
	hub.sendTo(connection, Event{Type: EventConnected, Data: ConnectedPayload{ID: connection.ID}})

	go connection.writePump()
	go connection.readPump()

	ctx := logger.WithConnectionID(r.Context(), connection.ID)
	hub.logger.InfoContext(ctx, "WebSocket 連接建立", "remote_addr", r.RemoteAddr)
}

// register 註冊連接
func (hub *WebSocketHub) register(conn *Connection) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	hub.conns[conn.ID] = conn
}

// unregister 取消註冊並關閉 Send（只由 dispatch goroutine 呼叫）
func (hub *WebSocketHub) unregister(conn *Connection) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if actual, ok := hub.conns[conn.ID]; !ok || actual != conn {
		return
	}
	delete(hub.conns, conn.ID)
	hub.leaveRoomLocked(conn)

	conn.closeOnce.Do(func() {
		close(conn.Send)
	})
}

// joinRoom 把連接加入房間廣播名單
func (hub *WebSocketHub) joinRoom(conn *Connection, roomID string) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if _, ok := hub.conns[conn.ID]; !ok {
		return
	}
	hub.leaveRoomLocked(conn)
	if hub.rooms[roomID] == nil {
		hub.rooms[roomID] = make(map[string]*Connection)
	}
	hub.rooms[roomID][conn.ID] = conn
	conn.roomID = roomID
}

// leaveRoomLocked 需持有寫鎖
func (hub *WebSocketHub) leaveRoomLocked(conn *Connection) {
	if conn.roomID == "" {
		return
	}
	if members, ok := hub.rooms[conn.roomID]; ok {
		delete(members, conn.ID)
		if len(members) == 0 {
			delete(hub.rooms, conn.roomID)
		}
	}
	conn.roomID = ""
}

// dispatchLoop 唯一修改房間狀態的 goroutine
func (hub *WebSocketHub) dispatchLoop() {
	defer hub.wg.Done()

	for {
		select {
		case ev := <-hub.events:
			hub.process(ev)
		case <-hub.stopCh:
			return
		}
	}
}

// process 處理單一事件，panic 只影響這則訊息
func (hub *WebSocketHub) process(ev inboundEvent) {
	defer func() {
		if err := recover(); err != nil {
			hub.logger.Error("處理訊息時發生 panic",
				"error", err,
				"connection_id", ev.conn.ID,
				"type", ev.msg.Type)
		}
	}()

	var out Outcome
	if ev.disconnect {
		hub.unregister(ev.conn)
		out = hub.dispatcher.Disconnect(ev.conn.ID)
		hub.logger.Info("WebSocket 連接關閉", "connection_id", ev.conn.ID)
	} else {
		out = hub.dispatcher.Dispatch(ev.conn.ID, ev.msg)
		if out.JoinedRoom != "" {
			hub.joinRoom(ev.conn, out.JoinedRoom)
		}
	}

	hub.apply(ev.conn, out)
}

// apply 依 Outcome 送出事件
func (hub *WebSocketHub) apply(sender *Connection, out Outcome) {
	for _, d := range out.Deliveries {
		switch d.Audience {
		case AudienceRoom:
			hub.broadcast(d.RoomID, d.Event, "")
		case AudienceRoomExceptSender:
			hub.broadcast(d.RoomID, d.Event, sender.ID)
		case AudienceSender:
			hub.sendTo(sender, d.Event)
		}
	}

	if out.Finished != nil && hub.recorder != nil {
		hub.recorder.Record(*out.Finished)
	}
}

// broadcast 廣播到房間，except 非空時跳過該連接
func (hub *WebSocketHub) broadcast(roomID string, event Event, except string) {
	message, err := json.Marshal(event)
	if err != nil {
		hub.logger.Error("序列化事件失敗", "event", event.Type, "error", err)
		return
	}

	hub.mu.RLock()
	defer hub.mu.RUnlock()

	for id, conn := range hub.rooms[roomID] {
		if id == except {
			continue
		}
		hub.enqueue(conn, roomID, message)
	}
}

// sendTo 只送給單一連接
func (hub *WebSocketHub) sendTo(conn *Connection, event Event) {
	message, err := json.Marshal(event)
	if err != nil {
		hub.logger.Error("序列化事件失敗", "event", event.Type, "error", err)
		return
	}

	hub.mu.RLock()
	defer hub.mu.RUnlock()

	if actual, ok := hub.conns[conn.ID]; ok && actual == conn {
		hub.enqueue(conn, conn.roomID, message)
	}
}

// enqueue 需持有讀鎖
func (hub *WebSocketHub) enqueue(conn *Connection, roomID string, message []byte) {
	select {
	case conn.Send <- message:
	default:
		hub.logger.Warn("連接緩衝區滿，丟棄訊息",
			"room_id", roomID,
			"connection_id", conn.ID)
	}
}

// submit 把事件交給 dispatch goroutine；Hub 停止時回傳 false
func (hub *WebSocketHub) submit(ev inboundEvent) bool {
	select {
	case hub.events <- ev:
		return true
	case <-hub.stopCh:
		return false
	}
}

// ConnectionCount 目前連接數
func (hub *WebSocketHub) ConnectionCount() int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.conns)
}

// RoomConnectionCounts 每個房間的連接數
func (hub *WebSocketHub) RoomConnectionCounts() map[string]int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	result := make(map[string]int, len(hub.rooms))
	for roomID, members := range hub.rooms {
		result[roomID] = len(members)
	}
	return result
}

// Stop 停止 WebSocket Hub 並關閉所有連接
func (hub *WebSocketHub) Stop(ctx context.Context) {
	hub.stopOnce.Do(func() {
		close(hub.stopCh)
	})

	done := make(chan struct{})
	go func() {
		hub.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		hub.logger.Warn("等待分派迴圈結束逾時")
	}

	hub.mu.Lock()
	for _, conn := range hub.conns {
		conn.closeOnce.Do(func() {
			close(conn.Send)
		})
		_ = conn.Conn.Close()
	}
	hub.conns = make(map[string]*Connection)
	hub.rooms = make(map[string]map[string]*Connection)
	hub.mu.Unlock()

	hub.logger.Info("WebSocket Hub 已停止")
}

// readPump 讀取客戶端消息
//
// 心跳（讀取端）：PongWait 內沒有收到任何訊息（包括 Pong）就關閉連接。
// 離開迴圈時送出斷線事件，由 dispatch goroutine 移除參賽者。
func (c *Connection) readPump() {
	defer func() {
		c.Hub.submit(inboundEvent{conn: c, disconnect: true})
		_ = c.Conn.Close()
	}()

	cfg := c.Hub.cfg
	if cfg.MaxMessageSize > 0 {
		c.Conn.SetReadLimit(cfg.MaxMessageSize)
	}
	if err := c.Conn.SetReadDeadline(time.Now().Add(cfg.PongWait)); err != nil {
		c.Hub.logger.Error("設置讀取期限失敗", "error", err)
	}

	c.Conn.SetPongHandler(func(string) error {
		if err := c.Conn.SetReadDeadline(time.Now().Add(cfg.PongWait)); err != nil {
			c.Hub.logger.Error("設置讀取期限失敗", "error", err)
		}
		c.mu.Lock()
		c.LastPing = time.Now()
		c.mu.Unlock()
		return nil
	})

	for {
		messageType, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.Hub.logger.Warn("WebSocket 讀取錯誤",
					"error", err,
					"connection_id", c.ID)
			}
			return
		}

		if messageType != websocket.TextMessage {
			continue
		}

		var msg Inbound
		if err := json.Unmarshal(message, &msg); err != nil {
			c.Hub.logger.Warn("解析客戶端消息失敗",
				"error", err,
				"connection_id", c.ID)
			continue
		}

		if !c.Hub.submit(inboundEvent{conn: c, msg: msg}) {
			return
		}
	}
}

// writePump 寫入消息到客戶端
//
// 心跳（發送端）：每 PingPeriod 送一次 Ping，必須短於 PongWait。
// Send 被關閉時送出 Close frame 後結束。
func (c *Connection) writePump() {
	cfg := c.Hub.cfg
	ticker := time.NewTicker(cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait)); err != nil {
				c.Hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// 批量發送隊列中的消息
			n := len(c.Send)
			for i := 0; i < n; i++ {
				next, ok := <-c.Send
				if !ok {
					return
				}
				if err := c.Conn.WriteMessage(websocket.TextMessage, next); err != nil {
					c.Hub.logger.Error("發送消息失敗", "error", err, "connection_id", c.ID)
					return
				}
			}

		case <-ticker.C:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait)); err != nil {
				c.Hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
