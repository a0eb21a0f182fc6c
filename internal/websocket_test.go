package internal_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/race-coordinator/internal"
	"github.com/koopa0/race-coordinator/internal/race"
)

// wireEvent 客戶端看到的事件
type wireEvent struct {
	Type string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

// fakeRecorder 收集已結束的房間
type fakeRecorder struct {
	mu    sync.Mutex
	rooms []race.Room
}

func (r *fakeRecorder) Record(room race.Room) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms = append(r.rooms, room)
	return true
}

func (r *fakeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func testHubConfig() internal.HubConfig {
	return internal.HubConfig{
		PingPeriod:     time.Second,
		PongWait:       2 * time.Second,
		WriteWait:      time.Second,
		MaxMessageSize: 4096,
		SendBuffer:     64,
		InboundBuffer:  64,
	}
}

// setupHub 啟動測試用 WebSocket 伺服器
func setupHub(t *testing.T, recorder internal.ResultRecorder, opts ...race.Option) (*internal.WebSocketHub, string) {
	t.Helper()

	d, _ := newTestDispatcher(opts...)
	hub := internal.NewWebSocketHub(d, recorder, testHubConfig(), testLogger())

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeWS)
	server := httptest.NewServer(mux)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		hub.Stop(ctx)
		server.Close()
	})

	return hub, "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

// testClient 測試客戶端
type testClient struct {
	t    *testing.T
	conn *websocket.Conn
	id   string
}

func dial(t *testing.T, url string) *testClient {
	t.Helper()

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })

	c := &testClient{t: t, conn: conn}
	ev := c.waitFor(internal.EventConnected)
	var payload internal.ConnectedPayload
	require.NoError(t, json.Unmarshal(ev.Data, &payload))
	require.NotEmpty(t, payload.ID)
	c.id = payload.ID
	return c
}

func (c *testClient) send(typ string, data any) {
	c.t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(internal.Inbound{Type: typ, Data: raw}))
}

// waitFor 讀取直到收到指定事件，略過其他事件
func (c *testClient) waitFor(eventType string) wireEvent {
	c.t.Helper()

	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var ev wireEvent
		err := c.conn.ReadJSON(&ev)
		require.NoError(c.t, err, "waiting for %s", eventType)
		if ev.Type == eventType {
			return ev
		}
	}
}

func decodeRoom(t *testing.T, ev wireEvent) map[string]any {
	t.Helper()
	var room map[string]any
	require.NoError(t, json.Unmarshal(ev.Data, &room))
	return room
}

// TestWebSocketHub_RaceFlow 測試完整賽局流程
func TestWebSocketHub_RaceFlow(t *testing.T) {
	recorder := &fakeRecorder{}
	_, url := setupHub(t, recorder, race.WithMaxLaps(1))

	alice := dial(t, url)
	bob := dial(t, url)

	alice.send(internal.MsgJoinRace, race.JoinInfo{DisplayName: "Alice", CharacterSkin: "LAW SCIENCE"})
	room := decodeRoom(t, alice.waitFor(internal.EventRoomUpdate))
	roomID := room["id"].(string)
	require.NotEmpty(t, roomID)

	bob.send(internal.MsgJoinRace, race.JoinInfo{DisplayName: "Bob", CharacterSkin: "BUSINESS ADMINISTRATION"})
	room = decodeRoom(t, alice.waitFor(internal.EventRoomUpdate))
	assert.Len(t, room["participants"], 2)
	bob.waitFor(internal.EventRoomUpdate)

	// 房主補位開始
	alice.send(internal.MsgStartWithSynthetics, map[string]string{"roomId": roomID})
	room = decodeRoom(t, bob.waitFor(internal.EventStartRace))
	assert.Equal(t, true, room["raceStarted"])
	assert.Len(t, room["participants"], 4)
	alice.waitFor(internal.EventStartRace)

	// 位置轉發給其他人
	alice.send(internal.MsgPlayerMove, map[string]any{"roomId": roomID, "x": 100, "y": 200})
	var moved internal.PlayerMovedPayload
	require.NoError(t, json.Unmarshal(bob.waitFor(internal.EventPlayerMoved).Data, &moved))
	assert.Equal(t, alice.id, moved.ID)
	assert.Equal(t, 100.0, moved.X)

	// Alice 抄捷徑被拒絕，補齊檢查點後完成
	alice.send(internal.MsgCheckpointPassed, map[string]any{"roomId": roomID, "checkpointId": 1})
	alice.send(internal.MsgLapCompleted, map[string]any{"roomId": roomID, "totalCheckpointsRequired": 2})
	alice.send(internal.MsgCheckpointPassed, map[string]any{"roomId": roomID, "checkpointId": 2})
	alice.send(internal.MsgLapCompleted, map[string]any{"roomId": roomID, "totalCheckpointsRequired": 2})

	var finished internal.PlayerFinishedPayload
	require.NoError(t, json.Unmarshal(bob.waitFor(internal.EventPlayerFinishedRace).Data, &finished))
	assert.Equal(t, alice.id, finished.PlayerID)
	assert.Equal(t, 1, finished.Position)

	// 其餘參賽者完成
	bob.send(internal.MsgLapCompleted, map[string]any{"roomId": roomID})
	require.NoError(t, json.Unmarshal(bob.waitFor(internal.EventPlayerFinishedRace).Data, &finished))
	assert.Equal(t, bob.id, finished.PlayerID)
	assert.Equal(t, 2, finished.Position)

	alice.send(internal.MsgLapCompleted, map[string]any{"roomId": roomID, "syntheticId": "npc_0"})
	alice.send(internal.MsgLapCompleted, map[string]any{"roomId": roomID, "syntheticId": "npc_1"})

	var result internal.RaceFinishedPayload
	require.NoError(t, json.Unmarshal(alice.waitFor(internal.EventRaceFinished).Data, &result))
	assert.Equal(t, roomID, result.RoomID)
	require.Len(t, result.FinishOrder, 4)
	assert.Equal(t, "Alice", result.FinishOrder[0].Name)
	assert.Equal(t, "Bob", result.FinishOrder[1].Name)
	assert.True(t, result.FinishOrder[2].IsSynthetic)

	bob.waitFor(internal.EventRaceFinished)
	assert.Eventually(t, func() bool { return recorder.count() == 1 }, time.Second, 10*time.Millisecond)
}

// TestWebSocketHub_Disconnect 測試斷線後移除參賽者
func TestWebSocketHub_Disconnect(t *testing.T) {
	hub, url := setupHub(t, nil)

	alice := dial(t, url)
	bob := dial(t, url)
	assert.Equal(t, 2, hub.ConnectionCount())

	alice.send(internal.MsgJoinRace, race.JoinInfo{DisplayName: "Alice"})
	alice.waitFor(internal.EventRoomUpdate)
	bob.send(internal.MsgJoinRace, race.JoinInfo{DisplayName: "Bob"})
	alice.waitFor(internal.EventRoomUpdate)

	require.NoError(t, bob.conn.Close())

	room := decodeRoom(t, alice.waitFor(internal.EventRoomUpdate))
	participants := room["participants"].([]any)
	require.Len(t, participants, 1)
	assert.Equal(t, alice.id, participants[0].(map[string]any)["id"])

	assert.Eventually(t, func() bool { return hub.ConnectionCount() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, map[string]int{room["id"].(string): 1}, hub.RoomConnectionCounts())
}

// TestWebSocketHub_Stop 測試關閉時斷開所有連接
func TestWebSocketHub_Stop(t *testing.T) {
	hub, url := setupHub(t, nil)
	client := dial(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	hub.Stop(ctx)

	require.NoError(t, client.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := client.conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, hub.ConnectionCount())

	// 重複 Stop 安全
	hub.Stop(ctx)
}

// TestWebSocketHub_CheckOrigin 測試來源限制
func TestWebSocketHub_CheckOrigin(t *testing.T) {
	d, _ := newTestDispatcher()
	cfg := testHubConfig()
	cfg.AllowedOrigins = []string{"https://race.example.com"}
	hub := internal.NewWebSocketHub(d, nil, cfg, testLogger())

	server := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		hub.Stop(ctx)
		server.Close()
	})
	url := "ws" + strings.TrimPrefix(server.URL, "http")

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	header.Set("Origin", "https://race.example.com")
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	_ = conn.Close()
}
