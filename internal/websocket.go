package internal

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// 寫入超時
	writeWait = 10 * time.Second
	// Pong 等待時間
	pongWait = 60 * time.Second
	// Ping 週期（必須小於 pongWait）
	pingPeriod = (pongWait * 9) / 10
	// 訊息大小上限
	maxMessageSize = 64 * 1024
	// 發送緩衝區大小
	sendBufferSize = 256
)

// WebSocketHub 管理所有 WebSocket 連線
//
// 設計考量：
// 1. 連線按 房間 ID → 玩家 ID 兩層索引，轉發時只掃同房間的連線
// 2. 同一玩家重複連線時，新連線取代舊連線（重新整理頁面的常見情形）
// 3. 推送通道只是加速器：斷線時客戶端靠輪詢繼續同步，所以發送
//    緩衝滿了直接丟棄訊息而不是阻塞轉發方
type WebSocketHub struct {
	manager *Manager
	logger  *slog.Logger

	upgrader websocket.Upgrader

	// roomID → playerID → 連線
	connections map[string]map[string]*Connection
	mu          sync.RWMutex
}

// Connection 單個玩家的 WebSocket 連線
type Connection struct {
	PlayerID string
	RoomID   string

	Conn *websocket.Conn
	Send chan []byte

	hub       *WebSocketHub
	closeOnce sync.Once

	// 保護 Send 通道：避免轉發方往已關閉的通道發送
	sendMu sync.Mutex
	closed bool
}

// NewWebSocketHub 創建 WebSocket 管理器
func NewWebSocketHub(manager *Manager, logger *slog.Logger) *WebSocketHub {
	return &WebSocketHub{
		manager: manager,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// 對端是任意來源的瀏覽器頁面
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		connections: make(map[string]map[string]*Connection),
	}
}

// ServeWS 處理 WebSocket 升級請求
//
// 參數驗證在升級前完成：缺參數或房間不存在時回一般的 HTTP 錯誤，
// 讓客戶端在握手階段就知道被拒絕，而不是升級後立刻被關閉。
func (h *WebSocketHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	roomID := strings.ToUpper(r.URL.Query().Get("room"))
	playerID := r.URL.Query().Get("playerId")

	if roomID == "" || playerID == "" {
		http.Error(w, "缺少 room 或 playerId 參數", http.StatusBadRequest)
		return
	}

	room, err := h.manager.GetRoom(roomID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	conn := &Connection{
		PlayerID: playerID,
		RoomID:   room.ID,
		Conn:     ws,
		Send:     make(chan []byte, sendBufferSize),
		hub:      h,
	}

	h.register(conn)

	h.logger.Info("WebSocket 已連線",
		"room_id", room.ID,
		"player_id", playerID)

	go conn.writePump()
	go conn.readPump()

	// 雙方都在線時，向兩邊廣播對手已連線
	opponentID := room.OpponentID(playerID)
	if opponentID != "" && h.connected(room.ID, opponentID) {
		h.sendEvent(room.ID, playerID, MsgOpponentConnected)
		h.sendEvent(room.ID, opponentID, MsgOpponentConnected)
	}
}

// register 註冊連線，同玩家的舊連線被取代並關閉
func (h *WebSocketHub) register(c *Connection) {
	h.mu.Lock()

	players, ok := h.connections[c.RoomID]
	if !ok {
		players = make(map[string]*Connection)
		h.connections[c.RoomID] = players
	}

	old := players[c.PlayerID]
	players[c.PlayerID] = c

	h.mu.Unlock()

	if old != nil {
		h.logger.Info("取代舊連線",
			"room_id", c.RoomID,
			"player_id", c.PlayerID)
		old.close()
	}
}

// unregister 移除連線
//
// 回傳 false 表示這個連線已被新連線取代，不應觸發離線廣播。
func (h *WebSocketHub) unregister(c *Connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	players, ok := h.connections[c.RoomID]
	if !ok {
		return false
	}
	if players[c.PlayerID] != c {
		return false
	}

	delete(players, c.PlayerID)
	if len(players) == 0 {
		delete(h.connections, c.RoomID)
	}
	return true
}

// connected 玩家在該房間是否有活躍連線
func (h *WebSocketHub) connected(roomID, playerID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	players, ok := h.connections[roomID]
	if !ok {
		return false
	}
	_, ok = players[playerID]
	return ok
}

// sendEvent 向單個玩家發送事件訊息
func (h *WebSocketHub) sendEvent(roomID, playerID, msgType string) {
	data, err := json.Marshal(Envelope{Type: msgType})
	if err != nil {
		h.logger.Error("編碼事件訊息失敗", "error", err)
		return
	}

	h.mu.RLock()
	conn := h.connections[roomID][playerID]
	h.mu.RUnlock()

	if conn != nil {
		conn.trySend(data)
	}
}

// ForwardState 將遊戲狀態推送給房間內除發送者外的所有連線
//
// senderID 為空時推送給雙方（HTTP 更新未附帶玩家 ID 的情形），
// 客戶端自己用「狀態無差異」規則吸收回聲。
func (h *WebSocketHub) ForwardState(roomID, senderID string, state *GameState) {
	data, err := json.Marshal(Envelope{
		Type:      MsgGameUpdate,
		GameState: state,
	})
	if err != nil {
		h.logger.Error("編碼遊戲狀態失敗", "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*Connection, 0, 2)
	for playerID, conn := range h.connections[roomID] {
		if senderID != "" && playerID == senderID {
			continue
		}
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		conn.trySend(data)
	}
}

// Stop 關閉所有連線
func (h *WebSocketHub) Stop() {
	h.mu.Lock()
	conns := make([]*Connection, 0)
	for _, players := range h.connections {
		for _, conn := range players {
			conns = append(conns, conn)
		}
	}
	h.connections = make(map[string]map[string]*Connection)
	h.mu.Unlock()

	for _, conn := range conns {
		conn.close()
	}

	h.logger.Info("WebSocket 管理器已停止", "closed", len(conns))
}

// trySend 非阻塞發送：連線已關或緩衝滿時丟棄，輪詢會補上落差
func (c *Connection) trySend(data []byte) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed {
		return
	}

	select {
	case c.Send <- data:
	default:
		c.hub.logger.Warn("發送緩衝區已滿，丟棄訊息",
			"room_id", c.RoomID,
			"player_id", c.PlayerID)
	}
}

// close 關閉連線（冪等）
func (c *Connection) close() {
	c.closeOnce.Do(func() {
		c.sendMu.Lock()
		c.closed = true
		close(c.Send)
		c.sendMu.Unlock()

		c.Conn.Close()
	})
}

// readPump 讀取循環
func (c *Connection) readPump() {
	defer func() {
		removed := c.hub.unregister(c)
		c.close()

		if removed {
			c.hub.logger.Info("WebSocket 已斷線",
				"room_id", c.RoomID,
				"player_id", c.PlayerID)

			// 通知還在線的對手
			room, err := c.hub.manager.GetRoom(c.RoomID)
			if err != nil {
				return
			}
			if opponentID := room.OpponentID(c.PlayerID); opponentID != "" {
				c.hub.sendEvent(c.RoomID, opponentID, MsgOpponentDisconnected)
			}
		}
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("WebSocket 讀取錯誤",
					"error", err,
					"player_id", c.PlayerID)
			}
			return
		}

		c.handleMessage(message)
	}
}

// handleMessage 處理收到的訊息：格式錯誤的訊息記錄後丟棄
func (c *Connection) handleMessage(message []byte) {
	var env Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		c.hub.logger.Warn("無法解析訊息",
			"error", err,
			"player_id", c.PlayerID)
		return
	}

	switch env.Type {
	case MsgGameUpdate:
		if env.GameState == nil {
			return
		}
		if err := c.hub.manager.UpdateState(c.RoomID, c.PlayerID, env.GameState); err != nil {
			c.hub.logger.Warn("更新遊戲狀態失敗",
				"error", err,
				"room_id", c.RoomID,
				"player_id", c.PlayerID)
		}
	default:
		c.hub.logger.Warn("未知的訊息類型",
			"type", env.Type,
			"player_id", c.PlayerID)
	}
}

// writePump 寫入循環
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
