package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/koopa0/dragon-tiger/internal"
)

// 輪詢週期
const pollInterval = time.Second

// ConnState WebSocket 連線狀態
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
)

// Client 龍虎棋對戰客戶端
//
// WebSocket 只是加速通道：連不上或中途斷線時，輪詢照常運行，
// 對局不中斷，只是延遲退化到輪詢週期。
type Client struct {
	baseURL  string
	playerID string
	httpc    *http.Client
	logger   *slog.Logger

	ctrl *SyncController

	mu              sync.Mutex
	roomID          string
	role            internal.Side
	opponentPresent bool
	connState       ConnState
	conn            *websocket.Conn
	writeMu         sync.Mutex
}

// NewClient 創建客戶端，playerID 為空時自動生成
func NewClient(baseURL, playerID string, logger *slog.Logger) *Client {
	if playerID == "" {
		playerID = uuid.NewString()
	}

	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		playerID:  playerID,
		httpc:     &http.Client{Timeout: 10 * time.Second},
		logger:    logger,
		connState: ConnDisconnected,
	}
	c.ctrl = NewSyncController(c, c.fetchState, logger)
	return c
}

// PlayerID 玩家 ID
func (c *Client) PlayerID() string { return c.playerID }

// RoomID 當前房間 ID
func (c *Client) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// Role 當前陣營
func (c *Client) Role() internal.Side {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// OpponentPresent 對手是否在座
func (c *Client) OpponentPresent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opponentPresent
}

// ConnState 當前推送通道狀態
func (c *Client) ConnState() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connState
}

// Sync 同步控制器
func (c *Client) Sync() *SyncController { return c.ctrl }

type apiResponse struct {
	Success           bool                `json:"success"`
	Error             string              `json:"error"`
	RoomID            string              `json:"roomId"`
	PlayerID          string              `json:"playerId"`
	PlayerRole        internal.Side       `json:"playerRole"`
	OpponentConnected bool                `json:"opponentConnected"`
	GameState         *internal.GameState `json:"gameState"`
}

// CreateRoom 創建房間並以指定陣營入座
func (c *Client) CreateRoom(ctx context.Context, role internal.Side) (string, error) {
	resp, err := c.post(ctx, "/api/create-room", map[string]any{
		"playerId": c.playerID,
		"role":     role,
	})
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.roomID = resp.RoomID
	c.role = resp.PlayerRole
	c.opponentPresent = false
	c.mu.Unlock()

	c.logger.Info("房間已創建", "room_id", resp.RoomID, "role", resp.PlayerRole)
	return resp.RoomID, nil
}

// JoinRoom 加入既有房間
func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	resp, err := c.post(ctx, "/api/join-room", map[string]any{
		"roomId":   roomID,
		"playerId": c.playerID,
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.roomID = resp.RoomID
	c.role = resp.PlayerRole
	c.opponentPresent = resp.OpponentConnected
	c.mu.Unlock()

	c.logger.Info("已加入房間", "room_id", resp.RoomID, "role", resp.PlayerRole)
	return nil
}

// LeaveRoom 離開房間
func (c *Client) LeaveRoom(ctx context.Context) error {
	c.mu.Lock()
	roomID := c.roomID
	conn := c.conn
	c.roomID = ""
	c.conn = nil
	c.connState = ConnDisconnected
	c.opponentPresent = false
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if roomID == "" {
		return nil
	}

	_, err := c.post(ctx, "/api/leave-room", map[string]any{
		"roomId":   roomID,
		"playerId": c.playerID,
	})
	return err
}

// Broadcast 將本地狀態送往伺服器
//
// 推送通道在線時走 WebSocket，否則退回 HTTP。兩條路在伺服器端
// 等價：都是整份覆寫再轉發給對手。
func (c *Client) Broadcast(ctx context.Context, state *internal.GameState) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connState == ConnConnected
	roomID := c.roomID
	c.mu.Unlock()

	if connected && conn != nil {
		c.writeMu.Lock()
		err := conn.WriteJSON(internal.Envelope{
			Type:      internal.MsgGameUpdate,
			GameState: state,
		})
		c.writeMu.Unlock()
		if err == nil {
			return nil
		}
		c.logger.Warn("WebSocket 發送失敗，改走 HTTP", "error", err)
	}

	_, err := c.post(ctx, "/api/update-game", map[string]any{
		"roomId":    roomID,
		"playerId":  c.playerID,
		"gameState": state,
	})
	return err
}

// Connect 建立 WebSocket 推送通道並啟動讀取循環
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	roomID := c.roomID
	if roomID == "" {
		c.mu.Unlock()
		return fmt.Errorf("尚未加入房間")
	}
	c.connState = ConnConnecting
	c.mu.Unlock()

	wsURL, err := c.websocketURL(roomID)
	if err != nil {
		c.setDisconnected()
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		c.setDisconnected()
		return fmt.Errorf("連接 WebSocket 失敗: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connState = ConnConnected
	c.mu.Unlock()

	c.logger.Info("推送通道已連線", "room_id", roomID)

	go c.readLoop(conn)
	return nil
}

// StartPolling 啟動輪詢循環，直到 ctx 取消
//
// 輪詢是同步的底線：不論推送通道死活，每秒把伺服器狀態拉下來
// 交給決策函數。
func (c *Client) StartPolling(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pollOnce(ctx)
		}
	}
}

// pollOnce 執行一次輪詢
func (c *Client) pollOnce(ctx context.Context) {
	c.mu.Lock()
	roomID := c.roomID
	c.mu.Unlock()
	if roomID == "" {
		return
	}

	resp, err := c.roomStatus(ctx, roomID)
	if err != nil {
		c.logger.Debug("輪詢失敗", "error", err)
		return
	}

	c.mu.Lock()
	c.opponentPresent = resp.OpponentConnected
	c.mu.Unlock()

	if resp.GameState != nil {
		c.ctrl.OnRemoteState(resp.GameState)
	}
}

// readLoop 讀取推送訊息直到連線斷開
func (c *Client) readLoop(conn *websocket.Conn) {
	defer func() {
		conn.Close()
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
			c.connState = ConnDisconnected
		}
		c.mu.Unlock()
		c.logger.Info("推送通道已斷線，輪詢繼續同步")
	}()

	for {
		var env internal.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}

		switch env.Type {
		case internal.MsgOpponentConnected:
			c.mu.Lock()
			c.opponentPresent = true
			c.mu.Unlock()
			c.logger.Info("對手已連線")

		case internal.MsgOpponentDisconnected:
			c.mu.Lock()
			c.opponentPresent = false
			c.mu.Unlock()
			c.logger.Info("對手已斷線")

		case internal.MsgGameUpdate:
			if env.GameState != nil {
				c.ctrl.OnRemoteState(env.GameState)
			}

		default:
			c.logger.Warn("未知的推送訊息類型", "type", env.Type)
		}
	}
}

// fetchState 供手動刷新使用的狀態拉取
func (c *Client) fetchState(ctx context.Context) (*internal.GameState, error) {
	c.mu.Lock()
	roomID := c.roomID
	c.mu.Unlock()
	if roomID == "" {
		return nil, fmt.Errorf("尚未加入房間")
	}

	resp, err := c.roomStatus(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return resp.GameState, nil
}

// roomStatus 查詢房間狀態
func (c *Client) roomStatus(ctx context.Context, roomID string) (*apiResponse, error) {
	endpoint := fmt.Sprintf("%s/api/room-status?roomId=%s&playerId=%s",
		c.baseURL, url.QueryEscape(roomID), url.QueryEscape(c.playerID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

// post 發送 JSON POST 請求
func (c *Client) post(ctx context.Context, path string, body map[string]any) (*apiResponse, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req)
}

// do 執行請求並解析標準響應
func (c *Client) do(req *http.Request) (*apiResponse, error) {
	httpResp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("請求失敗: %w", err)
	}
	defer httpResp.Body.Close()

	var resp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("解析響應失敗: %w", err)
	}

	if !resp.Success {
		if resp.Error != "" {
			return nil, fmt.Errorf("%s", resp.Error)
		}
		return nil, fmt.Errorf("伺服器返回失敗: %d", httpResp.StatusCode)
	}
	return &resp, nil
}

// websocketURL 由 HTTP base URL 推導 WebSocket 端點
func (c *Client) websocketURL(roomID string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("無效的伺服器地址: %w", err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	u.RawQuery = url.Values{
		"room":     {roomID},
		"playerId": {c.playerID},
	}.Encode()

	return u.String(), nil
}

// setDisconnected 標記推送通道為離線
func (c *Client) setDisconnected() {
	c.mu.Lock()
	c.connState = ConnDisconnected
	c.mu.Unlock()
}
