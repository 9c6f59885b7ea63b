package internal

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// roomTTL 房間的絕對存活時限，到期即回收，與活躍度無關
	roomTTL = 30 * time.Minute

	// sweepInterval 過期掃描週期
	sweepInterval = time.Minute

	// 房間碼：4 位大寫英數字，口頭可分享，讀取時統一轉大寫
	codeLength   = 4
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	// maxCodeRetries 房間碼撞碼重試上限（36^4 個碼位，實際永遠用不到）
	maxCodeRetries = 100
)

var (
	// ErrRoomNotFound 房間不存在
	ErrRoomNotFound = errors.New("房間不存在")

	// ErrRoomFull 房間已滿
	ErrRoomFull = errors.New("房間已滿")
)

// StateRelay 狀態中繼
//
// 刻意設計成「單格信箱」：無條件覆寫、後寫為準、沒有版本比對。
// 兩端幾乎同時走子時會靜默丟掉一方的操作 —— 這是已知的正確性
// 缺口，保留為文檔化行為。介面抽出來是為了日後可以換成帶單調
// 序號的實現，而不動生命週期和連接註冊等其他組件。
type StateRelay interface {
	// UpdateState 覆寫房間狀態；senderID 用於定向轉發，可為空
	UpdateState(roomID, senderID string, state *GameState) error

	// GetState 取出房間當前狀態，尚未開局時為 nil
	GetState(roomID string) (*GameState, error)
}

// Forwarder 把新狀態推給房間內的活躍推送通道（由 WebSocketHub 實現）
//
// 轉發是盡力而為：沒有通道、通道緩衝滿，都只是少送一條推播，
// 客戶端輪詢會兜底。
type Forwarder interface {
	ForwardState(roomID, senderID string, state *GameState)
}

// Manager 房間生命週期管理器
//
// 房間表是整個服務唯一的共享可變資源（連接表歸 Hub），
// 所有變更都以房間碼為鍵，無關房間互不干擾。
type Manager struct {
	rooms     map[string]*Room
	mu        sync.RWMutex
	forwarder Forwarder
	logger    *slog.Logger
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewManager 創建房間管理器並啟動過期回收
func NewManager(logger *slog.Logger) *Manager {
	m := &Manager{
		rooms:  make(map[string]*Room),
		logger: logger,
		stopCh: make(chan struct{}),
	}

	m.wg.Add(1)
	go m.sweepLoop()

	return m
}

// SetForwarder 掛接推送轉發器
//
// Hub 與 Manager 互相引用，由組合根在兩者都構造完成後接線。
func (m *Manager) SetForwarder(f Forwarder) {
	m.forwarder = f
}

// CreateRoom 創建房間
//
// playerID 為空時由服務端鑄造（客戶端沒帶身份就發一個新的）；
// side 不合法時默認龍方。撞碼時重試，碼位空間遠大於活躍房間數，
// 重試耗盡在這個規模下實際不可能發生。
func (m *Manager) CreateRoom(playerID string, side Side) (*Room, string, error) {
	if playerID == "" {
		playerID = uuid.NewString()
	}
	if !side.Valid() {
		side = SideDragon
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for range maxCodeRetries {
		code := generateRoomCode()
		if _, exists := m.rooms[code]; exists {
			continue
		}

		room := NewRoom(code, playerID, side)
		m.rooms[code] = room

		m.logger.Info("房間已創建",
			"room_id", code,
			"host_id", playerID,
			"host_side", side)

		return room, playerID, nil
	}

	return nil, "", fmt.Errorf("房間碼生成耗盡重試次數")
}

// GetRoom 獲取房間，房間碼大小寫不敏感
func (m *Manager) GetRoom(roomID string) (*Room, error) {
	m.mu.RLock()
	room, exists := m.rooms[strings.ToUpper(roomID)]
	m.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	return room, nil
}

// JoinRoom 加入房間
//
// 同 ID 重入是冪等操作：返回原先分配的陣營而不是報錯，
// 這就是「斷線後回房」的全部實現 —— 認 ID，不認身份。
func (m *Manager) JoinRoom(roomID, playerID string) (side Side, assignedID string, opponentPresent bool, err error) {
	room, err := m.GetRoom(roomID)
	if err != nil {
		return "", "", false, err
	}

	if playerID == "" {
		playerID = uuid.NewString()
	}

	side, opponentPresent, err = room.Join(playerID)
	if err != nil {
		return "", "", false, fmt.Errorf("%w: %s", err, room.ID)
	}

	m.logger.Info("玩家加入房間",
		"room_id", room.ID,
		"player_id", playerID,
		"side", side)

	return side, playerID, opponentPresent, nil
}

// LeaveRoom 離開房間
//
// 永不失敗：房間或玩家不存在都是 no-op。兩個席位都空了就立刻
// 刪除房間，不必等 TTL。
func (m *Manager) LeaveRoom(roomID, playerID string) {
	room, err := m.GetRoom(roomID)
	if err != nil {
		return
	}

	if room.Leave(playerID) {
		m.mu.Lock()
		delete(m.rooms, room.ID)
		m.mu.Unlock()

		m.logger.Info("房間已清空並刪除", "room_id", room.ID)
		return
	}

	m.logger.Info("玩家離開房間",
		"room_id", room.ID,
		"player_id", playerID)
}

// Status 查詢房間狀態，對手在場與否以請求者的席位為基準
func (m *Manager) Status(roomID, playerID string) (opponentPresent bool, state *GameState, err error) {
	room, err := m.GetRoom(roomID)
	if err != nil {
		return false, nil, err
	}
	return room.OpponentPresent(playerID), room.Snapshot(), nil
}

// UpdateState 實現 StateRelay：驗證形狀後無條件覆寫，並即時轉發
//
// 兩條入口（HTTP 更新、推送通道消息）都走這裡，確保輪詢端和
// 推播端看到的是同一份真相。
func (m *Manager) UpdateState(roomID, senderID string, state *GameState) error {
	if err := state.Validate(); err != nil {
		return err
	}

	room, err := m.GetRoom(roomID)
	if err != nil {
		return err
	}

	room.SetState(state)

	if m.forwarder != nil {
		m.forwarder.ForwardState(room.ID, senderID, state)
	}

	return nil
}

// GetState 實現 StateRelay
func (m *Manager) GetState(roomID string) (*GameState, error) {
	room, err := m.GetRoom(roomID)
	if err != nil {
		return nil, err
	}
	return room.Snapshot(), nil
}

// RoomCount 當前活躍房間數（健康檢查用）
func (m *Manager) RoomCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// sweepLoop 定期回收過期房間
func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopCh:
			return
		}
	}
}

// Cleanup 立即執行一次過期掃描（公開方法供測試使用）
func (m *Manager) Cleanup() {
	m.sweep()
}

// sweep 掃描並刪除過期房間
//
// 先在讀鎖下收集候選，再逐一在寫鎖下確認刪除，避免掃描期間
// 長時間持有寫鎖阻塞正常請求。
func (m *Manager) sweep() {
	m.mu.RLock()
	var expired []string
	for id, room := range m.rooms {
		if room.Expired(roomTTL) {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range expired {
		m.mu.Lock()
		delete(m.rooms, id)
		m.mu.Unlock()

		m.logger.Info("房間已過期回收", "room_id", id)
	}
}

// Stop 停止管理器
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()

	m.logger.Info("房間管理器已停止")
}

// generateRoomCode 生成 4 位房間碼
func generateRoomCode() string {
	b := make([]byte, codeLength)
	if _, err := rand.Read(b); err != nil {
		// 隨機源失敗時退化到時間戳（實際環境不會發生）
		nano := time.Now().UnixNano()
		for i := range b {
			b[i] = codeAlphabet[int(nano>>(i*6))%len(codeAlphabet)]
		}
		return string(b)
	}
	for i := range b {
		b[i] = codeAlphabet[int(b[i])%len(codeAlphabet)]
	}
	return string(b)
}
