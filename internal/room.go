package internal

import (
	"sync"
	"time"
)

// Room 對戰房間
//
// 系統設計考量：
//
//  1. 固定兩席位：不同於一般多人房間的玩家列表，這裡只有房主與
//     訪客兩個插槽，陣營永遠互補。席位判斷用 ID 比對，不做任何
//     身份驗證 —— 同 ID 重入視為同一瀏覽器會話回房。
//
//  2. 單格信箱：State 只保留最新一份快照，後寫覆蓋先寫，
//     沒有版本號也沒有合併（見 Manager 的 StateRelay 介面說明）。
//
//  3. 並發控制（RWMutex）：
//     讀操作（查詢對手在場、取狀態）並發，寫操作（入座、離座、
//     覆寫快照）互斥。鎖按房間劃分，不同房間永不爭鎖。
type Room struct {
	ID            string
	HostID        string
	GuestID       string
	HostSide      Side
	GuestSide     Side
	State         *GameState
	CreatedAt     time.Time
	LastUpdatedAt time.Time

	Mu sync.RWMutex
}

// NewRoom 創建新房間，請求者即房主
func NewRoom(id, hostID string, hostSide Side) *Room {
	now := time.Now()
	return &Room{
		ID:            id,
		HostID:        hostID,
		HostSide:      hostSide,
		GuestSide:     hostSide.Opposite(),
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
}

// Join 玩家入座
//
// 三種結果：
//   - 同 ID 重入（房主或訪客）→ 冪等，返回原先分配的陣營
//   - 有空席（含房主離座後的空位）→ 入座該席
//   - 兩席皆被他人佔用 → ErrRoomFull
//
// opponentPresent 以入座者的視角計算。
func (r *Room) Join(playerID string) (side Side, opponentPresent bool, err error) {
	r.Mu.Lock()
	defer r.Mu.Unlock()

	switch playerID {
	case r.HostID:
		return r.HostSide, r.GuestID != "", nil
	case r.GuestID:
		return r.GuestSide, r.HostID != "", nil
	}

	if r.HostID == "" {
		r.HostID = playerID
		r.LastUpdatedAt = time.Now()
		return r.HostSide, r.GuestID != "", nil
	}
	if r.GuestID != "" {
		return "", false, ErrRoomFull
	}

	r.GuestID = playerID
	r.LastUpdatedAt = time.Now()
	return r.GuestSide, r.HostID != "", nil
}

// Leave 玩家離座，返回房間是否已人去樓空
//
// 不認識的玩家 ID 是 no-op：離開操作永不失敗。
func (r *Room) Leave(playerID string) (empty bool) {
	r.Mu.Lock()
	defer r.Mu.Unlock()

	switch playerID {
	case r.HostID:
		r.HostID = ""
	case r.GuestID:
		r.GuestID = ""
	}
	r.LastUpdatedAt = time.Now()
	return r.HostID == "" && r.GuestID == ""
}

// OpponentID 返回指定玩家的對手 ID，沒有對手時返回空字串
func (r *Room) OpponentID(playerID string) string {
	r.Mu.RLock()
	defer r.Mu.RUnlock()

	if playerID == r.HostID {
		return r.GuestID
	}
	return r.HostID
}

// OpponentPresent 以指定玩家的視角判斷對手席位是否有人
func (r *Room) OpponentPresent(playerID string) bool {
	r.Mu.RLock()
	defer r.Mu.RUnlock()

	if playerID == r.HostID {
		return r.GuestID != ""
	}
	return r.HostID != ""
}

// SetState 無條件覆寫快照（後寫為準）並刷新時間戳
func (r *Room) SetState(state *GameState) {
	r.Mu.Lock()
	defer r.Mu.Unlock()

	r.State = state
	r.LastUpdatedAt = time.Now()
}

// Snapshot 取出當前快照，尚未開局時為 nil
func (r *Room) Snapshot() *GameState {
	r.Mu.RLock()
	defer r.Mu.RUnlock()
	return r.State
}

// Expired 檢查房間是否超過絕對存活時限
//
// 以 CreatedAt 計算，與活躍度無關：這是刻意的粗放過期策略，
// 不是滑動視窗。
func (r *Room) Expired(ttl time.Duration) bool {
	r.Mu.RLock()
	defer r.Mu.RUnlock()
	return time.Since(r.CreatedAt) > ttl
}
