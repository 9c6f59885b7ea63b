// Package client 實現龍虎棋的客戶端同步邏輯。
//
// 同步走雙通道：WebSocket 推送負責低延遲，每秒一次的 HTTP 輪詢
// 負責兜底。兩條通道的來料都匯進 SyncController 的同一個決策
// 函數，由它判斷遠端快照該採納還是丟棄。
package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koopa0/dragon-tiger/internal"
)

// freshnessWindow 本地落子後的保護窗口
//
// 窗口內收到回合仍停在落子前的快照，視為自己更新的回聲或過期
// 輪詢結果，直接丟棄，避免剛走的棋被慢一拍的伺服器響應蓋掉。
const freshnessWindow = 150 * time.Millisecond

// Broadcaster 將本地狀態送往伺服器
type Broadcaster interface {
	Broadcast(ctx context.Context, state *internal.GameState) error
}

// FetchFunc 從伺服器拉取當前房間狀態
type FetchFunc func(ctx context.Context) (*internal.GameState, error)

// SyncController 決定每份遠端快照的去留
//
// 設計考量：
// 1. 推送和輪詢可能交錯送來同一份或過期的快照，所有來料走同一個
//    決策函數，去重規則只寫一份
// 2. 「與本地無差異」的快照直接丟棄，這同時吸收了伺服器向雙方
//    廣播時自己收到的回聲
// 3. 本地落子後的短窗口內，回合還停在落子前的快照必然過期
type SyncController struct {
	broadcaster Broadcaster
	fetch       FetchFunc
	logger      *slog.Logger

	mu          sync.Mutex
	local       *internal.GameState
	localMoveAt time.Time
	preMoveTurn internal.Side

	// 手動刷新進行中的閂鎖
	refreshing atomic.Bool

	// 採納遠端快照時的回調（可為 nil）
	onApply func(*internal.GameState)
}

// NewSyncController 創建同步控制器
func NewSyncController(broadcaster Broadcaster, fetch FetchFunc, logger *slog.Logger) *SyncController {
	return &SyncController{
		broadcaster: broadcaster,
		fetch:       fetch,
		logger:      logger,
	}
}

// SetOnApply 設定採納遠端快照時的回調
func (s *SyncController) SetOnApply(fn func(*internal.GameState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onApply = fn
}

// Local 當前本地狀態的快照
func (s *SyncController) Local() *internal.GameState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// ApplyLocalMove 記錄本地落子並廣播到伺服器
//
// 廣播失敗只記錄不重試：伺服器端後寫為準，下一次落子或對手的
// 輪詢都會把狀態追平。
func (s *SyncController) ApplyLocalMove(ctx context.Context, state *internal.GameState) {
	s.mu.Lock()
	if s.local != nil {
		s.preMoveTurn = s.local.CurrentTurn
	} else {
		s.preMoveTurn = state.CurrentTurn.Opposite()
	}
	s.local = state
	s.localMoveAt = time.Now()
	s.mu.Unlock()

	if err := s.broadcaster.Broadcast(ctx, state); err != nil {
		s.logger.Warn("廣播本地狀態失敗", "error", err)
	}
}

// OnRemoteState 處理一份遠端快照，回傳是否採納
func (s *SyncController) OnRemoteState(incoming *internal.GameState) bool {
	if err := incoming.Validate(); err != nil {
		s.logger.Warn("丟棄結構無效的遠端快照", "error", err)
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.local == nil {
		return s.applyLocked(incoming)
	}

	if !s.differs(incoming) {
		return false
	}

	// 保護窗口：回合還停在落子前的快照必然比本地舊
	if time.Since(s.localMoveAt) < freshnessWindow &&
		incoming.CurrentTurn == s.preMoveTurn {
		s.logger.Debug("丟棄保護窗口內的過期快照",
			"incoming_turn", incoming.CurrentTurn)
		return false
	}

	return s.applyLocked(incoming)
}

// Refresh 手動從伺服器拉取一次狀態
//
// 同一時間只允許一次刷新在途，重複呼叫是無操作。
func (s *SyncController) Refresh(ctx context.Context) {
	if !s.refreshing.CompareAndSwap(false, true) {
		return
	}
	defer s.refreshing.Store(false)

	state, err := s.fetch(ctx)
	if err != nil {
		s.logger.Warn("刷新狀態失敗", "error", err)
		return
	}
	if state != nil {
		s.OnRemoteState(state)
	}
}

// differs 遠端快照與本地是否有實質差異（棋盤或回合）
func (s *SyncController) differs(incoming *internal.GameState) bool {
	if incoming.CurrentTurn != s.local.CurrentTurn {
		return true
	}

	remote, err := json.Marshal(incoming.Board)
	if err != nil {
		return false
	}
	local, err := json.Marshal(s.local.Board)
	if err != nil {
		return false
	}
	return string(remote) != string(local)
}

// applyLocked 採納遠端快照，呼叫方必須持有 s.mu
func (s *SyncController) applyLocked(incoming *internal.GameState) bool {
	s.local = incoming
	if s.onApply != nil {
		s.onApply(incoming)
	}
	return true
}
