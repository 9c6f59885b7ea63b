package internal_test

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/dragon-tiger/internal"
)

// 創建測試用的 logger
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError, // 測試時只顯示錯誤
	}))
}

// fakeForwarder 記錄轉發呼叫
type fakeForwarder struct {
	mu    sync.Mutex
	calls []forwardCall
}

type forwardCall struct {
	roomID   string
	senderID string
	state    *internal.GameState
}

func (f *fakeForwarder) ForwardState(roomID, senderID string, state *internal.GameState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, forwardCall{roomID: roomID, senderID: senderID, state: state})
}

func (f *fakeForwarder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// TestNewManager 測試創建管理器
func TestNewManager(t *testing.T) {
	manager := internal.NewManager(testLogger())
	require.NotNil(t, manager)
	defer manager.Stop()

	assert.Equal(t, 0, manager.RoomCount())
}

// TestManager_CreateRoom 測試創建房間
func TestManager_CreateRoom(t *testing.T) {
	codePattern := regexp.MustCompile(`^[A-Z0-9]{4}$`)

	tests := []struct {
		name     string
		playerID string
		side     internal.Side
		validate func(t *testing.T, room *internal.Room, playerID string)
	}{
		{
			name:     "host picks dragon",
			playerID: "player-1",
			side:     internal.SideDragon,
			validate: func(t *testing.T, room *internal.Room, playerID string) {
				assert.Equal(t, "player-1", playerID)
				assert.Equal(t, "player-1", room.HostID)
				assert.Equal(t, internal.SideDragon, room.HostSide)
				assert.Equal(t, internal.SideTiger, room.GuestSide)
			},
		},
		{
			name:     "host picks tiger",
			playerID: "player-2",
			side:     internal.SideTiger,
			validate: func(t *testing.T, room *internal.Room, playerID string) {
				assert.Equal(t, internal.SideTiger, room.HostSide)
				assert.Equal(t, internal.SideDragon, room.GuestSide)
			},
		},
		{
			name:     "empty player id gets minted",
			playerID: "",
			side:     internal.SideDragon,
			validate: func(t *testing.T, room *internal.Room, playerID string) {
				assert.NotEmpty(t, playerID)
				assert.Equal(t, playerID, room.HostID)
			},
		},
		{
			name:     "unknown side defaults to dragon",
			playerID: "player-3",
			side:     "",
			validate: func(t *testing.T, room *internal.Room, playerID string) {
				assert.Equal(t, internal.SideDragon, room.HostSide)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := internal.NewManager(testLogger())
			defer manager.Stop()

			room, playerID, err := manager.CreateRoom(tt.playerID, tt.side)
			require.NoError(t, err)
			require.NotNil(t, room)

			assert.Regexp(t, codePattern, room.ID)
			assert.Equal(t, 1, manager.RoomCount())
			tt.validate(t, room, playerID)
		})
	}
}

// TestManager_CreateRoom_UniqueCodes 測試房間碼不碰撞
func TestManager_CreateRoom_UniqueCodes(t *testing.T) {
	manager := internal.NewManager(testLogger())
	defer manager.Stop()

	seen := make(map[string]bool)
	for i := range 200 {
		room, _, err := manager.CreateRoom(fmt.Sprintf("player-%d", i), internal.SideDragon)
		require.NoError(t, err)
		assert.False(t, seen[room.ID], "房間碼重複: %s", room.ID)
		seen[room.ID] = true
	}
}

// TestManager_JoinRoom 測試加入房間
func TestManager_JoinRoom(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(t *testing.T, manager *internal.Manager) string
		playerID string
		validate func(t *testing.T, side internal.Side, playerID string, opponentPresent bool, err error)
	}{
		{
			name: "guest gets opposite side",
			setup: func(t *testing.T, manager *internal.Manager) string {
				room, _, err := manager.CreateRoom("host", internal.SideDragon)
				require.NoError(t, err)
				return room.ID
			},
			playerID: "guest",
			validate: func(t *testing.T, side internal.Side, playerID string, opponentPresent bool, err error) {
				require.NoError(t, err)
				assert.Equal(t, internal.SideTiger, side)
				assert.Equal(t, "guest", playerID)
			},
		},
		{
			name: "host rejoins own room",
			setup: func(t *testing.T, manager *internal.Manager) string {
				room, _, err := manager.CreateRoom("host", internal.SideTiger)
				require.NoError(t, err)
				return room.ID
			},
			playerID: "host",
			validate: func(t *testing.T, side internal.Side, playerID string, opponentPresent bool, err error) {
				require.NoError(t, err)
				assert.Equal(t, internal.SideTiger, side)
			},
		},
		{
			name: "empty player id gets minted",
			setup: func(t *testing.T, manager *internal.Manager) string {
				room, _, err := manager.CreateRoom("host", internal.SideDragon)
				require.NoError(t, err)
				return room.ID
			},
			playerID: "",
			validate: func(t *testing.T, side internal.Side, playerID string, opponentPresent bool, err error) {
				require.NoError(t, err)
				assert.NotEmpty(t, playerID)
				assert.Equal(t, internal.SideTiger, side)
			},
		},
		{
			name: "unknown room",
			setup: func(t *testing.T, manager *internal.Manager) string {
				return "ZZZZ"
			},
			playerID: "guest",
			validate: func(t *testing.T, side internal.Side, playerID string, opponentPresent bool, err error) {
				assert.ErrorIs(t, err, internal.ErrRoomNotFound)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := internal.NewManager(testLogger())
			defer manager.Stop()

			roomID := tt.setup(t, manager)
			side, playerID, opponentPresent, err := manager.JoinRoom(roomID, tt.playerID)
			tt.validate(t, side, playerID, opponentPresent, err)
		})
	}
}

// TestManager_JoinRoom_CaseInsensitive 測試房間碼大小寫不敏感
func TestManager_JoinRoom_CaseInsensitive(t *testing.T) {
	manager := internal.NewManager(testLogger())
	defer manager.Stop()

	room, _, err := manager.CreateRoom("host", internal.SideDragon)
	require.NoError(t, err)

	lower := strings.ToLower(room.ID)
	side, _, _, err := manager.JoinRoom(lower, "guest")
	require.NoError(t, err)
	assert.Equal(t, internal.SideTiger, side)
}

// TestManager_JoinRoom_Full 測試房間滿員
func TestManager_JoinRoom_Full(t *testing.T) {
	manager := internal.NewManager(testLogger())
	defer manager.Stop()

	room, _, err := manager.CreateRoom("host", internal.SideDragon)
	require.NoError(t, err)

	_, _, _, err = manager.JoinRoom(room.ID, "guest")
	require.NoError(t, err)

	// 第三個玩家被拒
	_, _, _, err = manager.JoinRoom(room.ID, "intruder")
	assert.ErrorIs(t, err, internal.ErrRoomFull)

	// 原有兩人重入不受影響
	side, _, opponentPresent, err := manager.JoinRoom(room.ID, "guest")
	require.NoError(t, err)
	assert.Equal(t, internal.SideTiger, side)
	assert.True(t, opponentPresent)
}

// TestManager_LeaveRoom 測試離開房間
func TestManager_LeaveRoom(t *testing.T) {
	manager := internal.NewManager(testLogger())
	defer manager.Stop()

	room, _, err := manager.CreateRoom("host", internal.SideDragon)
	require.NoError(t, err)
	_, _, _, err = manager.JoinRoom(room.ID, "guest")
	require.NoError(t, err)

	// 一人離開，房間保留，座位可再入
	manager.LeaveRoom(room.ID, "host")
	assert.Equal(t, 1, manager.RoomCount())

	side, _, _, err := manager.JoinRoom(room.ID, "returning")
	require.NoError(t, err)
	assert.Equal(t, room.HostSide, side)

	// 兩人都離開後房間被刪除
	manager.LeaveRoom(room.ID, "guest")
	manager.LeaveRoom(room.ID, "returning")
	assert.Equal(t, 0, manager.RoomCount())

	// 未知房間是無操作
	manager.LeaveRoom("ZZZZ", "nobody")
}

// TestManager_UpdateState 測試狀態覆寫
func TestManager_UpdateState(t *testing.T) {
	manager := internal.NewManager(testLogger())
	defer manager.Stop()

	forwarder := &fakeForwarder{}
	manager.SetForwarder(forwarder)

	room, _, err := manager.CreateRoom("host", internal.SideDragon)
	require.NoError(t, err)

	// 初始無狀態
	state, err := manager.GetState(room.ID)
	require.NoError(t, err)
	assert.Nil(t, state)

	// 有效狀態被接受並轉發
	st := newTestState(internal.SideTiger)
	require.NoError(t, manager.UpdateState(room.ID, "host", st))

	got, err := manager.GetState(room.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, internal.SideTiger, got.CurrentTurn)
	assert.Equal(t, 1, forwarder.callCount())
	assert.Equal(t, "host", forwarder.calls[0].senderID)

	// 後寫為準：第二份快照無條件覆寫
	st2 := newTestState(internal.SideDragon)
	require.NoError(t, manager.UpdateState(room.ID, "guest", st2))
	got, err = manager.GetState(room.ID)
	require.NoError(t, err)
	assert.Equal(t, internal.SideDragon, got.CurrentTurn)

	// 無效狀態被拒，已存狀態不變
	bad := newTestState(internal.SideDragon)
	bad.Board = bad.Board[:2]
	err = manager.UpdateState(room.ID, "host", bad)
	assert.ErrorIs(t, err, internal.ErrInvalidState)

	got, err = manager.GetState(room.ID)
	require.NoError(t, err)
	assert.Len(t, got.Board, internal.BoardSize)

	// 未知房間
	err = manager.UpdateState("ZZZZ", "host", newTestState(internal.SideDragon))
	assert.ErrorIs(t, err, internal.ErrRoomNotFound)
}

// TestManager_Status 測試狀態查詢
func TestManager_Status(t *testing.T) {
	manager := internal.NewManager(testLogger())
	defer manager.Stop()

	room, _, err := manager.CreateRoom("host", internal.SideDragon)
	require.NoError(t, err)

	opponentPresent, state, err := manager.Status(room.ID, "host")
	require.NoError(t, err)
	assert.False(t, opponentPresent)
	assert.Nil(t, state)

	_, _, _, err = manager.JoinRoom(room.ID, "guest")
	require.NoError(t, err)

	opponentPresent, _, err = manager.Status(room.ID, "host")
	require.NoError(t, err)
	assert.True(t, opponentPresent)

	_, _, err = manager.Status("ZZZZ", "host")
	assert.ErrorIs(t, err, internal.ErrRoomNotFound)
}

// TestManager_Cleanup 測試過期房間回收
func TestManager_Cleanup(t *testing.T) {
	manager := internal.NewManager(testLogger())
	defer manager.Stop()

	old, _, err := manager.CreateRoom("old-host", internal.SideDragon)
	require.NoError(t, err)
	fresh, _, err := manager.CreateRoom("fresh-host", internal.SideDragon)
	require.NoError(t, err)

	// 把舊房間的創建時間撥回 31 分鐘前
	old.Mu.Lock()
	old.CreatedAt = time.Now().Add(-31 * time.Minute)
	old.Mu.Unlock()

	manager.Cleanup()

	_, err = manager.GetRoom(old.ID)
	assert.ErrorIs(t, err, internal.ErrRoomNotFound)

	_, err = manager.GetRoom(fresh.ID)
	assert.NoError(t, err)
}

// TestManager_ConcurrentAccess 測試並發安全
func TestManager_ConcurrentAccess(t *testing.T) {
	manager := internal.NewManager(testLogger())
	defer manager.Stop()

	room, _, err := manager.CreateRoom("host", internal.SideDragon)
	require.NoError(t, err)
	_, _, _, err = manager.JoinRoom(room.ID, "guest")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			turn := internal.SideDragon
			if i%2 == 0 {
				turn = internal.SideTiger
			}
			_ = manager.UpdateState(room.ID, "host", newTestState(turn))
		}(i)
		go func() {
			defer wg.Done()
			_, _, _ = manager.Status(room.ID, "guest")
		}()
	}
	wg.Wait()

	state, err := manager.GetState(room.ID)
	require.NoError(t, err)
	assert.NotNil(t, state)
}
