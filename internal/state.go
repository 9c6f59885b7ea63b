package internal

import (
	"errors"
	"fmt"
)

// 棋盤固定為 4×4，這是遊戲規則的一部分，不是可配置項。
const BoardSize = 4

// Side 陣營（龍方 / 虎方）
type Side string

const (
	SideDragon Side = "dragon"
	SideTiger  Side = "tiger"
)

// Valid 檢查陣營是否合法
func (s Side) Valid() bool {
	return s == SideDragon || s == SideTiger
}

// Opposite 返回對立陣營
func (s Side) Opposite() Side {
	if s == SideDragon {
		return SideTiger
	}
	return SideDragon
}

// GamePhase 遊戲階段
type GamePhase string

const (
	PhaseMenu    GamePhase = "menu"
	PhaseWaiting GamePhase = "waiting"
	PhasePlaying GamePhase = "playing"
	PhaseEnded   GamePhase = "ended"
)

// Valid 檢查遊戲階段是否合法
func (p GamePhase) Valid() bool {
	switch p {
	case PhaseMenu, PhaseWaiting, PhasePlaying, PhaseEnded:
		return true
	}
	return false
}

// Piece 棋子描述
//
// 中繼服務只負責搬運棋子資料，等級、名稱、emoji 等欄位原樣透傳，
// 由客戶端的規則引擎解釋。
type Piece struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Side       Side   `json:"side"`
	Level      int    `json:"level"`
	IsRevealed bool   `json:"isRevealed"`
	Name       string `json:"name,omitempty"`
	Emoji      string `json:"emoji,omitempty"`
}

// Cell 棋盤格子，最多容納一枚棋子
type Cell struct {
	Row   int    `json:"row"`
	Col   int    `json:"col"`
	Piece *Piece `json:"piece"`
}

// Position 棋盤座標（選中格）
type Position struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// PlayerSlots 兩個陣營對應的玩家 ID
type PlayerSlots struct {
	Dragon *string `json:"dragon"`
	Tiger  *string `json:"tiger"`
}

// GameState 完整的遊戲狀態快照
//
// 系統設計考量：
//
//  1. 對中繼服務而言這是一個不透明的信箱內容：服務只做結構驗證
//     （棋盤尺寸、枚舉成員），絕不做走子合法性判斷。規則引擎在
//     客戶端，兩邊各自計算，服務器只負責忠實轉運。
//
//  2. 欄位名稱即線上協議：與瀏覽器端序列化格式一一對應，
//     任何改名都是破壞性變更。
type GameState struct {
	Board             [][]Cell    `json:"board"`
	CurrentTurn       Side        `json:"currentTurn"`
	SelectedCell      *Position   `json:"selectedCell"`
	Phase             GamePhase   `json:"phase"`
	Winner            *Side       `json:"winner"`
	DragonPiecesCount int         `json:"dragonPiecesCount"`
	TigerPiecesCount  int         `json:"tigerPiecesCount"`
	Message           string      `json:"message"`
	RoomID            *string     `json:"roomId"`
	PlayerRole        string      `json:"playerRole,omitempty"`
	GameMode          string      `json:"gameMode,omitempty"`
	Players           PlayerSlots `json:"players"`
}

// ErrInvalidState 表示快照未通過結構驗證
var ErrInvalidState = errors.New("無效的遊戲狀態")

// Validate 對快照做結構驗證
//
// 只驗證形狀：固定的棋盤尺寸與枚舉成員資格。走子是否合規、
// 棋子數量是否與棋盤一致，都不在服務器的職責範圍內。
func (g *GameState) Validate() error {
	if g == nil {
		return fmt.Errorf("%w: 快照為空", ErrInvalidState)
	}
	if len(g.Board) != BoardSize {
		return fmt.Errorf("%w: 棋盤必須為 %d 行，收到 %d 行", ErrInvalidState, BoardSize, len(g.Board))
	}
	for i, row := range g.Board {
		if len(row) != BoardSize {
			return fmt.Errorf("%w: 第 %d 行必須為 %d 格，收到 %d 格", ErrInvalidState, i, BoardSize, len(row))
		}
		for _, cell := range row {
			if cell.Piece != nil && !cell.Piece.Side.Valid() {
				return fmt.Errorf("%w: 未知的棋子陣營 %q", ErrInvalidState, cell.Piece.Side)
			}
		}
	}
	if !g.CurrentTurn.Valid() {
		return fmt.Errorf("%w: 未知的回合陣營 %q", ErrInvalidState, g.CurrentTurn)
	}
	if !g.Phase.Valid() {
		return fmt.Errorf("%w: 未知的遊戲階段 %q", ErrInvalidState, g.Phase)
	}
	if g.Winner != nil && !g.Winner.Valid() {
		return fmt.Errorf("%w: 未知的勝方 %q", ErrInvalidState, *g.Winner)
	}
	return nil
}

// 推送通道消息類型
const (
	MsgOpponentConnected    = "opponent-connected"
	MsgOpponentDisconnected = "opponent-disconnected"
	MsgGameUpdate           = "game-update"
)

// Envelope 推送通道的消息封包
//
// 協議上沒有確認機制，投遞是盡力而為；丟失的消息由客戶端的
// 定期輪詢兜底。
type Envelope struct {
	Type      string     `json:"type"`
	GameState *GameState `json:"gameState,omitempty"`
}
