package internal

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Handler HTTP 請求處理器
//
// 所有響應（包括錯誤）都帶寬鬆的跨域標頭：對端是任意來源的
// 瀏覽器頁面，服務本身也不做身份驗證，沒有需要收緊的面。
type Handler struct {
	manager *Manager
	logger  *slog.Logger
}

// NewHandler 創建 HTTP 處理器
func NewHandler(manager *Manager, logger *slog.Logger) *Handler {
	return &Handler{
		manager: manager,
		logger:  logger,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", h.health)
	mux.HandleFunc("POST /api/create-room", h.createRoom)
	mux.HandleFunc("POST /api/join-room", h.joinRoom)
	mux.HandleFunc("GET /api/room-status", h.roomStatus)
	mux.HandleFunc("POST /api/update-game", h.updateGame)
	mux.HandleFunc("POST /api/leave-room", h.leaveRoom)

	// 中間件鏈：CORS 最外層（預檢請求在進路由前就被攔截）
	return h.cors(h.recoverer(h.loggerMiddleware(mux.ServeHTTP)))
}

// 請求結構
type createRoomRequest struct {
	PlayerID string `json:"playerId"`
	Role     Side   `json:"role"`
}

type joinRoomRequest struct {
	RoomID   string `json:"roomId"`
	PlayerID string `json:"playerId"`
}

type updateGameRequest struct {
	RoomID    string     `json:"roomId"`
	PlayerID  string     `json:"playerId,omitempty"`
	GameState *GameState `json:"gameState"`
}

type leaveRoomRequest struct {
	RoomID   string `json:"roomId"`
	PlayerID string `json:"playerId"`
}

// health 健康檢查：存活 + 活躍房間數
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status": "ok",
		"rooms":  h.manager.RoomCount(),
	}, http.StatusOK)
}

// createRoom 創建房間
func (h *Handler) createRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorResponse(w, "無效的請求格式", http.StatusBadRequest)
		return
	}

	room, playerID, err := h.manager.CreateRoom(req.PlayerID, req.Role)
	if err != nil {
		h.errorResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.jsonResponse(w, map[string]any{
		"success":    true,
		"roomId":     room.ID,
		"playerId":   playerID,
		"playerRole": room.HostSide,
	}, http.StatusOK)
}

// joinRoom 加入房間（同 ID 重入冪等）
func (h *Handler) joinRoom(w http.ResponseWriter, r *http.Request) {
	var req joinRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorResponse(w, "無效的請求格式", http.StatusBadRequest)
		return
	}

	side, playerID, opponentPresent, err := h.manager.JoinRoom(req.RoomID, req.PlayerID)
	if err != nil {
		h.errorResponse(w, err.Error(), statusForError(err))
		return
	}

	h.jsonResponse(w, map[string]any{
		"success":           true,
		"roomId":            strings.ToUpper(req.RoomID),
		"playerId":          playerID,
		"playerRole":        side,
		"opponentConnected": opponentPresent,
	}, http.StatusOK)
}

// roomStatus 輪詢房間狀態
func (h *Handler) roomStatus(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	roomID := query.Get("roomId")
	playerID := query.Get("playerId")

	opponentPresent, state, err := h.manager.Status(roomID, playerID)
	if err != nil {
		h.errorResponse(w, err.Error(), statusForError(err))
		return
	}

	h.jsonResponse(w, map[string]any{
		"success":           true,
		"roomId":            strings.ToUpper(roomID),
		"opponentConnected": opponentPresent,
		"gameState":         state,
	}, http.StatusOK)
}

// updateGame 覆寫房間狀態（後寫為準）
func (h *Handler) updateGame(w http.ResponseWriter, r *http.Request) {
	var req updateGameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorResponse(w, "無效的請求格式", http.StatusBadRequest)
		return
	}

	if err := h.manager.UpdateState(req.RoomID, req.PlayerID, req.GameState); err != nil {
		h.errorResponse(w, err.Error(), statusForError(err))
		return
	}

	h.jsonResponse(w, map[string]any{
		"success": true,
	}, http.StatusOK)
}

// leaveRoom 離開房間，永遠成功
func (h *Handler) leaveRoom(w http.ResponseWriter, r *http.Request) {
	var req leaveRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorResponse(w, "無效的請求格式", http.StatusBadRequest)
		return
	}

	h.manager.LeaveRoom(req.RoomID, req.PlayerID)

	h.jsonResponse(w, map[string]any{
		"success": true,
	}, http.StatusOK)
}

// statusForError 錯誤分類到 HTTP 狀態碼的唯一映射點
func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrRoomNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrRoomFull):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidState):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
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
func (h *Handler) errorResponse(w http.ResponseWriter, message string, status int) {
	h.jsonResponse(w, map[string]any{
		"success": false,
		"error":   message,
	}, status)
}

// cors 跨域中間件：每個響應都帶標頭，預檢請求直接放行
func (h *Handler) cors(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r)

		h.logger.Info("HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// recoverer panic 恢復中間件：解析異常絕不拖垮監聽器
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("處理請求時發生 panic",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				h.errorResponse(w, "內部伺服器錯誤", http.StatusInternalServerError)
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
