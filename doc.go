// Package dragontiger 是龍虎棋的線上對戰同步核心。
//
// 伺服器端提供房間管理（創建、加入、狀態輪詢、離開）、遊戲狀態
// 中繼（後寫為準的整份快照覆寫）與 WebSocket 推送通道；客戶端
// 提供對應的同步控制器，以 WebSocket 推送為加速、HTTP 輪詢為底
// 線的方式讓兩個玩家的棋盤保持一致。
//
// 伺服器實作在 internal 套件，客戶端在 client 套件，組裝入口在
// cmd/server。
package dragontiger
