// Package race 實現賽局房間的狀態機
//
// 這是協調器中唯一有真正不變量的部分：
//   - 房間分配與槽位（出生點）指派，包含以合成參賽者補滿人數不足的房間
//   - 檢查點 / 圈數進度與反捷徑驗證
//   - 完賽名次計算
//   - 房間的建立與銷毀規則
//
// 本套件完全不知道傳輸層的存在：每個操作回傳「發生了什麼改變」，
// 由呼叫端（WebSocket Hub）決定要廣播哪些事件。
//
// 所有操作由 Registry 以單一互斥鎖循序執行。若未來傳輸層改為多執行緒分派，
// 仍必須經過 Registry，名次依「處理順序」分配的保證才會成立。
package race
