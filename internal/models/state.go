package models

import "time"

// RuntimeState 定义了需要跨重启保留的单个bot的运行时状态。
// 它不属于订单账本：冷却计时器和每日计数器丢失后会导致
// 重启当天多余的rebalance，所以单独持久化。
type RuntimeState struct {
	BotName                   string       `json:"bot_name"`
	Version                   int          `json:"version"`
	OriginalLower             float64      `json:"original_lower"`
	OriginalUpper             float64      `json:"original_upper"`
	LastRebalanceTime         time.Time    `json:"last_rebalance_time"`
	RebalanceDay              string       `json:"rebalance_day"` // local date, YYYY-MM-DD
	DailyRebalanceCount       int          `json:"daily_rebalance_count"`
	LastShiftTime             time.Time    `json:"last_shift_time"`
	LastEmergencyRecoveryTime time.Time    `json:"last_emergency_recovery_time"`
	ShiftCount                int          `json:"shift_count"`
	EmergencyRecoveryCount    int          `json:"emergency_recovery_count"`
	Trailing                  TrailingSnap `json:"trailing"`
	LastUpdateTime            time.Time    `json:"last_update_time"`
}

// TrailingSnap is the persisted view of the trailing-stop machine so an
// armed stop survives a restart.
type TrailingSnap struct {
	EntryPrice        float64   `json:"entry_price"`
	HighWaterMark     float64   `json:"high_water_mark"`
	StopPrice         float64   `json:"stop_price"`
	IsActive          bool      `json:"is_active"`
	ActivatedAt       time.Time `json:"activated_at"`
	LockedProfitLevel float64   `json:"locked_profit_level"`
}
