package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Mode is the PlayEngine's execution-mode dimension.
type Mode string

const (
	ModeBacktest Mode = "backtest"
	ModeDemo     Mode = "demo"
	ModeLive     Mode = "live"
	ModeShadow   Mode = "shadow"
)

// TradingMode is the signal-execution semantics requested by
// configuration (paper vs real money), independent of Mode.
type TradingMode string

const (
	TradingPaper TradingMode = "paper"
	TradingReal  TradingMode = "real"
)

// Env isolates live and demo data so the two never share buffers,
// history tables, or ticker caches.
type Env string

const (
	EnvLive Env = "live"
	EnvDemo Env = "demo"
)

// OrderLifecycleState is the terminal/non-terminal status of a
// submitted order.
type OrderLifecycleState string

const (
	OrderPending   OrderLifecycleState = "Pending"
	OrderFilled    OrderLifecycleState = "Filled"
	OrderCancelled OrderLifecycleState = "Cancelled"
	OrderRejected  OrderLifecycleState = "Rejected"
)

// PendingOrder tracks an order the executor is awaiting resolution
// for via WS confirmation or REST fallback.
type PendingOrder struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          Direction
	State         OrderLifecycleState
	SubmittedAt   time.Time
}

// EngineState is the persisted checkpoint of one running PlayEngine.
type EngineState struct {
	EngineID            string
	PlayID              string
	Mode                Mode
	Symbol              string
	Position            *Position
	PendingOrders       []PendingOrder
	EquityUSDT          decimal.Decimal
	RealizedPnL         decimal.Decimal
	TotalTrades          int
	LastBarTS           *time.Time
	LastSignalTS        *time.Time
	IncrementalStateBlob []byte
	Metadata             map[string]any
}

// InstanceStatus is the lifecycle status recorded in an on-disk
// instance registry record.
type InstanceStatus string

const (
	InstanceStarting InstanceStatus = "STARTING"
	InstanceRunning  InstanceStatus = "RUNNING"
	InstanceStopping InstanceStatus = "STOPPING"
	InstanceStopped  InstanceStatus = "STOPPED"
	InstanceError    InstanceStatus = "ERROR"
)

// InstanceRecord is the on-disk, per-process JSON record the engine
// manager writes to ~/.trade/instances/{instance_id}.json. A consumer
// must treat it as live only after an OS liveness probe on PID.
type InstanceRecord struct {
	InstanceID string         `json:"instance_id"`
	PID        int            `json:"pid"`
	PlayID     string         `json:"play_id"`
	Symbol     string         `json:"symbol"`
	Mode       Mode           `json:"mode"`
	StartedAt  time.Time      `json:"started_at"`
	Status     InstanceStatus `json:"status"`
	Stats      map[string]any `json:"stats"`
}
