// Package model defines the core domain types shared across the mirror engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ConnectionStatus is the validation state of a linked account.
type ConnectionStatus string

const (
	StatusPending      ConnectionStatus = "pending"
	StatusConnected    ConnectionStatus = "connected"
	StatusError        ConnectionStatus = "error"
	StatusDisconnected ConnectionStatus = "disconnected"
)

// AccountType distinguishes demo from real-money accounts.
type AccountType string

const (
	AccountReal AccountType = "real"
	AccountDemo AccountType = "demo"
)

// LinkedAccount is a mirror target authenticated with its own token.
// AccountID is unique across the registry.
type LinkedAccount struct {
	Token       string           `json:"-"`
	AccountID   string           `json:"account_id"`
	LoginID     string           `json:"loginid"`
	AccountType AccountType      `json:"account_type"`
	Currency    string           `json:"currency"`
	Balance     decimal.Decimal  `json:"balance"`
	Status      ConnectionStatus `json:"connection_status"`
	StatusError string           `json:"status_error,omitempty"`
	IsActive    bool             `json:"is_active"`
	AddedAt     time.Time        `json:"added_at"`
}

// Mirrorable reports whether the account belongs to the fan-out target set.
func (a LinkedAccount) Mirrorable() bool {
	return a.Status == StatusConnected && a.IsActive
}

// MaskedToken renders the account token without exposing it.
func (a LinkedAccount) MaskedToken() string {
	return MaskToken(a.Token)
}

// MaskToken keeps the first and last four characters of a credential.
func MaskToken(token string) string {
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + "..." + token[len(token)-4:]
}

// CopySession is one live mirroring relationship for a trader scope.
type CopySession struct {
	ID           string          `json:"id"`
	TraderID     string          `json:"trader_id"`
	StartTime    time.Time       `json:"start_time"`
	CopiedTrades int64           `json:"copied_trades"`
	ProfitLoss   decimal.Decimal `json:"profit_loss"`
}

// TradeStatus is the lifecycle state of a mirrored trade.
type TradeStatus string

const (
	TradeActive TradeStatus = "active"
	TradeWon    TradeStatus = "won"
	TradeLost   TradeStatus = "lost"
)

// MirroredTrade records the outcome of replicating one master buy.
// Once Status leaves active the record is frozen.
type MirroredTrade struct {
	ID              string           `json:"id"`
	ContractID      string           `json:"contract_id"`
	TraderID        string           `json:"trader_id"`
	Symbol          string           `json:"symbol"`
	TradeType       string           `json:"trade_type"`
	BuyPrice        decimal.Decimal  `json:"buy_price"`
	CurrentPrice    decimal.Decimal  `json:"current_price"`
	ProfitLoss      decimal.Decimal  `json:"profit_loss"`
	Payout          decimal.Decimal  `json:"payout"`
	Status          TradeStatus      `json:"status"`
	Timestamp       time.Time        `json:"timestamp"`
	MirroredToCount int              `json:"mirrored_to_count"`
	TargetCount     int              `json:"target_count"`
	Outcomes        []AccountOutcome `json:"outcomes,omitempty"`
}

// Settled reports whether the trade is frozen.
func (t MirroredTrade) Settled() bool {
	return t.Status != TradeActive
}

// FailureReason classifies a per-account mirror failure.
type FailureReason string

const (
	ReasonNone                FailureReason = ""
	ReasonInvalidToken        FailureReason = "invalid_token"
	ReasonInsufficientBalance FailureReason = "insufficient_balance"
	ReasonMarketClosed        FailureReason = "market_closed"
	ReasonNetwork             FailureReason = "network"
	ReasonRejected            FailureReason = "rejected"
)

// AccountOutcome is the result of one buy request on one linked account.
type AccountOutcome struct {
	AccountID  string          `json:"account_id"`
	Currency   string          `json:"currency"`
	ContractID string          `json:"contract_id,omitempty"` // contract bought on the target
	BuyPrice   decimal.Decimal `json:"buy_price"`
	Error      string          `json:"error,omitempty"`
	Reason     FailureReason   `json:"reason,omitempty"`
	Latency    time.Duration   `json:"latency_ns"`
}

// OK reports whether the buy returned without an error field.
func (o AccountOutcome) OK() bool {
	return o.Error == ""
}

// TradeIntent is the normalized set of parameters replicated on every
// target. Amount is the nominal stake; it is never currency converted.
type TradeIntent struct {
	ContractID   string          `json:"contract_id"`
	ContractType string          `json:"contract_type"`
	Symbol       string          `json:"symbol"`
	Basis        string          `json:"basis"`
	Amount       decimal.Decimal `json:"amount"`
	Duration     int             `json:"duration,omitempty"`
	DurationUnit string          `json:"duration_unit,omitempty"`
	DateExpiry   int64           `json:"date_expiry,omitempty"`
	Barrier      string          `json:"barrier,omitempty"`
	Barrier2     string          `json:"barrier2,omitempty"`
}

// IsDigit reports whether the contract is a digit contract, whose barrier
// is the predicted last digit.
func (i TradeIntent) IsDigit() bool {
	return strings.Contains(strings.ToUpper(i.ContractType), "DIGIT")
}

// MasterAccount describes the account whose trades are observed.
type MasterAccount struct {
	LoginID     string          `json:"loginid"`
	AccountType AccountType     `json:"account_type"`
	Currency    string          `json:"currency"`
	Balance     decimal.Decimal `json:"balance"`
}

// Trader is a copy-service trader available for following.
type Trader struct {
	AccountID      string          `json:"account_id"`
	Name           string          `json:"name"`
	FollowersCount int             `json:"followers_count"`
	TotalProfit    decimal.Decimal `json:"total_profit"`
	WinRate        decimal.Decimal `json:"win_rate"` // percent
	TotalTrades    int             `json:"total_trades"`
	RiskLevel      string          `json:"risk_level"` // "low", "medium", "high"
}

// Stats is the aggregate view derived from trades and accounts.
type Stats struct {
	TotalProfit        decimal.Decimal `json:"total_profit"`
	TotalLoss          decimal.Decimal `json:"total_loss"` // negative magnitude
	TotalPayout        decimal.Decimal `json:"total_payout"`
	ActiveClientsCount int             `json:"active_clients_count"`
	TicksSynced        int64           `json:"ticks_synced"`
	TradesCopied       int64           `json:"trades_copied"`
	TradesCopiedToday  int64           `json:"trades_copied_today"`
	LastMirroredTime   time.Time       `json:"last_mirrored_time,omitempty"`
}
