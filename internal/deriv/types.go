package deriv

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/shopspring/decimal"
)

// Push message kinds routed by the event subscriber.
const (
	MsgTransaction          = "transaction"
	MsgPortfolio            = "portfolio"
	MsgProposalOpenContract = "proposal_open_contract"
)

// ID is an identifier the backend encodes either as a JSON number or a
// JSON string (contract ids, transaction ids).
type ID string

// UnmarshalJSON accepts numbers and strings.
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

// MarshalJSON emits numeric ids as numbers.
func (id ID) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseInt(string(id), 10, 64); err == nil {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

func (id ID) String() string { return string(id) }

// number renders a decimal as a bare JSON number.
func number(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}

// Subscription is the stream handle attached to push messages.
type Subscription struct {
	ID string `json:"id"`
}

// Message is a decoded push message from a live subscription.
type Message struct {
	MsgType        string
	ReqID          int64
	SubscriptionID string
	Raw            json.RawMessage
}

// envelope holds the fields common to every backend frame.
type envelope struct {
	MsgType      string        `json:"msg_type"`
	ReqID        int64         `json:"req_id"`
	Error        *APIError     `json:"error"`
	Subscription *Subscription `json:"subscription"`
}

// --- authorize ---

// AccountListEntry is one account reachable with an authorized token.
type AccountListEntry struct {
	LoginID   string `json:"loginid"`
	Currency  string `json:"currency"`
	IsVirtual int    `json:"is_virtual"`
}

// Authorization is the payload of a successful authorize call.
type Authorization struct {
	LoginID     string             `json:"loginid"`
	Currency    string             `json:"currency"`
	Balance     decimal.Decimal    `json:"balance"`
	IsVirtual   int                `json:"is_virtual"`
	Email       string             `json:"email,omitempty"`
	AccountList []AccountListEntry `json:"account_list"`
}

// AccountID resolves the identity used to deduplicate linked accounts:
// the first entry of the account list, falling back to the login id.
func (a Authorization) AccountID() string {
	if len(a.AccountList) > 0 && a.AccountList[0].LoginID != "" {
		return a.AccountList[0].LoginID
	}
	return a.LoginID
}

type authorizeRequest struct {
	Authorize string `json:"authorize"`
	ReqID     int64  `json:"req_id"`
}

type authorizeResponse struct {
	Authorize *Authorization `json:"authorize"`
}

// --- streams ---

type streamRequest struct {
	Transaction int   `json:"transaction,omitempty"`
	Portfolio   int   `json:"portfolio,omitempty"`
	Subscribe   int   `json:"subscribe"`
	ReqID       int64 `json:"req_id"`
}

type subscribeResponse struct {
	Subscription *Subscription `json:"subscription"`
}

// Transaction is a balance-affecting event on the master account.
type Transaction struct {
	Action        string          `json:"action"`
	ContractID    ID              `json:"contract_id"`
	TransactionID ID              `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	Balance       decimal.Decimal `json:"balance"`
	Currency      string          `json:"currency"`
	Symbol        string          `json:"symbol"`
}

// TransactionMessage is the body of a transaction push message.
type TransactionMessage struct {
	Transaction Transaction `json:"transaction"`
}

// PortfolioContract is one contract entry of a portfolio push message.
// Settled contracts carry IsSold=1 or a terminal Status.
type PortfolioContract struct {
	ContractID   ID              `json:"contract_id"`
	ContractType string          `json:"contract_type"`
	Symbol       string          `json:"symbol"`
	BuyPrice     decimal.Decimal `json:"buy_price"`
	BidPrice     decimal.Decimal `json:"bid_price"`
	Payout       decimal.Decimal `json:"payout"`
	Profit       decimal.Decimal `json:"profit"`
	Status       string          `json:"status"`
	IsSold       int             `json:"is_sold"`
}

// Settled reports whether the backend marks the contract as closed.
func (c PortfolioContract) Settled() bool {
	if c.IsSold == 1 {
		return true
	}
	switch c.Status {
	case "won", "lost", "sold":
		return true
	}
	return false
}

// PortfolioMessage is the body of a portfolio push message.
type PortfolioMessage struct {
	Portfolio struct {
		Contracts []PortfolioContract `json:"contracts"`
	} `json:"portfolio"`
}

type forgetRequest struct {
	Forget string `json:"forget"`
	ReqID  int64  `json:"req_id"`
}

type forgetResponse struct {
	Forget int `json:"forget"`
}

// --- contracts ---

// OpenContract is the full parameter set of a contract, as returned by
// proposal_open_contract.
type OpenContract struct {
	ContractID   ID              `json:"contract_id"`
	ContractType string          `json:"contract_type"`
	Underlying   string          `json:"underlying"`
	Currency     string          `json:"currency"`
	BuyPrice     decimal.Decimal `json:"buy_price"`
	BidPrice     decimal.Decimal `json:"bid_price"`
	Payout       decimal.Decimal `json:"payout"`
	Profit       decimal.Decimal `json:"profit"`
	Duration     int             `json:"duration,omitempty"`
	DurationUnit string          `json:"duration_unit,omitempty"`
	DateExpiry   int64           `json:"date_expiry,omitempty"`
	Barrier      ID              `json:"barrier,omitempty"`
	Barrier2     ID              `json:"barrier2,omitempty"`
	Status       string          `json:"status"`
	IsSold       int             `json:"is_sold"`
}

type proposalOpenContractRequest struct {
	ProposalOpenContract int   `json:"proposal_open_contract"`
	ContractID           ID    `json:"contract_id"`
	ReqID                int64 `json:"req_id"`
}

type proposalOpenContractResponse struct {
	ProposalOpenContract *OpenContract `json:"proposal_open_contract"`
}

// BuyParameters describe the contract to purchase.
type BuyParameters struct {
	ContractType string          `json:"contract_type"`
	Symbol       string          `json:"symbol"`
	Basis        string          `json:"basis"`
	Amount       decimal.Decimal `json:"-"`
	Currency     string          `json:"currency"`
	Duration     int             `json:"duration,omitempty"`
	DurationUnit string          `json:"duration_unit,omitempty"`
	DateExpiry   int64           `json:"date_expiry,omitempty"`
	Barrier      string          `json:"barrier,omitempty"`
	Barrier2     string          `json:"barrier2,omitempty"`
}

// MarshalJSON writes Amount as a JSON number.
func (p BuyParameters) MarshalJSON() ([]byte, error) {
	type plain BuyParameters
	return json.Marshal(struct {
		plain
		Amount json.Number `json:"amount"`
	}{plain(p), number(p.Amount)})
}

// BuyRequest purchases a contract on the account authorized by Token.
type BuyRequest struct {
	Price      decimal.Decimal
	Parameters BuyParameters
	Token      string
}

type buyRequest struct {
	Buy        int           `json:"buy"`
	Price      json.Number   `json:"price"`
	Parameters BuyParameters `json:"parameters"`
	Authorize  string        `json:"authorize,omitempty"`
	ReqID      int64         `json:"req_id"`
}

// BuyReceipt is the payload of a successful buy.
type BuyReceipt struct {
	ContractID    ID              `json:"contract_id"`
	TransactionID ID              `json:"transaction_id"`
	BuyPrice      decimal.Decimal `json:"buy_price"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	Payout        decimal.Decimal `json:"payout"`
	Longcode      string          `json:"longcode"`
}

type buyResponse struct {
	Buy *BuyReceipt `json:"buy"`
}

// --- copy trading ---

// CopyTrader is an entry of copytrading_list.
type CopyTrader struct {
	LoginID string `json:"loginid"`
	Token   string `json:"token,omitempty"`
	Name    string `json:"name,omitempty"`
}

// CopytradingList lists traders and copiers of the authorized account.
type CopytradingList struct {
	Traders []CopyTrader `json:"traders"`
	Copiers []CopyTrader `json:"copiers"`
}

type copytradingListRequest struct {
	CopytradingList int   `json:"copytrading_list"`
	ReqID           int64 `json:"req_id"`
}

type copytradingListResponse struct {
	CopytradingList *CopytradingList `json:"copytrading_list"`
}

// CopytradingStatistics summarises a trader's historical performance.
type CopytradingStatistics struct {
	ActiveSince                 int64                      `json:"active_since"`
	AvgDuration                 int64                      `json:"avg_duration"`
	AvgLoss                     decimal.Decimal            `json:"avg_loss"`
	AvgProfit                   decimal.Decimal            `json:"avg_profit"`
	Copiers                     int                        `json:"copiers"`
	Last12MonthsProfitableTrade decimal.Decimal            `json:"last_12months_profitable_trades"`
	MonthlyProfitableTrades     map[string]decimal.Decimal `json:"monthly_profitable_trades"`
	PerformanceProbability      decimal.Decimal            `json:"performance_probability"`
	TotalTrades                 int                        `json:"total_trades"`
	TradesProfitable            decimal.Decimal            `json:"trades_profitable"`
	TotalProfit                 decimal.Decimal            `json:"total_profit"`
}

type copytradingStatisticsRequest struct {
	CopytradingStatistics int    `json:"copytrading_statistics"`
	TraderID              string `json:"trader_id"`
	ReqID                 int64  `json:"req_id"`
}

type copytradingStatisticsResponse struct {
	CopytradingStatistics *CopytradingStatistics `json:"copytrading_statistics"`
}

type copyStartRequest struct {
	CopyStart string `json:"copy_start"`
	ReqID     int64  `json:"req_id"`
}

type copyStopRequest struct {
	CopyStop string `json:"copy_stop"`
	ReqID    int64  `json:"req_id"`
}

type copyAckResponse struct {
	CopyStart int `json:"copy_start"`
	CopyStop  int `json:"copy_stop"`
}
