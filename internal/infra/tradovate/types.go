package tradovate

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const (
	LiveURL = "https://live.tradovateapi.com"
	DemoURL = "https://demo.tradovateapi.com"

	pathAuth          = "/v1/auth/accesstokenrequest"
	pathRenew         = "/v1/auth/renewaccesstoken"
	pathAccountList   = "/v1/account/list"
	pathPlaceOrder    = "/v1/order/placeorder"
	pathCancelOrder   = "/v1/order/cancelorder"
	pathLiquidate     = "/v1/order/liquidateposition"
	pathOrderItem     = "/v1/order/item"
	pathVersionList   = "/v1/orderVersion/list"
	pathVersionDeps   = "/v1/orderVersion/deps"
	pathFillDeps      = "/v1/fill/deps"
	pathPositionList  = "/v1/position/list"
	pathContractItem  = "/v1/contract/item"
	pathContractFind  = "/v1/contract/find"
	pathCashSnapshot  = "/v1/cashBalance/getcashbalancesnapshot"
	defaultAppVersion = "1.0"

	// order text limit; used to carry the client order id.
	maxTextLen = 64

	// renew this long before the token expires.
	renewBefore = 10 * time.Minute
)

type authRequest struct {
	Name       string `json:"name"`
	Password   string `json:"password"`
	AppID      string `json:"appId"`
	AppVersion string `json:"appVersion"`
	CID        int64  `json:"cid,omitempty"`
	Sec        string `json:"sec,omitempty"`
	DeviceID   string `json:"deviceId,omitempty"`
}

type authResponse struct {
	ErrorText      string    `json:"errorText"`
	AccessToken    string    `json:"accessToken"`
	ExpirationTime time.Time `json:"expirationTime"`
	UserID         int64     `json:"userId"`
	Name           string    `json:"name"`
}

// wirePrice renders a decimal exactly as a JSON number.
func wirePrice(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}

type account struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

type placeOrderRequest struct {
	AccountSpec string      `json:"accountSpec"`
	AccountID   int64       `json:"accountId"`
	Action      string      `json:"action"` // Buy | Sell
	Symbol      string      `json:"symbol"`
	OrderQty    int64       `json:"orderQty"`
	OrderType   string      `json:"orderType"` // Market | Limit | Stop | StopLimit
	Price       json.Number `json:"price,omitempty"`
	StopPrice   json.Number `json:"stopPrice,omitempty"`
	Text        string      `json:"text,omitempty"`
	IsAutomated bool        `json:"isAutomated"`
}

type commandResult struct {
	OrderID       int64  `json:"orderId"`
	FailureReason string `json:"failureReason"`
	FailureText   string `json:"failureText"`
}

type cancelOrderRequest struct {
	OrderID     int64 `json:"orderId"`
	IsAutomated bool  `json:"isAutomated"`
}

type liquidateRequest struct {
	AccountID   int64 `json:"accountId"`
	ContractID  int64 `json:"contractId"`
	Admin       bool  `json:"admin"`
	IsAutomated bool  `json:"isAutomated"`
}

type order struct {
	ID         int64     `json:"id"`
	AccountID  int64     `json:"accountId"`
	ContractID int64     `json:"contractId"`
	Timestamp  time.Time `json:"timestamp"`
	Action     string    `json:"action"`
	OrdStatus  string    `json:"ordStatus"`
}

type orderVersion struct {
	ID        int64           `json:"id"`
	OrderID   int64           `json:"orderId"`
	OrderQty  decimal.Decimal `json:"orderQty"`
	OrderType string          `json:"orderType"`
	Price     decimal.Decimal `json:"price"`
	Text      string          `json:"text"`
}

type fill struct {
	ID        int64           `json:"id"`
	OrderID   int64           `json:"orderId"`
	Qty       decimal.Decimal `json:"qty"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
	Active    bool            `json:"active"`
}

type position struct {
	ID         int64           `json:"id"`
	AccountID  int64           `json:"accountId"`
	ContractID int64           `json:"contractId"`
	NetPos     decimal.Decimal `json:"netPos"`
	NetPrice   decimal.Decimal `json:"netPrice"`
	Timestamp  time.Time       `json:"timestamp"`
}

type contract struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type cashSnapshotRequest struct {
	AccountID int64 `json:"accountId"`
}

type cashSnapshot struct {
	ErrorText      string          `json:"errorText"`
	TotalCashValue decimal.Decimal `json:"totalCashValue"`
	NetLiq         decimal.Decimal `json:"netLiq"`
	InitialMargin  decimal.Decimal `json:"initialMargin"`
	OpenPnL        decimal.Decimal `json:"openPnL"`
	RealizedPnL    decimal.Decimal `json:"realizedPnL"`
}
