package bitget

import (
	"encoding/json"
	"time"
)

const (
	MainnetURL   = "https://api.bitget.com"
	PrivateWSURL = "wss://ws.bitget.com/v2/ws/private"

	pathPlaceOrder     = "/api/v2/mix/order/place-order"
	pathCancelOrder    = "/api/v2/mix/order/cancel-order"
	pathOrderDetail    = "/api/v2/mix/order/detail"
	pathClosePositions = "/api/v2/mix/order/close-positions"
	pathAccounts       = "/api/v2/mix/account/accounts"
	pathSetLeverage    = "/api/v2/mix/account/set-leverage"
	pathAllPositions   = "/api/v2/mix/position/all-position"
	pathTicker         = "/api/v2/mix/market/ticker"

	codeOK = "00000"

	defaultProductType = "USDT-FUTURES"
	demoProductType    = "SUSDT-FUTURES"
	defaultMarginCoin  = "USDT"

	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second

	// clientOid length limit on the mix API.
	maxClientOidLen = 50
)

// apiResponse is the common REST envelope.
type apiResponse struct {
	Code        string          `json:"code"`
	Msg         string          `json:"msg"`
	RequestTime int64           `json:"requestTime"`
	Data        json.RawMessage `json:"data"`
}

type placeOrderRequest struct {
	Symbol      string `json:"symbol"`
	ProductType string `json:"productType"`
	MarginMode  string `json:"marginMode"`
	MarginCoin  string `json:"marginCoin"`
	Size        string `json:"size"`
	Price       string `json:"price,omitempty"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Force       string `json:"force,omitempty"`
	ClientOid   string `json:"clientOid,omitempty"`
	ReduceOnly  string `json:"reduceOnly,omitempty"`
}

type placeOrderData struct {
	OrderID   string `json:"orderId"`
	ClientOid string `json:"clientOid"`
}

type cancelOrderRequest struct {
	Symbol      string `json:"symbol"`
	ProductType string `json:"productType"`
	MarginCoin  string `json:"marginCoin,omitempty"`
	OrderID     string `json:"orderId,omitempty"`
	ClientOid   string `json:"clientOid,omitempty"`
}

type orderDetail struct {
	Symbol     string `json:"symbol"`
	Size       string `json:"size"`
	OrderID    string `json:"orderId"`
	ClientOid  string `json:"clientOid"`
	BaseVolume string `json:"baseVolume"` // filled qty
	PriceAvg   string `json:"priceAvg"`
	Price      string `json:"price"`
	State      string `json:"state"` // live | partially_filled | filled | canceled
	Side       string `json:"side"`
	OrderType  string `json:"orderType"`
	UTime      string `json:"uTime"`
}

type accountData struct {
	MarginCoin    string `json:"marginCoin"`
	Locked        string `json:"locked"`
	Available     string `json:"available"`
	AccountEquity string `json:"accountEquity"`
	UsdtEquity    string `json:"usdtEquity"`
	UnrealizedPL  string `json:"unrealizedPL"`
	CrossedMargin string `json:"crossedMargin"`
}

type positionData struct {
	Symbol           string `json:"symbol"`
	MarginCoin       string `json:"marginCoin"`
	HoldSide         string `json:"holdSide"` // long | short
	Total            string `json:"total"`
	OpenPriceAvg     string `json:"openPriceAvg"`
	MarkPrice        string `json:"markPrice"`
	UnrealizedPL     string `json:"unrealizedPL"`
	AchievedProfits  string `json:"achievedProfits"`
	Leverage         string `json:"leverage"`
	LiquidationPrice string `json:"liquidationPrice"`
	MarginSize       string `json:"marginSize"`
	UTime            string `json:"uTime"`
}

type setLeverageRequest struct {
	Symbol      string `json:"symbol"`
	ProductType string `json:"productType"`
	MarginCoin  string `json:"marginCoin"`
	Leverage    string `json:"leverage"`
}

type closePositionsRequest struct {
	Symbol      string `json:"symbol"`
	ProductType string `json:"productType"`
}

type tickerData struct {
	Symbol    string `json:"symbol"`
	LastPr    string `json:"lastPr"`
	MarkPrice string `json:"markPrice"`
}

// WebSocket wire types.

type wsRequest struct {
	Op   string `json:"op"`
	Args []any  `json:"args"`
}

type loginArg struct {
	APIKey     string `json:"apiKey"`
	Passphrase string `json:"passphrase"`
	Timestamp  string `json:"timestamp"`
	Sign       string `json:"sign"`
}

type subscribeArg struct {
	InstType string `json:"instType"`
	Channel  string `json:"channel"`
	InstID   string `json:"instId"`
}

type wsEvent struct {
	Event  string          `json:"event"` // login | subscribe | error
	Code   json.Number     `json:"code"`
	Msg    string          `json:"msg"`
	Action string          `json:"action"` // snapshot | update
	Arg    subscribeArg    `json:"arg"`
	Data   json.RawMessage `json:"data"`
}

type wsOrder struct {
	OrderID       string `json:"orderId"`
	ClientOid     string `json:"clientOid"`
	InstID        string `json:"instId"`
	Size          string `json:"size"`
	AccBaseVolume string `json:"accBaseVolume"`
	PriceAvg      string `json:"priceAvg"`
	Status        string `json:"status"`
	Side          string `json:"side"`
	UTime         string `json:"uTime"`
}
