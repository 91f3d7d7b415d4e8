package bitget

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"exec_core/internal/domain"
	"exec_core/internal/infra"
	"exec_core/pkg/quant"

	"github.com/shopspring/decimal"
)

// authCodes are Bitget error codes for key/sign/permission problems.
var authCodes = map[string]bool{
	"40001": true, "40002": true, "40003": true, "40005": true, "40006": true,
	"40008": true, "40009": true, "40011": true, "40012": true, "40014": true,
}

// notFoundCodes are returned when an order id or clientOid is unknown.
var notFoundCodes = map[string]bool{"40109": true, "40768": true}

// Client is the Bitget USDT-M futures adapter. It is bound to one account and
// forwards the idempotency-derived id as the native clientOid.
type Client struct {
	name        string
	account     string
	baseURL     string
	wsURL       string
	productType string
	marginCoin  string
	isTestnet   bool
	signer      *Signer
	httpClient  *http.Client
	capability  domain.BrokerCapability

	mu       sync.Mutex
	push     *OrderPush
	onUpdate func(domain.OrderReport)
}

// NewClient creates a new Bitget REST client.
func NewClient(name string, cfg infra.VenueConfig, isTestnet bool) *Client {
	baseURL := cfg.RestURL
	if baseURL == "" {
		baseURL = MainnetURL
	}
	productType := cfg.ProductType
	if productType == "" {
		productType = defaultProductType
		if isTestnet {
			productType = demoProductType
		}
	}
	marginCoin := cfg.MarginCoin
	if marginCoin == "" {
		marginCoin = defaultMarginCoin
	}

	rules := make(map[string]domain.SymbolRule, len(cfg.Symbols))
	for sym, r := range cfg.Symbols {
		rules[sym] = domain.SymbolRule{QtyStep: r.QtyStep, PriceTick: r.PriceTick, MinQty: r.MinQty}
	}

	return &Client{
		name:        name,
		account:     cfg.Account,
		baseURL:     strings.TrimRight(baseURL, "/"),
		wsURL:       cfg.WSURL,
		productType: productType,
		marginCoin:  marginCoin,
		isTestnet:   isTestnet,
		signer:      NewSigner(cfg.AccessKey, cfg.SecretKey, cfg.Passphrase, isTestnet),
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		capability: domain.BrokerCapability{
			Venue:               name,
			Futures:             true,
			Leverage:            true,
			NativeClientOrderID: true,
			ClientOrderIDScope:  domain.ScopeSymbol,
			MaxClientOrderIDLen: maxClientOidLen,
			OrderTypes:          []domain.OrderType{domain.OrderTypeMarket, domain.OrderTypeLimit},
			Symbols:             rules,
			QtyTolerance:        cfg.QtyTolerance,
		},
	}
}

// Name returns the configured venue name.
func (c *Client) Name() string { return c.name }

// Account returns the account this client trades for.
func (c *Client) Account() string { return c.account }

// Capability declares supported operations and symbol rules.
func (c *Client) Capability() domain.BrokerCapability { return c.capability }

// SetOrderUpdateHandler registers the receiver of pushed order updates.
// Must be called before Connect.
func (c *Client) SetOrderUpdateHandler(fn func(domain.OrderReport)) {
	c.mu.Lock()
	c.onUpdate = fn
	c.mu.Unlock()
}

// Connect verifies credentials and starts the private order channel when a
// WS URL is configured.
func (c *Client) Connect(ctx context.Context) error {
	if len(c.signer.accessKey) == 0 || len(c.signer.secretKey) == 0 {
		return domain.Fatal(c.name, "connect", fmt.Errorf("missing API credentials"))
	}
	var accounts []accountData
	if err := c.do(ctx, http.MethodGet, pathAccounts, url.Values{"productType": {c.productType}}, nil, &accounts); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wsURL != "" && c.onUpdate != nil && c.push == nil {
		c.push = NewOrderPush(c.wsURL, c.productType, c.signer, c.onUpdate)
		c.push.Start(context.WithoutCancel(ctx))
	}

	mode := "REAL"
	if c.isTestnet {
		mode = "DEMO"
	}
	slog.Info("Bitget connected",
		slog.String("venue", c.name),
		slog.String("mode", mode),
		slog.String("product_type", c.productType),
		slog.Bool("push", c.push != nil))
	return nil
}

// PushActive reports whether pushed order updates are flowing.
func (c *Client) PushActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.push != nil && c.push.Connected()
}

// PlaceOrder submits an order. The intent must already be normalized.
func (c *Client) PlaceOrder(ctx context.Context, intent domain.OrderIntent, clientOrderID string) (domain.OrderReport, error) {
	req := placeOrderRequest{
		Symbol:      intent.Symbol,
		ProductType: c.productType,
		MarginMode:  "crossed",
		MarginCoin:  c.marginCoin,
		Size:        intent.Quantity.String(),
		Side:        strings.ToLower(string(intent.Side)),
		ClientOid:   clientOrderID,
	}
	switch intent.Type {
	case domain.OrderTypeLimit:
		req.OrderType = "limit"
		req.Force = "gtc"
		req.Price = intent.LimitPrice.String()
	case domain.OrderTypeMarket:
		req.OrderType = "market"
	default:
		return domain.OrderReport{}, domain.Unsupported(c.name, "place_order", string(intent.Type))
	}
	if intent.ReduceOnly {
		req.ReduceOnly = "YES"
	}

	var data placeOrderData
	if err := c.do(ctx, http.MethodPost, pathPlaceOrder, nil, req, &data); err != nil {
		return domain.OrderReport{}, err
	}

	slog.Info("Bitget order placed",
		slog.String("venue", c.name),
		slog.String("symbol", intent.Symbol),
		slog.String("order_id", data.OrderID),
		slog.String("client_oid", data.ClientOid))

	return domain.OrderReport{
		VenueOrderID:  data.OrderID,
		ClientOrderID: clientOrderID,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Status:        domain.VenueStatusNew,
		Quantity:      intent.Quantity,
		UpdatedAt:     time.Now(),
	}, nil
}

// CancelOrder cancels an order on Bitget.
func (c *Client) CancelOrder(ctx context.Context, symbol, venueOrderID string) error {
	req := cancelOrderRequest{
		Symbol:      symbol,
		ProductType: c.productType,
		MarginCoin:  c.marginCoin,
		OrderID:     venueOrderID,
	}
	return c.do(ctx, http.MethodPost, pathCancelOrder, nil, req, nil)
}

// GetOrderStatus fetches an order by venue id.
func (c *Client) GetOrderStatus(ctx context.Context, symbol, venueOrderID string) (domain.OrderReport, error) {
	return c.orderDetail(ctx, url.Values{
		"symbol":      {symbol},
		"productType": {c.productType},
		"orderId":     {venueOrderID},
	})
}

// GetOrderByClientID fetches an order by clientOid. Returns NotFound when absent.
func (c *Client) GetOrderByClientID(ctx context.Context, symbol, clientOrderID string) (domain.OrderReport, error) {
	return c.orderDetail(ctx, url.Values{
		"symbol":      {symbol},
		"productType": {c.productType},
		"clientOid":   {clientOrderID},
	})
}

func (c *Client) orderDetail(ctx context.Context, q url.Values) (domain.OrderReport, error) {
	var d orderDetail
	if err := c.do(ctx, http.MethodGet, pathOrderDetail, q, nil, &d); err != nil {
		return domain.OrderReport{}, err
	}
	if d.OrderID == "" {
		return domain.OrderReport{}, domain.NewCallError(domain.KindNotFound, c.name, "order_detail", "empty order", nil)
	}
	return domain.OrderReport{
		VenueOrderID:  d.OrderID,
		ClientOrderID: d.ClientOid,
		Symbol:        d.Symbol,
		Side:          parseSide(d.Side),
		Status:        mapState(d.State),
		Quantity:      quant.ParseOrZero(d.Size),
		FilledQty:     quant.ParseOrZero(d.BaseVolume),
		AvgPrice:      quant.ParseOrZero(d.PriceAvg),
		UpdatedAt:     parseMillis(d.UTime),
	}, nil
}

// GetBalance returns the margin-coin account.
func (c *Client) GetBalance(ctx context.Context) (domain.Balance, error) {
	var accounts []accountData
	if err := c.do(ctx, http.MethodGet, pathAccounts, url.Values{"productType": {c.productType}}, nil, &accounts); err != nil {
		return domain.Balance{}, err
	}

	for _, a := range accounts {
		if !strings.EqualFold(a.MarginCoin, c.marginCoin) {
			continue
		}
		equity := quant.ParseOrZero(a.AccountEquity)
		unrealized := quant.ParseOrZero(a.UnrealizedPL)
		available := quant.ParseOrZero(a.Available)
		used := quant.ParseOrZero(a.CrossedMargin)
		if used.IsZero() {
			used = decimal.Max(decimal.Zero, equity.Sub(available))
		}
		return domain.Balance{
			Account:       c.account,
			Venue:         c.name,
			Currency:      a.MarginCoin,
			WalletBalance: equity.Sub(unrealized),
			Available:     available,
			UsedMargin:    used,
			UnrealizedPnL: unrealized,
			UpdatedAt:     time.Now(),
		}, nil
	}
	return domain.Balance{}, domain.NewCallError(domain.KindNotFound, c.name, "balance",
		"no account for margin coin "+c.marginCoin, nil)
}

// GetPositions returns all open positions.
func (c *Client) GetPositions(ctx context.Context) ([]domain.Position, error) {
	var raw []positionData
	q := url.Values{"productType": {c.productType}, "marginCoin": {c.marginCoin}}
	if err := c.do(ctx, http.MethodGet, pathAllPositions, q, nil, &raw); err != nil {
		return nil, err
	}

	out := make([]domain.Position, 0, len(raw))
	for _, p := range raw {
		qty := quant.ParseOrZero(p.Total)
		if p.HoldSide == "short" {
			qty = qty.Neg()
		}
		out = append(out, domain.Position{
			Account:          c.account,
			Venue:            c.name,
			Symbol:           p.Symbol,
			NetQty:           qty,
			AvgEntryPrice:    quant.ParseOrZero(p.OpenPriceAvg),
			MarkPrice:        quant.ParseOrZero(p.MarkPrice),
			UnrealizedPnL:    quant.ParseOrZero(p.UnrealizedPL),
			RealizedPnL:      quant.ParseOrZero(p.AchievedProfits),
			Leverage:         quant.ParseOrZero(p.Leverage),
			LiquidationPrice: quant.ParseOrZero(p.LiquidationPrice),
			UpdatedAt:        parseMillis(p.UTime),
		})
	}
	return out, nil
}

// SetLeverage sets leverage for a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage decimal.Decimal) error {
	req := setLeverageRequest{
		Symbol:      symbol,
		ProductType: c.productType,
		MarginCoin:  c.marginCoin,
		Leverage:    leverage.String(),
	}
	return c.do(ctx, http.MethodPost, pathSetLeverage, nil, req, nil)
}

// GetCurrentPrice returns the last traded price.
func (c *Client) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var tickers []tickerData
	q := url.Values{"symbol": {symbol}, "productType": {c.productType}}
	if err := c.do(ctx, http.MethodGet, pathTicker, q, nil, &tickers); err != nil {
		return decimal.Zero, err
	}
	if len(tickers) == 0 {
		return decimal.Zero, domain.NewCallError(domain.KindNotFound, c.name, "ticker", symbol, nil)
	}
	px, err := quant.ParseDecimal(tickers[0].LastPr)
	if err != nil || !px.IsPositive() {
		return decimal.Zero, domain.Transient(c.name, "ticker", fmt.Errorf("bad price %q", tickers[0].LastPr))
	}
	return px, nil
}

// ClosePosition flattens a symbol with Bitget's market close endpoint.
func (c *Client) ClosePosition(ctx context.Context, symbol string) error {
	req := closePositionsRequest{Symbol: symbol, ProductType: c.productType}
	return c.do(ctx, http.MethodPost, pathClosePositions, nil, req, nil)
}

// Close stops the push channel and wipes the API keys.
func (c *Client) Close() error {
	c.mu.Lock()
	push := c.push
	c.push = nil
	c.mu.Unlock()
	if push != nil {
		push.Stop()
	}
	c.signer.Wipe()
	return nil
}

// do performs a signed request and decodes the data field into out.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	op := opName(path)

	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return domain.Fatal(c.name, op, err)
		}
		payload = b
	}

	rawQuery := ""
	if len(query) > 0 {
		rawQuery = query.Encode()
	}
	target := c.baseURL + path
	if rawQuery != "" {
		target += "?" + rawQuery
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
	if err != nil {
		return domain.Fatal(c.name, op, err)
	}
	for k, v := range c.signer.GenerateHeaders(method, path, rawQuery, string(payload)) {
		req.Header.Set(k, v)
	}
	req.Header.Set("User-Agent", infra.GetUserAgent())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return domain.Transient(c.name, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return domain.Transient(c.name, op, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return domain.Transient(c.name, op, fmt.Errorf("http %d: %s", resp.StatusCode, truncate(raw)))
	}

	var env apiResponse
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 400 {
			return c.classify(op, strconv.Itoa(resp.StatusCode), string(truncate(raw)), resp.StatusCode)
		}
		return domain.Transient(c.name, op, fmt.Errorf("decode envelope: %w", err))
	}
	if env.Code != codeOK {
		return c.classify(op, env.Code, env.Msg, resp.StatusCode)
	}

	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return domain.Fatal(c.name, op, fmt.Errorf("decode data: %w", err))
	}
	return nil
}

func (c *Client) classify(op, code, msg string, status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden || authCodes[code]:
		return &domain.CallError{Kind: domain.KindFatal, Venue: c.name, Op: op, Code: code, Msg: msg}
	case notFoundCodes[code]:
		return &domain.CallError{Kind: domain.KindNotFound, Venue: c.name, Op: op, Code: code, Msg: msg}
	case code == "429":
		return &domain.CallError{Kind: domain.KindTransient, Venue: c.name, Op: op, Code: code, Msg: msg}
	default:
		return domain.Rejected(c.name, op, code, msg)
	}
}

func opName(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}

func mapState(s string) domain.VenueStatus {
	switch strings.ToLower(s) {
	case "live", "new", "init":
		return domain.VenueStatusNew
	case "partially_filled", "partial-fill":
		return domain.VenueStatusPartiallyFilled
	case "filled", "full-fill":
		return domain.VenueStatusFilled
	case "canceled", "cancelled":
		return domain.VenueStatusCancelled
	default:
		return domain.VenueStatusUnknown
	}
}

func parseSide(s string) domain.Side {
	if strings.EqualFold(s, "sell") {
		return domain.SideSell
	}
	return domain.SideBuy
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}

func truncate(b []byte) []byte {
	if len(b) > 256 {
		return b[:256]
	}
	return b
}
