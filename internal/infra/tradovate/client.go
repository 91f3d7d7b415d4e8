package tradovate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
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

	"github.com/shopspring/decimal"
)

// Client is the Tradovate futures adapter. Tradovate has no client order id,
// so the idempotency-derived id rides in the order text and is found again by
// scanning order versions.
type Client struct {
	name       string
	account    string
	accountID  int64
	baseURL    string
	httpClient *http.Client
	tokens     *TokenManager
	capability domain.BrokerCapability

	mu        sync.Mutex
	contracts map[int64]string // contractId -> symbol
	symbols   map[string]int64
}

// NewClient creates a Tradovate client bound to one account.
func NewClient(name string, cfg infra.VenueConfig, isDemo bool) *Client {
	baseURL := cfg.RestURL
	if baseURL == "" {
		baseURL = LiveURL
		if isDemo {
			baseURL = DemoURL
		}
	}
	appID := cfg.AppID
	if appID == "" {
		appID = infra.AppName
	}

	rules := make(map[string]domain.SymbolRule, len(cfg.Symbols))
	for sym, r := range cfg.Symbols {
		rules[sym] = domain.SymbolRule{QtyStep: r.QtyStep, PriceTick: r.PriceTick, MinQty: r.MinQty}
	}

	return &Client{
		name:       name,
		account:    cfg.Account,
		accountID:  cfg.AccountID,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		tokens: NewTokenManager(authRequest{
			Name:       cfg.AccessKey,
			Password:   cfg.SecretKey,
			AppID:      appID,
			AppVersion: defaultAppVersion,
			CID:        cfg.CID,
			Sec:        cfg.Passphrase,
			DeviceID:   infra.AppName + "-" + cfg.Account,
		}, cfg.Token),
		capability: domain.BrokerCapability{
			Venue:               name,
			Futures:             true,
			ClientOrderIDScope:  domain.ScopeAccount,
			MaxClientOrderIDLen: maxTextLen,
			OrderTypes: []domain.OrderType{
				domain.OrderTypeMarket, domain.OrderTypeLimit,
				domain.OrderTypeStop, domain.OrderTypeStopLimit,
			},
			Symbols: rules,
			// Contracts trade in whole lots.
			DefaultRule:  domain.SymbolRule{QtyStep: decimal.NewFromInt(1), MinQty: decimal.NewFromInt(1)},
			QtyTolerance: cfg.QtyTolerance,
		},
		contracts: make(map[int64]string),
		symbols:   make(map[string]int64),
	}
}

// Name returns the configured venue name.
func (c *Client) Name() string { return c.name }

// Account returns the account this client trades for.
func (c *Client) Account() string { return c.account }

// Capability declares supported operations and symbol rules.
func (c *Client) Capability() domain.BrokerCapability { return c.capability }

// Connect authenticates and resolves the numeric account id.
func (c *Client) Connect(ctx context.Context) error {
	if c.tokens.creds.Name == "" {
		return domain.Fatal(c.name, "connect", errors.New("missing Tradovate credentials"))
	}
	if _, err := c.tokens.Token(ctx, c); err != nil {
		return err
	}
	if c.accountID == 0 {
		var accounts []account
		if err := c.do(ctx, http.MethodGet, pathAccountList, nil, nil, &accounts); err != nil {
			return err
		}
		if len(accounts) == 0 {
			return domain.Fatal(c.name, "connect", errors.New("no accounts found"))
		}
		c.accountID = accounts[0].ID
		for _, a := range accounts {
			if a.Name == c.account {
				c.accountID = a.ID
				break
			}
		}
	}
	slog.Info("Tradovate connected",
		slog.String("venue", c.name),
		slog.String("account", c.account),
		slog.Int64("account_id", c.accountID))
	return nil
}

// PlaceOrder submits an order tagged with clientOrderID in the order text.
func (c *Client) PlaceOrder(ctx context.Context, intent domain.OrderIntent, clientOrderID string) (domain.OrderReport, error) {
	// accountSpec is the login name, known once a token is held.
	if _, err := c.tokens.Token(ctx, c); err != nil {
		return domain.OrderReport{}, err
	}
	req := placeOrderRequest{
		AccountSpec: c.tokens.Username(),
		AccountID:   c.accountID,
		Action:      action(intent.Side),
		Symbol:      intent.Symbol,
		OrderQty:    intent.Quantity.IntPart(),
		Text:        clientOrderID,
		IsAutomated: true,
	}
	switch intent.Type {
	case domain.OrderTypeMarket:
		req.OrderType = "Market"
	case domain.OrderTypeLimit:
		req.OrderType = "Limit"
		req.Price = wirePrice(intent.LimitPrice)
	case domain.OrderTypeStop:
		req.OrderType = "Stop"
		req.StopPrice = wirePrice(intent.StopPrice)
	case domain.OrderTypeStopLimit:
		req.OrderType = "StopLimit"
		req.Price = wirePrice(intent.LimitPrice)
		req.StopPrice = wirePrice(intent.StopPrice)
	default:
		return domain.OrderReport{}, domain.Unsupported(c.name, "place_order", string(intent.Type))
	}

	var res commandResult
	if err := c.do(ctx, http.MethodPost, pathPlaceOrder, nil, req, &res); err != nil {
		return domain.OrderReport{}, err
	}
	if res.FailureReason != "" && res.FailureReason != "Success" {
		return domain.OrderReport{}, domain.Rejected(c.name, "placeorder", res.FailureReason, res.FailureText)
	}
	if res.OrderID == 0 {
		return domain.OrderReport{}, domain.Transient(c.name, "placeorder", errors.New("no order id in response"))
	}

	venueID := strconv.FormatInt(res.OrderID, 10)
	slog.Info("Tradovate order placed",
		slog.String("venue", c.name),
		slog.String("symbol", intent.Symbol),
		slog.String("order_id", venueID),
		slog.String("text", clientOrderID))

	return domain.OrderReport{
		VenueOrderID:  venueID,
		ClientOrderID: clientOrderID,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Status:        domain.VenueStatusNew,
		Quantity:      intent.Quantity,
		UpdatedAt:     time.Now(),
	}, nil
}

// CancelOrder cancels a working order.
func (c *Client) CancelOrder(ctx context.Context, symbol, venueOrderID string) error {
	id, err := strconv.ParseInt(venueOrderID, 10, 64)
	if err != nil {
		return domain.NewCallError(domain.KindInvalidIntent, c.name, "cancelorder", "bad order id "+venueOrderID, err)
	}
	var res commandResult
	if err := c.do(ctx, http.MethodPost, pathCancelOrder, nil, cancelOrderRequest{OrderID: id, IsAutomated: true}, &res); err != nil {
		return err
	}
	if res.FailureReason != "" && res.FailureReason != "Success" {
		return domain.Rejected(c.name, "cancelorder", res.FailureReason, res.FailureText)
	}
	return nil
}

// GetOrderStatus assembles a report from the order, its latest version and its fills.
func (c *Client) GetOrderStatus(ctx context.Context, symbol, venueOrderID string) (domain.OrderReport, error) {
	id, err := strconv.ParseInt(venueOrderID, 10, 64)
	if err != nil {
		return domain.OrderReport{}, domain.NewCallError(domain.KindNotFound, c.name, "order", "bad order id "+venueOrderID, err)
	}

	var o order
	if err := c.do(ctx, http.MethodGet, pathOrderItem, url.Values{"id": {venueOrderID}}, nil, &o); err != nil {
		return domain.OrderReport{}, err
	}
	if o.ID == 0 {
		return domain.OrderReport{}, domain.NewCallError(domain.KindNotFound, c.name, "order", venueOrderID, nil)
	}

	var versions []orderVersion
	master := url.Values{"masterid": {venueOrderID}}
	if err := c.do(ctx, http.MethodGet, pathVersionDeps, master, nil, &versions); err != nil {
		return domain.OrderReport{}, err
	}
	var fills []fill
	if err := c.do(ctx, http.MethodGet, pathFillDeps, master, nil, &fills); err != nil {
		return domain.OrderReport{}, err
	}

	rep := domain.OrderReport{
		VenueOrderID: venueOrderID,
		Symbol:       symbol,
		Side:         parseAction(o.Action),
		Status:       mapStatus(o.OrdStatus),
		UpdatedAt:    o.Timestamp,
	}
	if rep.Symbol == "" {
		rep.Symbol, _ = c.contractName(ctx, o.ContractID)
	}
	var latest int64
	for _, v := range versions {
		if v.OrderID == id && v.ID >= latest {
			latest = v.ID
			rep.Quantity = v.OrderQty
			rep.ClientOrderID = v.Text
		}
	}

	notional := decimal.Zero
	for _, f := range fills {
		if !f.Active || f.OrderID != id {
			continue
		}
		rep.FilledQty = rep.FilledQty.Add(f.Qty)
		notional = notional.Add(f.Qty.Mul(f.Price))
		if f.Timestamp.After(rep.UpdatedAt) {
			rep.UpdatedAt = f.Timestamp
		}
	}
	if rep.FilledQty.IsPositive() {
		rep.AvgPrice = notional.Div(rep.FilledQty)
		if rep.Status == domain.VenueStatusNew && rep.FilledQty.LessThan(rep.Quantity) {
			rep.Status = domain.VenueStatusPartiallyFilled
		}
	}
	return rep, nil
}

// GetOrderByClientID scans order versions for a matching text tag.
// Returns NotFound when no order carries the tag.
func (c *Client) GetOrderByClientID(ctx context.Context, symbol, clientOrderID string) (domain.OrderReport, error) {
	var versions []orderVersion
	if err := c.do(ctx, http.MethodGet, pathVersionList, nil, nil, &versions); err != nil {
		return domain.OrderReport{}, err
	}
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].Text == clientOrderID {
			return c.GetOrderStatus(ctx, symbol, strconv.FormatInt(versions[i].OrderID, 10))
		}
	}
	return domain.OrderReport{}, domain.NewCallError(domain.KindNotFound, c.name, "order_by_text", clientOrderID, nil)
}

// GetBalance reads the cash balance snapshot.
func (c *Client) GetBalance(ctx context.Context) (domain.Balance, error) {
	var snap cashSnapshot
	if err := c.do(ctx, http.MethodPost, pathCashSnapshot, nil, cashSnapshotRequest{AccountID: c.accountID}, &snap); err != nil {
		return domain.Balance{}, err
	}
	if snap.ErrorText != "" {
		return domain.Balance{}, domain.Rejected(c.name, "cash_balance", "", snap.ErrorText)
	}
	equity := snap.NetLiq
	if equity.IsZero() {
		equity = snap.TotalCashValue.Add(snap.OpenPnL)
	}
	return domain.Balance{
		Account:       c.account,
		Venue:         c.name,
		Currency:      "USD",
		WalletBalance: snap.TotalCashValue,
		Available:     decimal.Max(decimal.Zero, equity.Sub(snap.InitialMargin)),
		UsedMargin:    snap.InitialMargin,
		UnrealizedPnL: snap.OpenPnL,
		UpdatedAt:     time.Now(),
	}, nil
}

// GetPositions returns non-flat positions for the bound account.
func (c *Client) GetPositions(ctx context.Context) ([]domain.Position, error) {
	var raw []position
	if err := c.do(ctx, http.MethodGet, pathPositionList, nil, nil, &raw); err != nil {
		return nil, err
	}
	out := make([]domain.Position, 0, len(raw))
	for _, p := range raw {
		if p.AccountID != c.accountID || p.NetPos.IsZero() {
			continue
		}
		sym, err := c.contractName(ctx, p.ContractID)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.Position{
			Account:       c.account,
			Venue:         c.name,
			Symbol:        sym,
			NetQty:        p.NetPos,
			AvgEntryPrice: p.NetPrice,
			UpdatedAt:     p.Timestamp,
		})
	}
	return out, nil
}

// SetLeverage is not a Tradovate concept; margin is set per contract by the exchange.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage decimal.Decimal) error {
	return domain.Unsupported(c.name, "set_leverage", "leverage")
}

// GetCurrentPrice is unsupported: Tradovate quotes are only on the market data socket.
func (c *Client) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.Zero, domain.Unsupported(c.name, "price", "rest quotes")
}

// ClosePosition flattens a contract with liquidateposition.
func (c *Client) ClosePosition(ctx context.Context, symbol string) error {
	contractID, err := c.contractID(ctx, symbol)
	if err != nil {
		return err
	}
	var res commandResult
	req := liquidateRequest{AccountID: c.accountID, ContractID: contractID, IsAutomated: true}
	if err := c.do(ctx, http.MethodPost, pathLiquidate, nil, req, &res); err != nil {
		return err
	}
	if res.FailureReason != "" && res.FailureReason != "Success" {
		return domain.Rejected(c.name, "liquidateposition", res.FailureReason, res.FailureText)
	}
	return nil
}

// Close wipes credentials.
func (c *Client) Close() error {
	c.tokens.Wipe()
	return nil
}

func (c *Client) contractName(ctx context.Context, id int64) (string, error) {
	c.mu.Lock()
	name, ok := c.contracts[id]
	c.mu.Unlock()
	if ok {
		return name, nil
	}
	var ct contract
	if err := c.do(ctx, http.MethodGet, pathContractItem, url.Values{"id": {strconv.FormatInt(id, 10)}}, nil, &ct); err != nil {
		return "", err
	}
	c.remember(ct)
	return ct.Name, nil
}

func (c *Client) contractID(ctx context.Context, symbol string) (int64, error) {
	c.mu.Lock()
	id, ok := c.symbols[symbol]
	c.mu.Unlock()
	if ok {
		return id, nil
	}
	var ct contract
	if err := c.do(ctx, http.MethodGet, pathContractFind, url.Values{"name": {symbol}}, nil, &ct); err != nil {
		return 0, err
	}
	if ct.ID == 0 {
		return 0, domain.NewCallError(domain.KindNotFound, c.name, "contract", symbol, nil)
	}
	c.remember(ct)
	return ct.ID, nil
}

func (c *Client) remember(ct contract) {
	c.mu.Lock()
	c.contracts[ct.ID] = ct.Name
	c.symbols[ct.Name] = ct.ID
	c.mu.Unlock()
}

// do performs an authenticated call. A 401 drops the token so the retry
// layer's next attempt re-authenticates.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	token, err := c.tokens.Token(ctx, c)
	if err != nil {
		return err
	}
	err = c.send(ctx, method, path, query, body, token, out)
	var ce *domain.CallError
	if errors.As(err, &ce) && ce.Code == "401" {
		c.tokens.Invalidate()
	}
	return err
}

// send performs one HTTP exchange and maps the outcome onto the error taxonomy.
func (c *Client) send(ctx context.Context, method, path string, query url.Values, body any, token string, out any) error {
	op := path[strings.LastIndex(path, "/")+1:]

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return domain.Fatal(c.name, op, err)
		}
		reader = bytes.NewReader(b)
	}
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return domain.Fatal(c.name, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", infra.GetUserAgent())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

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

	code := strconv.Itoa(resp.StatusCode)
	msg := string(raw)
	if len(msg) > 256 {
		msg = msg[:256]
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return &domain.CallError{Kind: domain.KindTransient, Venue: c.name, Op: op, Code: code, Msg: "token rejected"}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &domain.CallError{Kind: domain.KindTransient, Venue: c.name, Op: op, Code: code, Msg: msg}
	case resp.StatusCode == http.StatusForbidden:
		return &domain.CallError{Kind: domain.KindFatal, Venue: c.name, Op: op, Code: code, Msg: msg}
	case resp.StatusCode == http.StatusNotFound:
		return &domain.CallError{Kind: domain.KindNotFound, Venue: c.name, Op: op, Code: code, Msg: msg}
	case resp.StatusCode >= 400:
		return domain.Rejected(c.name, op, code, msg)
	}

	if out == nil || len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return domain.Fatal(c.name, op, fmt.Errorf("decode: %w", err))
	}
	return nil
}

func action(s domain.Side) string {
	if s == domain.SideSell {
		return "Sell"
	}
	return "Buy"
}

func parseAction(s string) domain.Side {
	if strings.EqualFold(s, "sell") {
		return domain.SideSell
	}
	return domain.SideBuy
}

func mapStatus(s string) domain.VenueStatus {
	switch s {
	case "PendingNew", "Working", "PendingReplace", "PendingCancel", "Suspended":
		return domain.VenueStatusNew
	case "Completed", "Filled":
		return domain.VenueStatusFilled
	case "Canceled", "Cancelled":
		return domain.VenueStatusCancelled
	case "Rejected":
		return domain.VenueStatusRejected
	case "Expired":
		return domain.VenueStatusExpired
	default:
		return domain.VenueStatusUnknown
	}
}
