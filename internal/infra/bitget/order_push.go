package bitget

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"exec_core/internal/domain"
	"exec_core/internal/infra"
	"exec_core/pkg/quant"

	"github.com/gorilla/websocket"
)

// OrderPush streams private order updates using BaseWSWorker.
// Pushed reports complement polling; they never replace it.
type OrderPush struct {
	base        *infra.BaseWSWorker
	url         string
	productType string
	signer      *Signer
	onUpdate    func(domain.OrderReport)
}

// NewOrderPush factory.
func NewOrderPush(url, productType string, signer *Signer, onUpdate func(domain.OrderReport)) *OrderPush {
	w := &OrderPush{
		url:         url,
		productType: productType,
		signer:      signer,
		onUpdate:    onUpdate,
	}
	w.base = infra.NewBaseWSWorker(w)
	w.base.PingInterval = pingInterval
	w.base.ReadTimeout = readTimeout
	return w
}

func (w *OrderPush) ID() string     { return "BITGET_ORDERS" }
func (w *OrderPush) GetURL() string { return w.url }

// Start begins the connection loop.
func (w *OrderPush) Start(ctx context.Context) {
	w.base.Start(ctx)
}

// Stop terminates the connection loop.
func (w *OrderPush) Stop() {
	w.base.Stop()
}

// Connected reports whether the private channel is up.
func (w *OrderPush) Connected() bool {
	return w.base.Connected()
}

// OnConnect logs in and subscribes to the orders channel.
// The login ack is read synchronously so a bad key fails the connect.
func (w *OrderPush) OnConnect(ctx context.Context, conn *websocket.Conn) error {
	login, _ := json.Marshal(wsRequest{Op: "login", Args: []any{w.signer.LoginArgs()}})
	if err := conn.WriteMessage(websocket.TextMessage, login); err != nil {
		return err
	}

	_, msg, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	var ack wsEvent
	if err := json.Unmarshal(msg, &ack); err != nil {
		return err
	}
	if ack.Event == "error" || (ack.Event == "login" && ack.Code.String() != "0" && ack.Code.String() != "") {
		return errors.New("bitget ws login rejected: " + ack.Msg)
	}

	sub, _ := json.Marshal(wsRequest{Op: "subscribe", Args: []any{
		subscribeArg{InstType: w.productType, Channel: "orders", InstID: "default"},
	}})
	return conn.WriteMessage(websocket.TextMessage, sub)
}

func (w *OrderPush) OnMessage(ctx context.Context, msg []byte) {
	if string(msg) == "pong" {
		return
	}

	var ev wsEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		return
	}
	if ev.Event == "error" {
		slog.Warn("Bitget WS error", slog.String("code", ev.Code.String()), slog.String("msg", ev.Msg))
		return
	}
	if ev.Arg.Channel != "orders" || len(ev.Data) == 0 {
		return
	}

	var orders []wsOrder
	if err := json.Unmarshal(ev.Data, &orders); err != nil {
		slog.Warn("Bitget WS bad order payload", slog.Any("error", err))
		return
	}
	for _, o := range orders {
		w.onUpdate(domain.OrderReport{
			VenueOrderID:  o.OrderID,
			ClientOrderID: o.ClientOid,
			Symbol:        o.InstID,
			Side:          parseSide(o.Side),
			Status:        mapState(o.Status),
			Quantity:      quant.ParseOrZero(o.Size),
			FilledQty:     quant.ParseOrZero(o.AccBaseVolume),
			AvgPrice:      quant.ParseOrZero(o.PriceAvg),
			UpdatedAt:     parseMillis(o.UTime),
		})
	}
}

func (w *OrderPush) OnPing(ctx context.Context, conn *websocket.Conn) error {
	return conn.WriteMessage(websocket.TextMessage, []byte("ping"))
}

func (w *OrderPush) OnDisconnect(err error) {
	slog.Info("Bitget order push disconnected; polling continues", slog.Any("error", err))
}
