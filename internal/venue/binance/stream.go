package binance

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"funding_arb/internal/core"
	"funding_arb/pkg/websocket"
)

// listenKeyKeepalive is how often the user-data listen key is refreshed.
// Binance expires idle keys after 60 minutes.
const listenKeyKeepalive = 30 * time.Minute

// startUserStream opens the user-data websocket and keeps the listen key
// alive until Stop is called.
func (v *Venue) startUserStream(ctx context.Context) error {
	key, err := v.createListenKey(ctx)
	if err != nil {
		return err
	}

	v.streamMu.Lock()
	defer v.streamMu.Unlock()

	streamCtx, cancel := context.WithCancel(context.Background())
	v.streamCancel = cancel
	v.stream = websocket.NewClient(v.wsURL+"/ws/"+key, v.handleStreamMessage, v.Logger())
	v.stream.Start()

	v.streamWG.Add(1)
	go v.keepListenKeyAlive(streamCtx)

	v.Logger().Info("User data stream started")
	return nil
}

// Stop tears down the user-data stream and releases the listen key.
func (v *Venue) Stop() {
	v.streamMu.Lock()
	stream := v.stream
	cancel := v.streamCancel
	v.stream = nil
	v.streamCancel = nil
	v.streamMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stream != nil {
		stream.Stop()
	}
	v.streamWG.Wait()

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if _, err := v.keyed.Delete(ctx, "/fapi/v1/listenKey", nil); err != nil {
		v.Logger().Warn("Listen key release failed", "error", err)
	}
}

func (v *Venue) createListenKey(ctx context.Context) (string, error) {
	var resp listenKeyResponse
	err := v.Execute(ctx, func(ctx context.Context) error {
		raw, err := v.keyed.PostParams(ctx, "/fapi/v1/listenKey", nil)
		if err != nil {
			return classifyError(err)
		}
		return json.Unmarshal(raw, &resp)
	})
	if err != nil {
		return "", err
	}
	return resp.ListenKey, nil
}

func (v *Venue) keepListenKeyAlive(ctx context.Context) {
	defer v.streamWG.Done()

	ticker := time.NewTicker(listenKeyKeepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := v.keyed.Put(ctx, "/fapi/v1/listenKey", nil); err != nil {
				v.Logger().Warn("Listen key keepalive failed", "error", err)
			}
		}
	}
}

// handleStreamMessage turns ORDER_TRADE_UPDATE events into order-cache
// updates. Commission arrives per trade, so fees accumulate across events
// for the same order.
func (v *Venue) handleStreamMessage(message []byte) {
	var probe struct {
		Event string `json:"e"`
	}
	if err := json.Unmarshal(message, &probe); err != nil || probe.Event != "ORDER_TRADE_UPDATE" {
		return
	}

	var ev orderTradeUpdate
	if err := json.Unmarshal(message, &ev); err != nil {
		v.Logger().Warn("Malformed order update", "error", err)
		return
	}

	o := ev.Order
	orderID := strconv.FormatInt(o.OrderID, 10)
	v.rememberOrder(orderID, o.Symbol)

	info := &core.OrderInfo{
		OrderID:        orderID,
		Symbol:         v.NormalizeSymbol(o.Symbol),
		Side:           core.OrderSide(o.Side),
		Status:         mapOrderStatus(o.Status),
		Price:          parseDec(o.Price),
		Quantity:       parseDec(o.OrigQty),
		FilledQuantity: parseDec(o.CumulativeQty),
		AvgFillPrice:   parseDec(o.AvgPrice),
		FeeCurrency:    o.CommissionAsset,
		UpdatedAt:      time.UnixMilli(ev.TransactTime).UTC(),
	}
	if prev, ok := v.CachedOrder(orderID); ok {
		info.Fee = prev.Fee
		info.FillCount = prev.FillCount
		if info.FeeCurrency == "" {
			info.FeeCurrency = prev.FeeCurrency
		}
	}
	if o.ExecType == "TRADE" {
		info.Fee = info.Fee.Add(parseDec(o.Commission))
		info.FillCount++
	}

	v.PublishOrderUpdate(info)
}
