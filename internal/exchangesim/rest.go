// rest.go implements the REST leg of the concrete Exchange Adapter:
// place/cancel/list_open_orders/get_position/get_orderbook/market_close_all,
// adapted from internal/exchange/client.go's resty wrapper. The teacher's
// client has no list_open_orders, get_position, or market_close_all at
// all — Polymarket's binary-market client never needed them in the same
// shape a perp Adapter requires — so those three are new, built in the
// same resty + rate-limit + L2-header idiom as PostOrders/CancelOrders.
package exchangesim

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"perpmm/internal/adapter"
	"perpmm/internal/liquidation"
	"perpmm/internal/state"
)

// Client is the concrete Adapter implementation against a single venue
// REST/WS base pair for one account (primary or hedge).
type Client struct {
	http    *resty.Client
	auth    *Auth
	limiter *RateLimiter
	symbol  string
	dryRun  bool
	logger  *slog.Logger

	stream chan state.StreamEvent
	ws     *WSFeed
}

// Config bundles what NewClient needs from the engine's top-level Config.
type Config struct {
	RESTBaseURL string
	WSURL       string
	Symbol      string
	DryRun      bool
}

// NewClient builds a Client wired against one account's credentials.
func NewClient(cfg Config, auth *Auth, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.RESTBaseURL).
		SetTimeout(5_000_000_000) // 5s, overridden per-call by ctx deadline

	return &Client{
		http:    httpClient,
		auth:    auth,
		limiter: NewRateLimiter(),
		symbol:  cfg.Symbol,
		dryRun:  cfg.DryRun,
		logger:  logger.With("component", "exchangesim"),
		stream:  make(chan state.StreamEvent, 1024),
	}
}

var _ adapter.Adapter = (*Client)(nil)

func (c *Client) Symbol(ctx context.Context) (state.Symbol, error) {
	var out struct {
		TickSize string `json:"tick_size"`
		QtyStep  string `json:"qty_step"`
		MinQty   string `json:"min_qty"`
	}
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).Get("/symbols/" + c.symbol)
	if err != nil {
		return state.Symbol{}, adapter.NewAdapterError("symbol", err)
	}
	if resp.IsError() {
		return state.Symbol{}, adapter.NewAdapterError("symbol", fmt.Errorf("status %d", resp.StatusCode()))
	}

	tick, _ := decimal.NewFromString(out.TickSize)
	step, _ := decimal.NewFromString(out.QtyStep)
	minQty, _ := decimal.NewFromString(out.MinQty)
	return state.Symbol{Name: c.symbol, TickSize: tick, QtyStep: step, MinQty: minQty}, nil
}

func (c *Client) Place(ctx context.Context, req adapter.PlaceRequest) (adapter.PlaceResult, error) {
	if err := c.limiter.Order.Wait(ctx); err != nil {
		return adapter.PlaceResult{}, adapter.NewAdapterError("place", err)
	}

	if c.dryRun {
		c.logger.Info("dry run: place", "side", req.Side, "price", req.Price, "qty", req.Qty)
		return adapter.PlaceResult{OrderID: "dryrun-" + req.ClientOrderID}, nil
	}

	body := map[string]any{
		"client_order_id": req.ClientOrderID,
		"symbol":          c.symbol,
		"side":            req.Side,
		"price":           req.Price.String(),
		"qty":             req.Qty.String(),
		"post_only":       req.PostOnly,
		"type":            "GTC",
	}

	headers, err := c.auth.L2Headers("POST", "/orders", "")
	if err != nil {
		return adapter.PlaceResult{}, adapter.NewAdapterError("place", err)
	}

	var out struct {
		OrderID string `json:"order_id"`
	}
	resp, err := c.http.R().SetContext(ctx).SetHeaders(headers).SetBody(body).SetResult(&out).Post("/orders")
	if err != nil {
		return adapter.PlaceResult{}, adapter.NewAdapterError("place", err)
	}
	if resp.IsError() {
		return adapter.PlaceResult{}, adapter.NewAdapterError("place", fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}

	return adapter.PlaceResult{OrderID: out.OrderID}, nil
}

func (c *Client) Cancel(ctx context.Context, orderID string) error {
	if err := c.limiter.Cancel.Wait(ctx); err != nil {
		return adapter.NewAdapterError("cancel", err)
	}
	if c.dryRun {
		return nil
	}

	headers, err := c.auth.L2Headers("DELETE", "/orders/"+orderID, "")
	if err != nil {
		return adapter.NewAdapterError("cancel", err)
	}

	resp, err := c.http.R().SetContext(ctx).SetHeaders(headers).Delete("/orders/" + orderID)
	if err != nil {
		return adapter.NewAdapterError("cancel", err)
	}
	if resp.StatusCode() == 404 {
		return nil // idempotent per spec §7
	}
	if resp.IsError() {
		return adapter.NewAdapterError("cancel", fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}
	return nil
}

func (c *Client) ListOpenOrders(ctx context.Context) ([]state.OrderInfo, error) {
	if err := c.limiter.Position.Wait(ctx); err != nil {
		return nil, adapter.NewAdapterError("list_open_orders", err)
	}

	headers, err := c.auth.L2Headers("GET", "/orders/open", "")
	if err != nil {
		return nil, adapter.NewAdapterError("list_open_orders", err)
	}

	var out []struct {
		OrderID   string `json:"order_id"`
		Side      string `json:"side"`
		Price     string `json:"price"`
		Qty       string `json:"qty"`
		CumFilled string `json:"cum_filled"`
	}
	resp, err := c.http.R().SetContext(ctx).SetHeaders(headers).SetQueryParam("symbol", c.symbol).SetResult(&out).Get("/orders/open")
	if err != nil {
		return nil, adapter.NewAdapterError("list_open_orders", err)
	}
	if resp.IsError() {
		return nil, adapter.NewAdapterError("list_open_orders", fmt.Errorf("status %d", resp.StatusCode()))
	}

	orders := make([]state.OrderInfo, 0, len(out))
	for _, o := range out {
		price, _ := decimal.NewFromString(o.Price)
		qty, _ := decimal.NewFromString(o.Qty)
		cum, _ := decimal.NewFromString(o.CumFilled)
		side := state.Buy
		if o.Side == "sell" {
			side = state.Sell
		}
		orders = append(orders, state.OrderInfo{
			OrderID: o.OrderID, Side: side, Price: price, Qty: qty,
			CumFilled: cum, Status: state.StatusOpen,
		})
	}
	return orders, nil
}

func (c *Client) GetPosition(ctx context.Context) (decimal.Decimal, error) {
	if err := c.limiter.Position.Wait(ctx); err != nil {
		return decimal.Zero, adapter.NewAdapterError("get_position", err)
	}

	headers, err := c.auth.L2Headers("GET", "/positions", "")
	if err != nil {
		return decimal.Zero, adapter.NewAdapterError("get_position", err)
	}

	var out struct {
		Qty string `json:"qty"`
	}
	resp, err := c.http.R().SetContext(ctx).SetHeaders(headers).SetQueryParam("symbol", c.symbol).SetResult(&out).Get("/positions")
	if err != nil {
		return decimal.Zero, adapter.NewAdapterError("get_position", err)
	}
	if resp.IsError() {
		return decimal.Zero, adapter.NewAdapterError("get_position", fmt.Errorf("status %d", resp.StatusCode()))
	}

	qty, _ := decimal.NewFromString(out.Qty)
	return qty, nil
}

func (c *Client) GetOrderBook(ctx context.Context, depth int) (state.OrderBookSnapshot, error) {
	if err := c.limiter.Book.Wait(ctx); err != nil {
		return state.OrderBookSnapshot{}, adapter.NewAdapterError("get_orderbook", err)
	}

	var out struct {
		BestBid string `json:"best_bid"`
		BestAsk string `json:"best_ask"`
		Bids    []struct {
			Price string `json:"price"`
			Qty   string `json:"qty"`
		} `json:"bids"`
		Asks []struct {
			Price string `json:"price"`
			Qty   string `json:"qty"`
		} `json:"asks"`
	}
	req := c.http.R().SetContext(ctx).SetQueryParam("symbol", c.symbol).SetResult(&out)
	if depth > 0 {
		req = req.SetQueryParam("depth", strconv.Itoa(depth))
	}
	resp, err := req.Get("/book")
	if err != nil {
		return state.OrderBookSnapshot{}, adapter.NewAdapterError("get_orderbook", err)
	}
	if resp.IsError() {
		return state.OrderBookSnapshot{}, adapter.NewAdapterError("get_orderbook", fmt.Errorf("status %d", resp.StatusCode()))
	}

	bid, _ := decimal.NewFromString(out.BestBid)
	ask, _ := decimal.NewFromString(out.BestAsk)
	book := state.OrderBookSnapshot{BestBid: bid, BestAsk: ask}
	for _, l := range out.Bids {
		p, _ := decimal.NewFromString(l.Price)
		q, _ := decimal.NewFromString(l.Qty)
		book.Bids = append(book.Bids, state.DepthLevel{Price: p, Qty: q})
	}
	for _, l := range out.Asks {
		p, _ := decimal.NewFromString(l.Price)
		q, _ := decimal.NewFromString(l.Qty)
		book.Asks = append(book.Asks, state.DepthLevel{Price: p, Qty: q})
	}
	return book, nil
}

func (c *Client) MarketCloseAll(ctx context.Context) error {
	if err := c.limiter.Cancel.Wait(ctx); err != nil {
		return adapter.NewAdapterError("market_close_all", err)
	}

	headers, err := c.auth.L2Headers("POST", "/positions/close-all", "")
	if err != nil {
		return adapter.NewAdapterError("market_close_all", err)
	}

	body := map[string]any{"symbol": c.symbol}
	resp, err := c.http.R().SetContext(ctx).SetHeaders(headers).SetBody(body).Post("/positions/close-all")
	if err != nil {
		return adapter.NewAdapterError("market_close_all", err)
	}
	if resp.IsError() {
		return adapter.NewAdapterError("market_close_all", fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}
	return nil
}

// GetMarginInfo queries the venue's margin-ratio and liquidation-distance
// reading for the Liquidation Guard (spec §4.9). Not part of the Adapter
// interface since it is meaningful only for the primary account's own
// position risk, not a generic venue operation the Hedge Engine would need.
func (c *Client) GetMarginInfo(ctx context.Context) (liquidation.Signal, error) {
	if err := c.limiter.Position.Wait(ctx); err != nil {
		return liquidation.Signal{}, adapter.NewAdapterError("get_margin_info", err)
	}

	headers, err := c.auth.L2Headers("GET", "/margin", "")
	if err != nil {
		return liquidation.Signal{}, adapter.NewAdapterError("get_margin_info", err)
	}

	var out struct {
		MarginRatio            float64 `json:"margin_ratio"`
		LiquidationDistancePct float64 `json:"liquidation_distance_pct"`
	}
	resp, err := c.http.R().SetContext(ctx).SetHeaders(headers).SetQueryParam("symbol", c.symbol).SetResult(&out).Get("/margin")
	if err != nil {
		return liquidation.Signal{}, adapter.NewAdapterError("get_margin_info", err)
	}
	if resp.IsError() {
		return liquidation.Signal{}, adapter.NewAdapterError("get_margin_info", fmt.Errorf("status %d", resp.StatusCode()))
	}

	return liquidation.Signal{MarginRatio: out.MarginRatio, LiquidationDistancePct: out.LiquidationDistancePct}, nil
}

func (c *Client) Stream() <-chan state.StreamEvent { return c.stream }

// AttachWSFeed wires a running WSFeed's output into this client's Stream
// channel. Kept as a separate call so tests can construct a Client without
// a live websocket.
func (c *Client) AttachWSFeed(ws *WSFeed) {
	ws.out = c.stream
	c.ws = ws
}

func (c *Client) Close() error {
	if c.ws != nil {
		return c.ws.Close()
	}
	return nil
}
