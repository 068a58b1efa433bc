package kraken

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"time"

	"execution-core/pkg/exchanges/common"
)

const maxTradePages = 20

type orderInfo struct {
	RefID   string  `json:"refid"`
	Status  string  `json:"status"`
	OpenTm  float64 `json:"opentm"`
	Vol     string  `json:"vol"`
	VolExec string  `json:"vol_exec"`
	Cost    string  `json:"cost"`
	Price   string  `json:"price"`
	Stop    string  `json:"stopprice"`
	Descr   struct {
		Pair      string `json:"pair"`
		Type      string `json:"type"`
		OrderType string `json:"ordertype"`
		Price     string `json:"price"`
	} `json:"descr"`
}

// PlaceOrder submits an order, attaching a conditional close when requested.
func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderAck, error) {
	if req.Amount <= 0 {
		return common.OrderAck{}, errors.New("kraken: order amount must be positive")
	}
	ordType := req.Type
	if ordType == "" {
		ordType = common.OrderTypeLimit
	}
	params := url.Values{}
	params.Set("pair", pairParam(req.Symbol))
	params.Set("type", string(req.Side))
	params.Set("ordertype", string(ordType))
	params.Set("volume", formatFloat(req.Amount))
	switch ordType {
	case common.OrderTypeLimit:
		params.Set("price", formatFloat(req.Price))
	case common.OrderTypeStopLoss, common.OrderTypeTakeProfit:
		params.Set("price", formatFloat(req.StopPrice))
	}
	if req.Close != nil {
		params.Set("close[ordertype]", string(req.Close.Type))
		params.Set("close[price]", formatFloat(req.Close.Price))
	}
	if req.ClientID != "" {
		params.Set("cl_ord_id", req.ClientID)
	}

	var resp struct {
		TxID  []string `json:"txid"`
		Descr struct {
			Order string `json:"order"`
			Close string `json:"close"`
		} `json:"descr"`
	}
	if err := c.doPrivate(ctx, "AddOrder", params, &resp); err != nil {
		return common.OrderAck{}, err
	}
	if len(resp.TxID) == 0 {
		return common.OrderAck{}, errors.New("kraken AddOrder: response carried no txid")
	}
	c.logger.Debug().Str("txid", resp.TxID[0]).Str("descr", resp.Descr.Order).Str("close", resp.Descr.Close).Msg("order accepted")
	return common.OrderAck{ID: resp.TxID[0], Status: common.StatusOpen}, nil
}

// CancelOrder cancels by txid. Symbol is accepted for interface symmetry.
func (c *Client) CancelOrder(ctx context.Context, orderID, symbol string) error {
	params := url.Values{}
	params.Set("txid", orderID)
	err := c.doPrivate(ctx, "CancelOrder", params, nil)
	if isUnknownOrder(err) {
		return fmt.Errorf("%w: %v", common.ErrOrderNotFound, err)
	}
	return err
}

// FetchOrder fetches a single order by txid.
func (c *Client) FetchOrder(ctx context.Context, orderID, symbol string) (common.Order, error) {
	params := url.Values{}
	params.Set("txid", orderID)
	var resp map[string]orderInfo
	if err := c.doPrivate(ctx, "QueryOrders", params, &resp); err != nil {
		if isUnknownOrder(err) {
			return common.Order{}, fmt.Errorf("%w: %v", common.ErrOrderNotFound, err)
		}
		return common.Order{}, err
	}
	info, ok := resp[orderID]
	if !ok {
		return common.Order{}, fmt.Errorf("%w: %s", common.ErrOrderNotFound, orderID)
	}
	return c.toOrder(orderID, symbol, info), nil
}

// FetchOpenOrders returns open orders; if symbol is empty, all symbols.
func (c *Client) FetchOpenOrders(ctx context.Context, symbol string) ([]common.Order, error) {
	var resp struct {
		Open map[string]orderInfo `json:"open"`
	}
	if err := c.doPrivate(ctx, "OpenOrders", url.Values{}, &resp); err != nil {
		return nil, err
	}
	want := ""
	if symbol != "" {
		want = pairParam(symbol)
	}
	orders := make([]common.Order, 0, len(resp.Open))
	for id, info := range resp.Open {
		if want != "" && info.Descr.Pair != want {
			continue
		}
		orders = append(orders, c.toOrder(id, symbol, info))
	}
	return orders, nil
}

// FetchBalance reads BalanceEx; free excludes funds held by open orders.
func (c *Client) FetchBalance(ctx context.Context) (common.Balance, error) {
	var resp map[string]struct {
		Balance   string `json:"balance"`
		HoldTrade string `json:"hold_trade"`
	}
	if err := c.doPrivate(ctx, "BalanceEx", url.Values{}, &resp); err != nil {
		return common.Balance{}, err
	}
	bal := common.Balance{Free: make(map[string]float64), Total: make(map[string]float64)}
	for code, b := range resp {
		asset := normalizeAsset(code)
		total := parseFloat(b.Balance)
		bal.Total[asset] += total
		bal.Free[asset] += math.Max(0, total-parseFloat(b.HoldTrade))
	}
	return bal, nil
}

// FetchTicker returns last/bid/ask for symbol.
func (c *Client) FetchTicker(ctx context.Context, symbol string) (common.Ticker, error) {
	params := url.Values{}
	params.Set("pair", pairParam(symbol))
	var resp map[string]struct {
		A []string `json:"a"`
		B []string `json:"b"`
		C []string `json:"c"`
	}
	if err := c.doPublic(ctx, "Ticker", params, &resp); err != nil {
		return common.Ticker{}, err
	}
	for _, t := range resp {
		tk := common.Ticker{Symbol: symbol, Time: time.Now()}
		if len(t.C) > 0 {
			tk.Last = parseFloat(t.C[0])
		}
		if len(t.B) > 0 {
			tk.Bid = parseFloat(t.B[0])
		}
		if len(t.A) > 0 {
			tk.Ask = parseFloat(t.A[0])
		}
		return tk, nil
	}
	return common.Ticker{}, fmt.Errorf("kraken Ticker: no data for %s", symbol)
}

// FetchMyTrades pages through TradesHistory since the given time.
func (c *Client) FetchMyTrades(ctx context.Context, symbol string, since time.Time) ([]common.Trade, error) {
	var info *pairInfo
	if symbol != "" {
		p, err := c.pair(ctx, symbol)
		if err != nil {
			return nil, err
		}
		info = &p
	}

	var trades []common.Trade
	offset := 0
	for page := 0; page < maxTradePages; page++ {
		params := url.Values{}
		params.Set("start", strconv.FormatInt(since.Unix(), 10))
		params.Set("ofs", strconv.Itoa(offset))
		var resp struct {
			Trades map[string]struct {
				OrderTxID string  `json:"ordertxid"`
				Pair      string  `json:"pair"`
				Time      float64 `json:"time"`
				Type      string  `json:"type"`
				Price     string  `json:"price"`
				Cost      string  `json:"cost"`
				Fee       string  `json:"fee"`
				Vol       string  `json:"vol"`
			} `json:"trades"`
			Count int `json:"count"`
		}
		if err := c.doPrivate(ctx, "TradesHistory", params, &resp); err != nil {
			return nil, err
		}
		for id, t := range resp.Trades {
			if info != nil && t.Pair != info.Key && t.Pair != info.Altname {
				continue
			}
			sym := symbol
			if sym == "" {
				sym = c.symbolForPair(t.Pair)
			}
			trades = append(trades, common.Trade{
				ID:      id,
				OrderID: t.OrderTxID,
				Symbol:  sym,
				Side:    common.Side(t.Type),
				Amount:  parseFloat(t.Vol),
				Price:   parseFloat(t.Price),
				Cost:    parseFloat(t.Cost),
				Fee:     parseFloat(t.Fee),
				Time:    unixFloat(t.Time),
			})
		}
		offset += len(resp.Trades)
		if len(resp.Trades) == 0 || offset >= resp.Count {
			break
		}
	}
	return trades, nil
}

// Market returns precision and limits, cached per symbol.
func (c *Client) Market(ctx context.Context, symbol string) (common.Market, error) {
	p, err := c.pair(ctx, symbol)
	if err != nil {
		return common.Market{}, err
	}
	return common.Market{
		Symbol:         symbol,
		Base:           p.Base,
		Quote:          p.Quote,
		PriceDecimals:  p.Market.PriceDecimals,
		AmountDecimals: p.Market.AmountDecimals,
		MinAmount:      p.Market.MinAmount,
		MinCost:        p.Market.MinCost,
	}, nil
}

func (c *Client) pair(ctx context.Context, symbol string) (pairInfo, error) {
	c.marketsMu.RLock()
	p, ok := c.markets[symbol]
	c.marketsMu.RUnlock()
	if ok {
		return p, nil
	}

	params := url.Values{}
	params.Set("pair", pairParam(symbol))
	var resp map[string]struct {
		Altname      string `json:"altname"`
		Base         string `json:"base"`
		Quote        string `json:"quote"`
		PairDecimals int32  `json:"pair_decimals"`
		LotDecimals  int32  `json:"lot_decimals"`
		OrderMin     string `json:"ordermin"`
		CostMin      string `json:"costmin"`
	}
	if err := c.doPublic(ctx, "AssetPairs", params, &resp); err != nil {
		return pairInfo{}, err
	}
	for key, r := range resp {
		p = pairInfo{
			Key:     key,
			Altname: r.Altname,
			Base:    normalizeAsset(r.Base),
			Quote:   normalizeAsset(r.Quote),
			Market: marketLimits{
				PriceDecimals:  r.PairDecimals,
				AmountDecimals: r.LotDecimals,
				MinAmount:      parseFloat(r.OrderMin),
				MinCost:        parseFloat(r.CostMin),
			},
		}
		c.marketsMu.Lock()
		c.markets[symbol] = p
		c.marketsMu.Unlock()
		return p, nil
	}
	return pairInfo{}, fmt.Errorf("kraken AssetPairs: unknown pair %s", symbol)
}

func (c *Client) symbolForPair(pair string) string {
	c.marketsMu.RLock()
	defer c.marketsMu.RUnlock()
	for sym, p := range c.markets {
		if p.Key == pair || p.Altname == pair {
			return sym
		}
	}
	return pair
}

func (c *Client) toOrder(id, symbol string, info orderInfo) common.Order {
	if symbol == "" {
		symbol = c.symbolForPair(info.Descr.Pair)
	}
	amount := parseFloat(info.Vol)
	filled := parseFloat(info.VolExec)
	o := common.Order{
		ID:        id,
		Symbol:    symbol,
		Side:      common.Side(info.Descr.Type),
		Type:      common.OrderType(info.Descr.OrderType),
		Status:    common.ParseOrderStatus(info.Status),
		Amount:    amount,
		Filled:    filled,
		Remaining: math.Max(0, amount-filled),
		Price:     parseFloat(info.Descr.Price),
		StopPrice: parseFloat(info.Stop),
		Average:   parseFloat(info.Price),
		Cost:      parseFloat(info.Cost),
		ParentID:  info.RefID,
		CreatedAt: unixFloat(info.OpenTm),
	}
	if o.Type == common.OrderTypeStopLoss && o.StopPrice == 0 {
		o.StopPrice = o.Price
	}
	return o
}

func unixFloat(ts float64) time.Time {
	if ts <= 0 {
		return time.Time{}
	}
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(frac*1e9))
}
