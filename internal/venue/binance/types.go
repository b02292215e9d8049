package binance

// Wire formats for the subset of the USD-M futures REST API this adapter
// touches. Binance serializes every numeric field as a string.

type premiumIndexEntry struct {
	Symbol          string `json:"symbol"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
	Time            int64  `json:"time"`
}

type fundingInfoEntry struct {
	Symbol               string `json:"symbol"`
	FundingIntervalHours int    `json:"fundingIntervalHours"`
}

type ticker24hEntry struct {
	Symbol      string `json:"symbol"`
	QuoteVolume string `json:"quoteVolume"`
	LastPrice   string `json:"lastPrice"`
}

type openInterestEntry struct {
	Symbol       string `json:"symbol"`
	OpenInterest string `json:"openInterest"`
	Time         int64  `json:"time"`
}

type bookTickerEntry struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	BidQty   string `json:"bidQty"`
	AskPrice string `json:"askPrice"`
	AskQty   string `json:"askQty"`
}

type depthResponse struct {
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
}

type exchangeInfoResponse struct {
	Symbols []exchangeSymbol `json:"symbols"`
}

type exchangeSymbol struct {
	Symbol       string           `json:"symbol"`
	ContractType string           `json:"contractType"`
	Status       string           `json:"status"`
	Filters      []exchangeFilter `json:"filters"`
}

type exchangeFilter struct {
	FilterType string `json:"filterType"`
	StepSize   string `json:"stepSize"`
	Notional   string `json:"notional"`
}

type positionRiskEntry struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	LiquidationPrice string `json:"liquidationPrice"`
	Leverage         string `json:"leverage"`
	UnRealizedProfit string `json:"unRealizedProfit"`
}

type orderResponse struct {
	OrderID     int64  `json:"orderId"`
	Symbol      string `json:"symbol"`
	Status      string `json:"status"`
	Side        string `json:"side"`
	Price       string `json:"price"`
	AvgPrice    string `json:"avgPrice"`
	OrigQty     string `json:"origQty"`
	ExecutedQty string `json:"executedQty"`
	UpdateTime  int64  `json:"updateTime"`
}

type userTradeEntry struct {
	OrderID         int64  `json:"orderId"`
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	Time            int64  `json:"time"`
}

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

// orderTradeUpdate is the ORDER_TRADE_UPDATE payload of the user-data
// stream. Field names follow the stream's single-letter convention.
type orderTradeUpdate struct {
	Event        string           `json:"e"`
	TransactTime int64            `json:"T"`
	Order        streamOrderEvent `json:"o"`
}

type streamOrderEvent struct {
	Symbol          string `json:"s"`
	Side            string `json:"S"`
	OrderID         int64  `json:"i"`
	Price           string `json:"p"`
	AvgPrice        string `json:"ap"`
	OrigQty         string `json:"q"`
	CumulativeQty   string `json:"z"`
	Status          string `json:"X"`
	ExecType        string `json:"x"`
	Commission      string `json:"n"`
	CommissionAsset string `json:"N"`
}
