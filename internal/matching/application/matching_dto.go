package application

import "time"

// SubmitOrderRequest 提交撮合请求
type SubmitOrderRequest struct {
	OrderID     string `json:"order_id"`
	AccountID   string `json:"account_id"`
	AssetPairID string `json:"asset_pair_id"`
	Direction   string `json:"direction"`
	Type        string `json:"type"`
	Volume      string `json:"volume"`
	Price       string `json:"price"`
	// ShouldOpenNewPosition 为 true 时限价单剩余部分会挂入订单簿
	ShouldOpenNewPosition bool `json:"should_open_new_position"`
	// Modality 撮合模式，缺省为做市模式
	Modality string `json:"modality"`
	// ParentPositionID 平仓单关联的持仓
	ParentPositionID string `json:"parent_position_id"`
}

// PlaceMakerOrderRequest 做市商挂单请求
type PlaceMakerOrderRequest struct {
	OrderID       string `json:"order_id"`
	MarketMakerID string `json:"market_maker_id"`
	AssetPairID   string `json:"asset_pair_id"`
	Direction     string `json:"direction"`
	Volume        string `json:"volume"`
	Price         string `json:"price"`
}

// MatchResultDTO 撮合结果
type MatchResultDTO struct {
	OrderID              string         `json:"order_id"`
	Status               string         `json:"status"`
	MatchedVolume        string         `json:"matched_volume"`
	WeightedAveragePrice string         `json:"weighted_average_price"`
	Fills                []MatchFillDTO `json:"fills"`
}

// MatchFillDTO 单笔成交
type MatchFillDTO struct {
	CounterpartyOrderID string    `json:"counterparty_order_id"`
	MarketMakerID       string    `json:"market_maker_id"`
	Volume              string    `json:"volume"`
	Price               string    `json:"price"`
	IsExternal          bool      `json:"is_external"`
	MatchedAt           time.Time `json:"matched_at"`
}

// DepthDTO 订单簿深度
type DepthDTO struct {
	AssetPairID string          `json:"asset_pair_id"`
	Bids        []DepthLevelDTO `json:"bids"`
	Asks        []DepthLevelDTO `json:"asks"`
	Timestamp   time.Time       `json:"timestamp"`
}

// DepthLevelDTO 深度档位
type DepthLevelDTO struct {
	Price  string `json:"price"`
	Volume string `json:"volume"`
}

// TradeDTO 成交流水
type TradeDTO struct {
	TradeID       string    `json:"trade_id"`
	OrderID       string    `json:"order_id"`
	AssetPairID   string    `json:"asset_pair_id"`
	MarketMakerID string    `json:"market_maker_id"`
	Volume        string    `json:"volume"`
	Price         string    `json:"price"`
	IsExternal    bool      `json:"is_external"`
	MatchedAt     time.Time `json:"matched_at"`
}
