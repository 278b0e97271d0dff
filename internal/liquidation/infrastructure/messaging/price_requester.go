package messaging

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wyfcoding/margintrading/pkg/mq"
)

// TopicPriceRequests 面向外部做市/报价系统的 RFQ 主题
const TopicPriceRequests = "liquidation.rfq.requests"

// PriceRequest RFQ 负载。报价方以 OperationID+RequestNumber 回报，
// 旧序号的回报会被 saga 丢弃。
type PriceRequest struct {
	OperationID   string          `json:"operation_id"`
	ProviderID    string          `json:"provider_id"`
	AssetPairID   string          `json:"asset_pair_id"`
	Volume        decimal.Decimal `json:"volume"`
	RequestNumber int             `json:"request_number"`
	RequestedAt   time.Time       `json:"requested_at"`
}

// KafkaPriceRequester 把询价请求投递给外部报价系统
type KafkaPriceRequester struct {
	producer *mq.KafkaProducer
}

// NewKafkaPriceRequester 构造函数。
func NewKafkaPriceRequester(producer *mq.KafkaProducer) *KafkaPriceRequester {
	return &KafkaPriceRequester{producer: producer}
}

// RequestPrice 发出一次 RFQ
func (r *KafkaPriceRequester) RequestPrice(ctx context.Context, providerID, assetPairID string, volume decimal.Decimal, operationID string, requestNumber int) error {
	return r.producer.SendMessage(ctx, TopicPriceRequests, operationID, PriceRequest{
		OperationID:   operationID,
		ProviderID:    providerID,
		AssetPairID:   assetPairID,
		Volume:        volume,
		RequestNumber: requestNumber,
		RequestedAt:   time.Now(),
	})
}
