package application

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/pkg/dtm"
)

// SettlementService 特殊强平成交后的资金清算。通过 DTM saga 编排
// 账务扣减与持仓归档两步，任一步失败触发补偿。
type SettlementService struct {
	dtmServer    string
	callbackBase string
	logger       *slog.Logger
}

// NewSettlementService 构造函数。
func NewSettlementService(dtmServer, callbackBase string, logger *slog.Logger) *SettlementService {
	return &SettlementService{
		dtmServer:    dtmServer,
		callbackBase: callbackBase,
		logger:       logger.With("module", "liquidation_settlement"),
	}
}

// SettlementRequest saga 分支的回调负载
type SettlementRequest struct {
	OperationID string `json:"operation_id"`
	AccountID   string `json:"account_id"`
	AssetPairID string `json:"asset_pair_id"`
	Volume      string `json:"volume"`
	Price       string `json:"price"`
	Amount      string `json:"amount"`
}

// SettleSpecialTrade 提交清算 saga
func (s *SettlementService) SettleSpecialTrade(ctx context.Context, operationID, accountID, assetPairID string, volume, price decimal.Decimal) error {
	if s.dtmServer == "" {
		s.logger.WarnContext(ctx, "dtm server not configured, skipping settlement saga", "operation_id", operationID)
		return nil
	}

	gid := fmt.Sprintf("SAGA-SPECIAL-SETTLE-%s", operationID)
	req := &SettlementRequest{
		OperationID: operationID,
		AccountID:   accountID,
		AssetPairID: assetPairID,
		Volume:      volume.String(),
		Price:       price.String(),
		Amount:      volume.Abs().Mul(price).String(),
	}

	saga := dtm.NewSaga(ctx, s.dtmServer, gid)
	saga.Add(s.callbackBase+"/api/v1/settlement/charge", s.callbackBase+"/api/v1/settlement/charge-compensate", req)
	saga.Add(s.callbackBase+"/api/v1/settlement/archive", s.callbackBase+"/api/v1/settlement/archive-compensate", req)

	if err := saga.Submit(ctx); err != nil {
		s.logger.ErrorContext(ctx, "failed to submit settlement saga", "gid", gid, "error", err)
		return err
	}

	s.logger.InfoContext(ctx, "settlement saga submitted", "gid", gid, "operation_id", operationID)
	return nil
}
