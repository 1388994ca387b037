package auction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ms-dealroom/internal/apperrors"
	"ms-dealroom/internal/models"
	"ms-dealroom/internal/store"
	"ms-dealroom/internal/workflow"

	"github.com/uptrace/bun"
)

type autoCloseInput struct {
	AuctionID string `json:"auction_id"`
}

// AutoCloseDefinition sleeps until the auction deadline, closes it and, when
// there is a winner, asks the winner to pay for the new order.
func (e *Engine) AutoCloseDefinition() workflow.Definition {
	return workflow.Definition{
		Name:    models.WorkflowAuctionAutoClose,
		Version: 1,
		Trigger: models.EventAuctionStarted,
		Handler: e.autoClose,
	}
}

func (e *Engine) autoClose(wc *workflow.Context) error {
	var in autoCloseInput
	if err := wc.Input(&in); err != nil {
		return workflow.Permanent(err)
	}

	endAt, err := workflow.Step(wc, "load-deadline", func(ctx context.Context) (time.Time, error) {
		a, err := store.GetAuction(ctx, e.db.Bun, in.AuctionID)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				return time.Time{}, workflow.Permanent(err)
			}
			return time.Time{}, err
		}
		return a.EndAt, nil
	})
	if err != nil {
		return err
	}

	if err := wc.SleepUntil("until-end", endAt); err != nil {
		return err
	}

	res, err := workflow.Step(wc, "close", func(ctx context.Context) (*CloseResult, error) {
		return e.CloseAndSelectWinner(ctx, in.AuctionID)
	})
	if err != nil {
		return err
	}
	if !res.HasWinner || res.State != string(models.AuctionClosed) {
		return nil
	}

	_, err = workflow.StepTx(wc, "request-payment", func(ctx context.Context, tx bun.Tx) (bool, error) {
		order, err := store.GetOrder(ctx, tx, res.OrderID)
		if err != nil {
			return false, err
		}
		if order.Status != models.OrderPendingPayment {
			return false, nil
		}
		_, err = store.AppendEvent(ctx, tx, res.DealRoomID, models.SystemActorID, models.EventPaymentRequested, map[string]any{
			"auction_id": in.AuctionID,
			"order_id":   order.ID,
			"buyer_id":   order.BuyerID,
			"amount":     order.TotalAmount,
			"currency":   order.Currency,
		}, wc.Now())
		return err == nil, err
	})
	if err == nil {
		e.log.LogAuction("auto_close", in.AuctionID, fmt.Sprintf("payment requested for order %s", res.OrderID))
	}
	return err
}
