package api

import (
	match "github.com/0x5487/exchange-matcher"
	"github.com/0x5487/exchange-matcher/protocol"
)

func toOrderResponse(o *match.Order) protocol.OrderResponse {
	return protocol.OrderResponse{
		OrderID:     o.ID,
		Symbol:      o.Symbol,
		Side:        o.Side,
		OrderType:   o.Type,
		TimeInForce: o.TimeInForce,
		Price:       o.Price.String(),
		Size:        o.Quantity.String(),
		Filled:      o.Filled.String(),
		Remaining:   o.Remaining.String(),
		Status:      o.Status,
		OwnerKind:   o.Owner.Kind,
		OwnerID:     o.Owner.ID,
		Seq:         o.Seq,
		CreatedAt:   o.CreatedAt.UnixMilli(),
	}
}

func toTradeResponse(t *match.Trade) protocol.TradeResponse {
	return protocol.TradeResponse{
		TradeID:      t.ID,
		Symbol:       t.Symbol,
		MakerOrderID: t.MakerOrderID,
		TakerOrderID: t.TakerOrderID,
		TakerSide:    t.TakerSide,
		Price:        t.Price.String(),
		Size:         t.Quantity.String(),
		Amount:       t.Amount.String(),
		Timestamp:    t.Timestamp.UnixMilli(),
	}
}

func toTradeResponses(trades []match.Trade) []protocol.TradeResponse {
	resp := make([]protocol.TradeResponse, len(trades))
	for i := range trades {
		resp[i] = toTradeResponse(&trades[i])
	}
	return resp
}

func toSubmitResponse(result *match.SubmitResult) protocol.SubmitOrderResponse {
	return protocol.SubmitOrderResponse{
		OrderID:   result.Order.ID,
		Status:    result.Order.Status,
		Filled:    result.Order.Filled.String(),
		Remaining: result.Order.Remaining.String(),
		Trades:    toTradeResponses(result.Trades),
	}
}

func toDepthResponse(depth *match.Depth) protocol.GetDepthResponse {
	convert := func(items []match.DepthItem) []*protocol.DepthItem {
		out := make([]*protocol.DepthItem, len(items))
		for i, item := range items {
			out[i] = &protocol.DepthItem{
				Price: item.Price.String(),
				Size:  item.Size.String(),
				Count: item.Count,
			}
		}
		return out
	}
	return protocol.GetDepthResponse{
		Symbol:   depth.Symbol,
		UpdateID: depth.UpdateID,
		Asks:     convert(depth.Asks),
		Bids:     convert(depth.Bids),
	}
}

func toStatsResponse(stats *match.BookStats) protocol.GetStatsResponse {
	return protocol.GetStatsResponse{
		State:         stats.State.String(),
		AskDepthCount: stats.AskDepthCount,
		AskOrderCount: stats.AskOrderCount,
		BidDepthCount: stats.BidDepthCount,
		BidOrderCount: stats.BidOrderCount,
		SequenceID:    stats.SequenceID,
		TradeID:       stats.TradeID,
	}
}

func toBulkCancelResponse(report match.BulkCancelReport) protocol.BulkCancelResponse {
	resp := protocol.BulkCancelResponse{
		Requested: report.Requested,
		Cancelled: report.Cancelled,
		NotFound:  report.NotFound,
		Failed:    report.Failed,
	}
	if len(report.Failures) > 0 {
		resp.Errors = make(map[string]string, len(report.Failures))
		for id, err := range report.Failures {
			resp.Errors[id] = err.Error()
		}
	}
	return resp
}

func toEmergencyStopResponse(report match.EmergencyStopReport) protocol.EmergencyStopResponse {
	resp := protocol.EmergencyStopResponse{
		Markets: make(map[string]protocol.BulkCancelResponse, len(report.Markets)),
	}
	for symbol, m := range report.Markets {
		resp.Markets[symbol] = toBulkCancelResponse(m)
	}
	if len(report.Failures) > 0 {
		resp.Errors = make(map[string]string, len(report.Failures))
		for symbol, err := range report.Failures {
			resp.Errors[symbol] = err.Error()
		}
	}
	return resp
}

func toOrderStatusResponse(u *match.OrderStatusUpdate) protocol.OrderStatusResponse {
	return protocol.OrderStatusResponse{
		OrderID:   u.OrderID,
		Symbol:    u.Symbol,
		Status:    u.Status,
		Filled:    u.Filled.String(),
		Remaining: u.Remaining.String(),
		SeqID:     u.SequenceID,
		Timestamp: u.Timestamp.UnixMilli(),
	}
}

// wsMessage is pushed to websocket subscribers.
type wsMessage struct {
	Channel  string         `json:"channel,omitempty"`
	Event    *match.BookLog `json:"event,omitempty"`
	Op       string         `json:"op,omitempty"`
	Channels []string       `json:"channels,omitempty"`
}

// wsRequest is sent by websocket clients.
type wsRequest struct {
	Op       string   `json:"op"` // subscribe | unsubscribe
	Channels []string `json:"channels"`
}
