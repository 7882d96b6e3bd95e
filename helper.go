package match

import "github.com/shopspring/decimal"

// CalculateDepthChange calculates the depth change based on the book log.
// It returns a DepthChange struct indicating which side and price level should be updated.
// Note: For LogTypeMatch, the side returned is the Maker's side (opposite of the log's side).
func CalculateDepthChange(log *BookLog) DepthChange {
	switch log.Type {
	case LogTypeOpen:
		return DepthChange{
			Side:     log.Side,
			Price:    log.Price,
			SizeDiff: log.Size,
		}
	case LogTypeCancel, LogTypeReduce:
		return DepthChange{
			Side:     log.Side,
			Price:    log.Price,
			SizeDiff: log.Size.Neg(),
		}
	case LogTypeMatch:
		// Match reduces liquidity from the Maker side at the trade price.
		return DepthChange{
			Side:     log.Side.Opposite(),
			Price:    log.Price,
			SizeDiff: log.Size.Neg(),
		}
	case LogTypeAdmit, LogTypeReject:
		// The taker has not rested yet, or never will.
		return DepthChange{SizeDiff: decimal.Zero}
	}

	return DepthChange{SizeDiff: decimal.Zero}
}
