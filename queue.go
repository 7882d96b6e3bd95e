package match

import (
	"github.com/huandu/skiplist"
	"github.com/shopspring/decimal"
)

type priceUnit struct {
	price     decimal.Decimal
	totalSize decimal.Decimal
	head      *Order
	tail      *Order
	count     int64
}

// queue is one side of the book: price levels in a skiplist, FIFO within a level.
type queue struct {
	side        Side
	totalOrders int64
	depths      int64
	depthList   *skiplist.SkipList
	priceList   map[string]*skiplist.Element // keyed by canonical decimal string
	orders      map[string]*Order
}

// NewBuyerQueue creates a new queue for buy orders (bids).
// The orders are sorted by price in descending order (highest price first).
func NewBuyerQueue() *queue {
	return &queue{
		side: Buy,
		depthList: skiplist.New(skiplist.GreaterThanFunc(func(lhs, rhs any) int {
			d1, _ := lhs.(decimal.Decimal)
			d2, _ := rhs.(decimal.Decimal)
			return -d1.Cmp(d2)
		})),
		priceList: make(map[string]*skiplist.Element),
		orders:    make(map[string]*Order),
	}
}

// NewSellerQueue creates a new queue for sell orders (asks).
// The orders are sorted by price in ascending order (lowest price first).
func NewSellerQueue() *queue {
	return &queue{
		side: Sell,
		depthList: skiplist.New(skiplist.GreaterThanFunc(func(lhs, rhs any) int {
			d1, _ := lhs.(decimal.Decimal)
			d2, _ := rhs.(decimal.Decimal)
			return d1.Cmp(d2)
		})),
		priceList: make(map[string]*skiplist.Element),
		orders:    make(map[string]*Order),
	}
}

func priceKey(price decimal.Decimal) string {
	return price.String()
}

// order finds an order by its ID.
func (q *queue) order(id string) *Order {
	return q.orders[id]
}

// insertOrder appends an order to the back of its price level.
// Orders reach the book in admission sequence, so appending keeps time priority.
func (q *queue) insertOrder(order *Order) {
	key := priceKey(order.Price)
	el, ok := q.priceList[key]
	if ok {
		unit, _ := el.Value.(*priceUnit)
		order.prev = unit.tail
		order.next = nil
		if unit.tail != nil {
			unit.tail.next = order
		}
		unit.tail = order
		if unit.head == nil {
			unit.head = order
		}

		unit.totalSize = unit.totalSize.Add(order.Remaining)
		unit.count++
	} else {
		unit := &priceUnit{
			price:     order.Price,
			head:      order,
			tail:      order,
			totalSize: order.Remaining,
			count:     1,
		}
		order.next = nil
		order.prev = nil

		el := q.depthList.Set(order.Price, unit)
		q.priceList[key] = el
		q.depths++
	}

	q.orders[order.ID] = order
	q.totalOrders++
}

// removeOrder unlinks an order by ID and returns it, or nil when it is not resting.
// Empty price levels are dropped.
func (q *queue) removeOrder(id string) *Order {
	order, ok := q.orders[id]
	if !ok {
		return nil
	}

	key := priceKey(order.Price)
	skipElement, ok := q.priceList[key]
	if !ok {
		return nil
	}
	unit, _ := skipElement.Value.(*priceUnit)

	if order.prev != nil {
		order.prev.next = order.next
	} else {
		unit.head = order.next
	}

	if order.next != nil {
		order.next.prev = order.prev
	} else {
		unit.tail = order.prev
	}

	order.next = nil
	order.prev = nil

	unit.totalSize = unit.totalSize.Sub(order.Remaining)
	unit.count--
	delete(q.orders, id)
	q.totalOrders--

	if unit.count == 0 {
		q.depthList.RemoveElement(skipElement)
		delete(q.priceList, key)
		q.depths--
	}

	return order
}

// reduceOrder shrinks a resting order's remaining size in place, keeping its priority.
// The order is removed once nothing remains. It returns the order, or nil if it is
// not resting, and errInvariant if the reduction would go negative.
func (q *queue) reduceOrder(id string, size decimal.Decimal) (*Order, error) {
	order, ok := q.orders[id]
	if !ok {
		return nil, nil
	}
	if !size.IsPositive() || size.GreaterThan(order.Remaining) {
		return order, errInvariant("reduce order %s by %s with %s remaining", id, size, order.Remaining)
	}

	skipElement, ok := q.priceList[priceKey(order.Price)]
	if !ok {
		return order, errInvariant("order %s has no price level %s", id, order.Price)
	}
	unit, _ := skipElement.Value.(*priceUnit)

	if size.Equal(order.Remaining) {
		q.removeOrder(id)
		order.Remaining = decimal.Zero
		return order, nil
	}

	unit.totalSize = unit.totalSize.Sub(size)
	order.Remaining = order.Remaining.Sub(size)
	return order, nil
}

// peekHeadOrder returns the order at the front of the queue (best price) without removing it.
func (q *queue) peekHeadOrder() *Order {
	el := q.depthList.Front()
	if el == nil {
		return nil
	}

	unit, _ := el.Value.(*priceUnit)
	return unit.head
}

// orderCount returns the total number of orders in the queue.
func (q *queue) orderCount() int64 {
	return q.totalOrders
}

// depthCount returns the number of price levels in the queue.
func (q *queue) depthCount() int64 {
	return q.depths
}

// crossableSize sums resting size at prices acceptable to a taker limited by price.
// It stops early once target is reached.
func (q *queue) crossableSize(crosses func(decimal.Decimal) bool, target decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for el := q.depthList.Front(); el != nil; el = el.Next() {
		unit, _ := el.Value.(*priceUnit)
		if !crosses(unit.price) {
			break
		}
		total = total.Add(unit.totalSize)
		if total.GreaterThanOrEqual(target) {
			break
		}
	}
	return total
}

// toSnapshot serializes the queue into a slice of Order structs.
// It iterates through the skip list (price levels) and then the linked list (orders) to preserve priority.
func (q *queue) toSnapshot() []Order {
	snapshots := make([]Order, 0, q.totalOrders)

	for elem := q.depthList.Front(); elem != nil; elem = elem.Next() {
		unit := elem.Value.(*priceUnit)
		for order := unit.head; order != nil; order = order.next {
			snapshots = append(snapshots, order.clone())
		}
	}

	return snapshots
}

// depth returns the order book depth up to the specified limit.
func (q *queue) depth(limit uint32) []DepthItem {
	result := make([]DepthItem, 0, limit)

	el := q.depthList.Front()
	for i := uint32(0); i < limit && el != nil; i++ {
		unit, _ := el.Value.(*priceUnit)
		result = append(result, DepthItem{
			Price: unit.price,
			Size:  unit.totalSize,
			Count: unit.count,
		})
		el = el.Next()
	}

	return result
}
