// Package notify delivers persisted book events to message brokers.
// Every notifier here implements match.Notifier and is driven by the
// EventPipeline's per-notifier backlog, so a slow broker never blocks matching.
package notify

import (
	"fmt"
	"strconv"

	match "github.com/0x5487/exchange-matcher"
	"github.com/0x5487/exchange-matcher/protocol"
)

var serializer protocol.Serializer = protocol.DefaultJSONSerializer{}

// SetSerializer replaces the payload encoding shared by all notifiers.
func SetSerializer(s protocol.Serializer) {
	if s != nil {
		serializer = s
	}
}

// Encode serializes an event for the wire.
func Encode(log *match.BookLog) ([]byte, error) {
	data, err := serializer.Marshal(log)
	if err != nil {
		return nil, fmt.Errorf("%w: encode %s event %d: %w", match.ErrUndeliverable, log.Symbol, log.SequenceID, err)
	}
	return data, nil
}

// Decode is the inverse of Encode, for consumers.
func Decode(data []byte) (*match.BookLog, error) {
	log := new(match.BookLog)
	if err := serializer.Unmarshal(data, log); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return log, nil
}

// headers are the attributes carried next to the payload so consumers can
// route and deduplicate without decoding it.
func headers(log *match.BookLog) map[string]string {
	return map[string]string{
		"symbol": log.Symbol,
		"seq":    strconv.FormatUint(log.SequenceID, 10),
		"type":   string(log.Type),
	}
}
