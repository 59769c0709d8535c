// Package decode turns a single WebSocket payload into zero or more
// stream events, applying book-mutating ones to a registry.Registry along
// the way. It parses directly off the caller-owned byte slice using
// jsonparser's tape-style API instead of encoding/json, so steady-state
// decoding of a known message shape does not round-trip through a DOM.
package decode

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/buger/jsonparser"

	"polybook/internal/book"
	"polybook/internal/registry"
	"polybook/pkg/fixedpoint"
	"polybook/pkg/types"
)

// ErrProtocol marks malformed JSON, an unknown required field, or a bad
// number. The offending message is dropped; the session continues.
var ErrProtocol = errors.New("decode: protocol error")

// ErrSemantic marks an unknown side or invalid price/size. The offending
// message is dropped but is not logged at warn level. A stale sequence is
// not an error: it is reported through ApplySummary.StaleCount instead.
var ErrSemantic = errors.New("decode: semantic error")

// Kind tags the stream event produced by decoding one wire message.
type Kind int

const (
	EventUnknown Kind = iota
	EventBookSnapshot
	EventBookDelta
	EventTrade
	EventBestBidAsk
	EventPriceChange // reserved: price_change messages decode as EventBookDelta
	EventLastTradePrice
	EventUserOrderPlacement
	EventUserOrderUpdate
	EventUserOrderCancellation
	EventUserTrade
	EventHeartbeat
)

func (k Kind) String() string {
	switch k {
	case EventBookSnapshot:
		return "BookSnapshot"
	case EventBookDelta:
		return "BookDelta"
	case EventTrade:
		return "Trade"
	case EventBestBidAsk:
		return "BestBidAsk"
	case EventPriceChange:
		return "PriceChange"
	case EventLastTradePrice:
		return "LastTradePrice"
	case EventUserOrderPlacement:
		return "UserOrderPlacement"
	case EventUserOrderUpdate:
		return "UserOrderUpdate"
	case EventUserOrderCancellation:
		return "UserOrderCancellation"
	case EventUserTrade:
		return "UserTrade"
	case EventHeartbeat:
		return "Heartbeat"
	default:
		return "Unknown"
	}
}

// Event is one decoded stream message. Book-mutating kinds set AssetID,
// Sequence and Timestamp and also drive a registry update, reflected in the
// ApplySummary returned alongside the event. Informational kinds set
// AssetID and Timestamp when the message carries them and leave Sequence
// zero; a Heartbeat carries only its Kind.
type Event struct {
	Kind      Kind
	AssetID   string
	Sequence  uint64
	Timestamp uint64
}

// ApplySummary reports how much book-mutating work one Decode call did.
// It is a stack value, cheap enough to return from the hot path.
// MessagesApplied/LevelsApplied only count work that actually landed in the
// registry; a message dropped as stale is counted in StaleCount instead.
type ApplySummary struct {
	MessagesApplied int
	LevelsApplied   int
	StaleCount      int
}

// Decoder holds the scratch buffers reused across Decode calls. It is not
// safe for concurrent use; one WS session owns one Decoder.
type Decoder struct {
	reg *registry.Registry

	scratchBids    []book.Level
	scratchAsks    []book.Level
	scratchChanges []book.DeltaChange
}

// New creates a Decoder that applies book-mutating events to reg.
func New(reg *registry.Registry) *Decoder {
	return &Decoder{reg: reg}
}

// Decode parses payload, which may be a single JSON object or an array of
// objects (the initial-connect framing), applying every book-mutating
// message to the registry and returning one Event per message plus a
// summary aggregated across the whole payload.
func (d *Decoder) Decode(payload []byte) ([]Event, ApplySummary, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, ApplySummary{}, nil
	}
	if trimmed[0] == '[' {
		return d.decodeArray(trimmed)
	}
	ev, summary, err := d.decodeObject(trimmed)
	if err != nil {
		return nil, summary, err
	}
	return []Event{ev}, summary, nil
}

// decodeArray treats the payload as an outer array of independent
// messages; the initial book snapshot on connect is delivered this way as
// [{book1},{book2},...]. An empty array is a no-op.
func (d *Decoder) decodeArray(data []byte) ([]Event, ApplySummary, error) {
	var events []Event
	var total ApplySummary
	var firstErr error

	_, err := jsonparser.ArrayEach(data, func(value []byte, dataType jsonparser.ValueType, _ int, iterErr error) {
		if iterErr != nil || dataType != jsonparser.Object {
			return
		}
		ev, summary, decodeErr := d.decodeObject(value)
		total.MessagesApplied += summary.MessagesApplied
		total.LevelsApplied += summary.LevelsApplied
		total.StaleCount += summary.StaleCount
		if decodeErr != nil {
			if firstErr == nil {
				firstErr = decodeErr
			}
			return
		}
		events = append(events, ev)
	})
	if err != nil {
		return events, total, fmt.Errorf("%w: array framing: %v", ErrProtocol, err)
	}
	return events, total, firstErr
}

// decodeObject dispatches a single message object by its event tag,
// case-insensitively, per the wire tag table.
func (d *Decoder) decodeObject(data []byte) (Event, ApplySummary, error) {
	tag, _ := firstString(data, "event_type", "type")

	switch classify(tag, data) {
	case EventBookSnapshot:
		return d.applyBookSnapshot(data)
	case EventBookDelta:
		return d.applyPriceChange(data)
	case EventBestBidAsk:
		return d.simpleEvent(EventBestBidAsk, data)
	case EventLastTradePrice:
		return d.simpleEvent(EventLastTradePrice, data)
	case EventTrade:
		return d.simpleEvent(EventTrade, data)
	case EventUserTrade:
		return d.simpleEvent(EventUserTrade, data)
	case EventUserOrderPlacement:
		return d.simpleEvent(EventUserOrderPlacement, data)
	case EventUserOrderUpdate:
		return d.simpleEvent(EventUserOrderUpdate, data)
	case EventUserOrderCancellation:
		return d.simpleEvent(EventUserOrderCancellation, data)
	default:
		// Unrecognized tag: never an error, just a recoverable fallback so
		// downstream consumers still see forward progress.
		return Event{Kind: EventHeartbeat}, ApplySummary{}, nil
	}
}

// classify maps a wire tag to an event Kind. "trade" additionally
// disambiguates on the presence of a "status" field: user-channel trades
// carry one, market-channel trades don't.
func classify(tag string, data []byte) Kind {
	switch strings.ToLower(tag) {
	case "book":
		return EventBookSnapshot
	case "price_change":
		return EventBookDelta
	case "best_bid_ask":
		return EventBestBidAsk
	case "last_trade_price":
		return EventLastTradePrice
	case "trade":
		if _, _, _, err := jsonparser.Get(data, "status"); err == nil {
			return EventUserTrade
		}
		return EventTrade
	case "placement":
		return EventUserOrderPlacement
	case "update":
		return EventUserOrderUpdate
	case "cancellation":
		return EventUserOrderCancellation
	default:
		return EventUnknown
	}
}

func (d *Decoder) applyBookSnapshot(data []byte) (Event, ApplySummary, error) {
	// asset_id and hash are retained beyond this call (as a map key and as
	// Book.hash respectively), so they need an owned copy; GetString
	// allocates that copy. Every other field below is parsed immediately
	// into an integer or enum and never outlives this function, so it is
	// safe to read with the zero-copy GetUnsafeString.
	assetID, err := jsonparser.GetString(data, "asset_id")
	if err != nil || assetID == "" {
		return Event{}, ApplySummary{}, fmt.Errorf("%w: missing asset_id", ErrProtocol)
	}
	ts, err := parseTimestamp(data, "timestamp")
	if err != nil {
		return Event{}, ApplySummary{}, fmt.Errorf("%w: bad timestamp: %v", ErrProtocol, err)
	}
	hash, _ := jsonparser.GetString(data, "hash")

	d.scratchBids = d.scratchBids[:0]
	d.scratchAsks = d.scratchAsks[:0]

	nBids, err := extractLevels(data, "bids", &d.scratchBids)
	if err != nil {
		return Event{}, ApplySummary{}, err
	}
	nAsks, err := extractLevels(data, "asks", &d.scratchAsks)
	if err != nil {
		return Event{}, ApplySummary{}, err
	}

	bids, asks := d.scratchBids, d.scratchAsks
	var applied bool
	err = d.reg.WithBookMut(assetID, func(b *book.Book) error {
		// The server has no independent sequence counter on this wire
		// format; timestamp doubles as the monotonic ordering key (see
		// the timestamp/sequence duality noted for the hot apply path).
		applied = b.ApplySnapshot(bids, asks, ts, ts, hash)
		return nil
	})
	if err != nil {
		return Event{}, ApplySummary{}, err
	}
	if !applied {
		return Event{}, ApplySummary{StaleCount: 1}, nil
	}

	ev := Event{Kind: EventBookSnapshot, AssetID: assetID, Sequence: ts, Timestamp: ts}
	return ev, ApplySummary{MessagesApplied: 1, LevelsApplied: nBids + nAsks}, nil
}

// ApplyBookResponse applies a REST book snapshot (types.BookResponse) to the
// registry through the same path a WS "book" event takes. The core's WS
// session calls this to prefetch a starting book on (re)connect, before the
// server's first WS snapshot for that asset arrives.
func (d *Decoder) ApplyBookResponse(resp *types.BookResponse) (bool, error) {
	ts, err := strconv.ParseUint(resp.Timestamp, 10, 64)
	if err != nil {
		return false, fmt.Errorf("%w: bad timestamp: %v", ErrProtocol, err)
	}

	d.scratchBids = d.scratchBids[:0]
	d.scratchAsks = d.scratchAsks[:0]
	for _, lv := range resp.Bids {
		price, perr := fixedpoint.ParsePrice(lv.Price)
		qty, qerr := fixedpoint.ParseQty(lv.Size)
		if perr != nil || qerr != nil {
			return false, fmt.Errorf("%w: %v", ErrSemantic, errors.Join(perr, qerr))
		}
		d.scratchBids = append(d.scratchBids, book.Level{Price: price, Qty: qty})
	}
	for _, lv := range resp.Asks {
		price, perr := fixedpoint.ParsePrice(lv.Price)
		qty, qerr := fixedpoint.ParseQty(lv.Size)
		if perr != nil || qerr != nil {
			return false, fmt.Errorf("%w: %v", ErrSemantic, errors.Join(perr, qerr))
		}
		d.scratchAsks = append(d.scratchAsks, book.Level{Price: price, Qty: qty})
	}

	var applied bool
	err = d.reg.WithBookMut(resp.AssetID, func(b *book.Book) error {
		applied = b.ApplySnapshot(d.scratchBids, d.scratchAsks, ts, ts, resp.Hash)
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// applyPriceChange decodes every entry in the message's "changes" array and
// applies them as one batch under a single sequence gate: the message
// carries one timestamp for all of its changes, so the book's sequence is
// checked once against that timestamp rather than once per change. Gating
// per change would make every change after the first look stale, since the
// first change to apply would already have advanced the book's sequence to
// the message's timestamp.
func (d *Decoder) applyPriceChange(data []byte) (Event, ApplySummary, error) {
	assetID, err := jsonparser.GetString(data, "asset_id")
	if err != nil || assetID == "" {
		return Event{}, ApplySummary{}, fmt.Errorf("%w: missing asset_id", ErrProtocol)
	}
	ts, err := parseTimestamp(data, "timestamp")
	if err != nil {
		return Event{}, ApplySummary{}, fmt.Errorf("%w: bad timestamp: %v", ErrProtocol, err)
	}

	d.scratchChanges = d.scratchChanges[:0]
	var applyErr error
	_, err = jsonparser.ArrayEach(data, func(value []byte, _ jsonparser.ValueType, _ int, iterErr error) {
		if iterErr != nil || applyErr != nil {
			return
		}
		priceStr, perr := jsonparser.GetUnsafeString(value, "price")
		sizeStr, serr := jsonparser.GetUnsafeString(value, "size")
		sideStr, sderr := jsonparser.GetUnsafeString(value, "side")
		if perr != nil || serr != nil || sderr != nil {
			applyErr = fmt.Errorf("%w: change missing price/size/side", ErrProtocol)
			return
		}
		price, perr := fixedpoint.ParsePrice(priceStr)
		qty, qerr := fixedpoint.ParseQty(sizeStr)
		if perr != nil || qerr != nil {
			applyErr = fmt.Errorf("%w: %v", ErrSemantic, errors.Join(perr, qerr))
			return
		}
		side, sidErr := parseSide(sideStr)
		if sidErr != nil {
			applyErr = fmt.Errorf("%w: %v", ErrSemantic, sidErr)
			return
		}

		d.scratchChanges = append(d.scratchChanges, book.DeltaChange{Side: side, Price: price, Qty: qty})
	}, "changes")
	if err != nil && !errors.Is(err, jsonparser.KeyPathNotFoundError) {
		return Event{}, ApplySummary{}, fmt.Errorf("%w: changes array: %v", ErrProtocol, err)
	}
	if applyErr != nil {
		return Event{}, ApplySummary{}, applyErr
	}

	changes := d.scratchChanges
	var applied bool
	err = d.reg.WithBookMut(assetID, func(b *book.Book) error {
		applied = b.ApplyDeltaBatch(changes, ts, ts)
		return nil
	})
	if err != nil {
		return Event{}, ApplySummary{}, err
	}
	if !applied {
		return Event{}, ApplySummary{StaleCount: 1}, nil
	}

	ev := Event{Kind: EventBookDelta, AssetID: assetID, Sequence: ts, Timestamp: ts}
	return ev, ApplySummary{MessagesApplied: 1, LevelsApplied: len(changes)}, nil
}

// simpleEvent handles informational message kinds (best_bid_ask,
// last_trade_price, trade, user order events) that carry no book-mutating
// levels. Missing fields degrade to zero values rather than failing the
// message: these kinds are not part of the apply path.
func (d *Decoder) simpleEvent(kind Kind, data []byte) (Event, ApplySummary, error) {
	assetID, _ := jsonparser.GetString(data, "asset_id")
	ts, _ := parseTimestamp(data, "timestamp")
	return Event{Kind: kind, AssetID: assetID, Timestamp: ts}, ApplySummary{}, nil
}

func extractLevels(data []byte, key string, out *[]book.Level) (int, error) {
	count := 0
	var firstErr error
	_, err := jsonparser.ArrayEach(data, func(value []byte, _ jsonparser.ValueType, _ int, iterErr error) {
		if iterErr != nil || firstErr != nil {
			return
		}
		priceStr, perr := jsonparser.GetUnsafeString(value, "price")
		sizeStr, serr := jsonparser.GetUnsafeString(value, "size")
		if perr != nil || serr != nil {
			firstErr = fmt.Errorf("%w: level missing price/size", ErrProtocol)
			return
		}
		price, perr := fixedpoint.ParsePrice(priceStr)
		qty, qerr := fixedpoint.ParseQty(sizeStr)
		if perr != nil || qerr != nil {
			firstErr = fmt.Errorf("%w: %v", ErrSemantic, errors.Join(perr, qerr))
			return
		}
		*out = append(*out, book.Level{Price: price, Qty: qty})
		count++
	}, key)
	if err != nil && !errors.Is(err, jsonparser.KeyPathNotFoundError) {
		return 0, fmt.Errorf("%w: %s array: %v", ErrProtocol, key, err)
	}
	return count, firstErr
}

func parseSide(s string) (book.Side, error) {
	switch strings.ToUpper(s) {
	case "BUY":
		return book.Buy, nil
	case "SELL":
		return book.Sell, nil
	default:
		return 0, fmt.Errorf("unknown side %q", s)
	}
}

// parseTimestamp tolerates both an integer and a numeric string for key,
// matching servers that vary the wire encoding across versions.
func parseTimestamp(data []byte, key string) (uint64, error) {
	val, dataType, _, err := jsonparser.Get(data, key)
	if err != nil {
		return 0, err
	}
	switch dataType {
	case jsonparser.Number, jsonparser.String:
		return strconv.ParseUint(string(val), 10, 64)
	default:
		return 0, fmt.Errorf("unsupported timestamp type %v", dataType)
	}
}

// firstString returns the first of keys present in data as a string,
// tolerating the market channel's "event_type" and the user channel's
// "type" tag without the caller needing to know which one applies.
func firstString(data []byte, keys ...string) (string, error) {
	for _, k := range keys {
		if v, err := jsonparser.GetUnsafeString(data, k); err == nil {
			return v, nil
		}
	}
	return "", jsonparser.KeyPathNotFoundError
}
