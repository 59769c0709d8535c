// Package types defines the wire-level vocabulary shared between the REST
// seam (internal/exchange) and the WS session manager (internal/wsfeed):
// outbound subscription frames and the REST /book response. It has no
// dependency on internal packages, so it can be imported by any layer.
//
// The inbound WS market/user channel payloads (book snapshots, price
// changes, trades, order lifecycle events) are not modeled as structs here:
// internal/decode parses them directly off the wire bytes with jsonparser
// instead of unmarshaling into a DOM, so there is no struct for them to
// round-trip through.
package types

// TickSize represents the price granularity for a market. Polymarket
// supports four tick sizes; each market has a fixed tick size that
// determines the minimum price increment and USDC amount rounding
// precision.
type TickSize string

const (
	Tick01    TickSize = "0.1"    // 1 decimal  — coarse markets
	Tick001   TickSize = "0.01"   // 2 decimals — standard markets (most common)
	Tick0001  TickSize = "0.001"  // 3 decimals — fine-grained markets
	Tick00001 TickSize = "0.0001" // 4 decimals — ultra-precise markets
)

// Decimals returns the number of decimal places for a tick size.
func (t TickSize) Decimals() int {
	switch t {
	case Tick01:
		return 1
	case Tick001:
		return 2
	case Tick0001:
		return 3
	case Tick00001:
		return 4
	default:
		return 2
	}
}

// AmountDecimals returns the rounding precision for USDC amounts.
func (t TickSize) AmountDecimals() int {
	switch t {
	case Tick01:
		return 3
	case Tick001:
		return 4
	case Tick0001:
		return 5
	case Tick00001:
		return 6
	default:
		return 4
	}
}

// SignatureType identifies the signing scheme for the CTF exchange contract.
// Auth stores it from config; the L1 EIP-712 ClobAuth signature does not
// include it.
type SignatureType int

const (
	SigEOA        SignatureType = 0 // externally-owned account (standard wallet)
	SigProxy      SignatureType = 1 // Polymarket proxy / Magic wallet
	SigGnosisSafe SignatureType = 2 // Gnosis Safe multisig
)

// PriceLevel is a single bid or ask level as the REST API returns it.
// Price and Size are strings because the CLOB API returns them as strings
// to preserve decimal precision; internal/decode converts these (and the
// equivalent WS fields) through pkg/fixedpoint.
type PriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// BookResponse is the REST response from GET /book for a single token,
// consumed by the core on reconnect when a fresh snapshot is needed before
// the first server-sent WS book message arrives.
type BookResponse struct {
	Market       string       `json:"market"`
	AssetID      string       `json:"asset_id"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	Hash         string       `json:"hash"`
	Timestamp    string       `json:"timestamp"`
	MinOrderSize string       `json:"min_order_size"`
	TickSize     string       `json:"tick_size"`
	NegRisk      bool         `json:"neg_risk"`
}

// WSAuth carries the L2 API credentials that authenticate the user
// WebSocket channel.
type WSAuth struct {
	APIKey     string `json:"api_key"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// SubscribeFrame is the outbound WebSocket message used both for the
// initial connect handshake and for dynamic subscribe/unsubscribe
// afterward; Operation distinguishes the two.
type SubscribeFrame struct {
	Type                 string   `json:"type"`                            // "market" or "user"
	Operation            string   `json:"operation"`                       // "subscribe" or "unsubscribe"
	AssetIDs             []string `json:"asset_ids,omitempty"`             // token IDs (market channel)
	Markets              []string `json:"markets,omitempty"`               // condition IDs (user channel)
	Auth                 *WSAuth  `json:"auth,omitempty"`                  // required for user channel
	InitialDump          bool     `json:"initial_dump,omitempty"`
	CustomFeatureEnabled *bool    `json:"custom_feature_enabled,omitempty"`
}
