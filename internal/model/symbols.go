package model

import "fmt"

// SymbolSpec holds per-instrument trading parameters: venue symbol mapping,
// tick size, quantity granularity, minimums, and maker fee rates.
// Fee rates are in parts-per-million (0.065% = 650 ppm).
type SymbolSpec struct {
	Symbol        string
	BybitSymbol   string
	CoinDCXSymbol string

	TickSize       int64 // cents, minimum price increment
	PricePrecision int   // decimal places venues accept for price
	QtyStep        int64 // sats, minimum quantity increment
	QtyPrecision   int   // decimal places venues accept for quantity
	MinQty         int64 // sats, minimum order size (also the chunk size)

	BybitMakerFeePPM   int64
	CoinDCXMakerFeePPM int64
}

// symbols mirrors the venue instrument filters; MinQty doubles as the chunk
// size so every chunk is independently tradable on both venues.
var symbols = map[string]SymbolSpec{
	"BTC": {
		Symbol:             "BTC",
		BybitSymbol:        "BTCUSDT",
		CoinDCXSymbol:      "B-BTC_USDT",
		TickSize:           10, // 0.10 USD
		PricePrecision:     1,
		QtyStep:            100, // 0.000001 BTC
		QtyPrecision:       6,
		MinQty:             200000, // 0.002 BTC
		BybitMakerFeePPM:   650,
		CoinDCXMakerFeePPM: 500,
	},
	"ETH": {
		Symbol:             "ETH",
		BybitSymbol:        "ETHUSDT",
		CoinDCXSymbol:      "B-ETH_USDT",
		TickSize:           1, // 0.01 USD
		PricePrecision:     2,
		QtyStep:            100, // 0.000001 ETH
		QtyPrecision:       6,
		MinQty:             800000, // 0.008 ETH
		BybitMakerFeePPM:   650,
		CoinDCXMakerFeePPM: 500,
	},
}

// LookupSymbol returns the spec for a supported symbol.
func LookupSymbol(symbol string) (SymbolSpec, error) {
	spec, ok := symbols[symbol]
	if !ok {
		return SymbolSpec{}, fmt.Errorf("unsupported symbol %q", symbol)
	}
	return spec, nil
}

// SupportedSymbols lists the configured symbols.
func SupportedSymbols() []string {
	out := make([]string, 0, len(symbols))
	for s := range symbols {
		out = append(out, s)
	}
	return out
}

// RoundQtyDown floors a quantity to the instrument's step.
func (s SymbolSpec) RoundQtyDown(qty int64) int64 {
	return qty - qty%s.QtyStep
}

// RoundPrice floors a price to the instrument's tick.
func (s SymbolSpec) RoundPrice(price int64) int64 {
	return price - price%s.TickSize
}

// MakerPrice computes a resting price n ticks behind the last traded price:
// buys rest below, sells above, so a post-only order never crosses.
func (s SymbolSpec) MakerPrice(ltp int64, side Side, ticks int64) int64 {
	if side == SideBuy {
		return s.RoundPrice(ltp - ticks*s.TickSize)
	}
	return s.RoundPrice(ltp + ticks*s.TickSize)
}

// CompensateBybitFee scales a buy quantity by 1/(1-fee) so the net received
// after the base-asset fee deduction matches the requested quantity.
func (s SymbolSpec) CompensateBybitFee(qty int64) int64 {
	comp := qty * 1_000_000 / (1_000_000 - s.BybitMakerFeePPM)
	// Round up to the next step so compensation never under-shoots.
	if rem := comp % s.QtyStep; rem != 0 {
		comp += s.QtyStep - rem
	}
	return comp
}

// SplitChunks divides a total quantity into ceil(total/chunkSize) chunks;
// the last chunk carries any remainder and may be smaller.
func SplitChunks(total, chunkSize int64) []int64 {
	if total <= 0 || chunkSize <= 0 {
		return nil
	}
	n := total / chunkSize
	rem := total % chunkSize
	chunks := make([]int64, 0, n+1)
	for i := int64(0); i < n; i++ {
		chunks = append(chunks, chunkSize)
	}
	if rem > 0 {
		chunks = append(chunks, rem)
	}
	return chunks
}

// RemainderInfo describes the untradable tail below one full chunk, with the
// nearest tradable totals on either side. Used by the preview tool.
type RemainderInfo struct {
	HasRemainder bool
	Remainder    int64 // sats
	LowerAmount  int64 // largest tradable total <= requested
	UpperAmount  int64 // smallest tradable total > requested
	FullChunks   int
}

// ChunkRemainder reports how a requested total relates to whole chunks of
// the instrument's minimum quantity.
func (s SymbolSpec) ChunkRemainder(total int64) RemainderInfo {
	full := total / s.MinQty
	rem := total % s.MinQty
	return RemainderInfo{
		HasRemainder: rem > 0,
		Remainder:    rem,
		LowerAmount:  full * s.MinQty,
		UpperAmount:  (full + 1) * s.MinQty,
		FullChunks:   int(full),
	}
}
