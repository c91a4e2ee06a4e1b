// cmd/preview prints how a requested quantity splits into venue-minimum
// chunks, without touching any venue. Useful for sizing a trade before
// arming it.
//
// Usage:
//
//	go run ./cmd/preview --symbol=BTC --qty=0.0075
package main

import (
	"flag"
	"fmt"
	"log"

	"hedge-systemv1/internal/model"
	"hedge-systemv1/pkg/fixedpoint"
)

func main() {
	log.SetFlags(0)

	symbol := flag.String("symbol", "BTC", "Instrument symbol (BTC, ETH)")
	qtyStr := flag.String("qty", "", "Requested quantity in the base asset, e.g. 0.0075")
	flag.Parse()

	if *qtyStr == "" {
		log.Fatal("[preview] --qty is required")
	}

	spec, err := model.LookupSymbol(*symbol)
	if err != nil {
		log.Fatalf("[preview] %v", err)
	}
	qty, err := fixedpoint.ParseSats(*qtyStr)
	if err != nil {
		log.Fatalf("[preview] invalid quantity %q: %v", *qtyStr, err)
	}

	info := spec.ChunkRemainder(qty)
	fmt.Printf("symbol:     %s (min chunk %s)\n", spec.Symbol, fixedpoint.FormatSats(spec.MinQty))
	fmt.Printf("requested:  %s\n", fixedpoint.FormatSats(qty))

	if qty < spec.MinQty {
		fmt.Printf("\nrequested quantity is below one chunk; smallest tradable amount is %s\n",
			fixedpoint.FormatSats(spec.MinQty))
		return
	}

	if info.HasRemainder {
		fmt.Printf("remainder:  %s (not a whole number of chunks)\n", fixedpoint.FormatSats(info.Remainder))
		fmt.Printf("round down: %s (%d chunks)\n", fixedpoint.FormatSats(info.LowerAmount), info.FullChunks)
		fmt.Printf("round up:   %s (%d chunks)\n", fixedpoint.FormatSats(info.UpperAmount), info.FullChunks+1)
	}

	tradable := spec.RoundQtyDown(qty)
	sizes := model.SplitChunks(tradable, spec.MinQty)
	fmt.Printf("\nexecution plan for %s:\n", fixedpoint.FormatSats(tradable))
	for i, size := range sizes {
		fmt.Printf("  chunk %d: %s\n", i+1, fixedpoint.FormatSats(size))
	}
}
