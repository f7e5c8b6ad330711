// Command tokens looks up futures contract tokens in the exchange contract
// file and can generate a watchlist for the collector.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"tickflow/config"
	"tickflow/internal/contracts"
	"tickflow/internal/symbols"
	"tickflow/internal/watchlist"
	"tickflow/logger"
)

func main() {
	log := logger.GetLogger()
	defaults := config.Default().Contracts
	market := config.Default().Market

	file := flag.String("contracts", defaults.File, "Path to the tab-delimited contract file")
	instrument := flag.String("type", defaults.InstrumentType, "Instrument type to keep")
	rollover := flag.Int("rollover", defaults.RolloverDays, "Roll to the next expiry this many days before expiry")
	symbol := flag.String("symbol", "", "Print the contract for one symbol")
	expiry := flag.String("expiry", "", "Expiry code to use instead of the active one")
	search := flag.String("search", "", "List symbols matching a partial name")
	list := flag.String("symbols", "", "Comma separated symbols or company names for a watchlist")
	all := flag.Bool("all", false, "Build the watchlist from every symbol in the contract file")
	out := flag.String("out", "", "Write the watchlist here instead of stdout")
	tz := flag.String("tz", market.Timezone, "Timezone expiry days start in")
	flag.Parse()

	market.Timezone = *tz
	resolver, err := contracts.Load(*file, *instrument, *rollover, contracts.WithLocation(market.Location()))
	if err != nil {
		log.WithError(err).Error("failed to load contracts")
		os.Exit(1)
	}

	switch {
	case *search != "":
		for _, s := range resolver.SearchSymbol(*search) {
			fmt.Println(s)
		}

	case *symbol != "":
		c, err := resolver.TokenInfo(symbols.Normalize(*symbol), *expiry)
		if err != nil {
			if errors.Is(err, contracts.ErrSymbolNotFound) {
				if matches := resolver.SearchSymbol(*symbol); len(matches) > 0 {
					fmt.Fprintf(os.Stderr, "did you mean: %s\n", strings.Join(matches, ", "))
				}
			}
			log.WithError(err).Error("lookup failed")
			os.Exit(1)
		}
		fmt.Printf("%s\t%s\t%s\tlot=%d\ttick=%g\n", c.Symbol, c.Expiry, c.Token, c.LotSize, c.TickSize)

	case *list != "" || *all:
		names := resolver.Symbols()
		if !*all {
			names = resolveNames(resolver, strings.Split(*list, ","))
		}
		exp := *expiry
		if exp == "" {
			if exp, err = resolver.CurrentExpiry(); err != nil {
				log.WithError(err).Error("no active expiry")
				os.Exit(1)
			}
		}
		wl := watchlist.FromContracts(resolver.TokensForSymbols(names, exp))
		if *out == "" {
			for _, e := range wl.Entries() {
				fmt.Printf("%s:%s\n", e.Token, e.Symbol)
			}
			return
		}
		if err := wl.Write(*out); err != nil {
			log.WithError(err).Error("failed to write watchlist")
			os.Exit(1)
		}
		log.WithFields(logger.Fields{
			"file":    *out,
			"expiry":  exp,
			"entries": wl.Len(),
		}).Info("watchlist written")

	default:
		exp, err := resolver.CurrentExpiry()
		if err != nil {
			log.WithError(err).Error("no active expiry")
			os.Exit(1)
		}
		fmt.Printf("active expiry: %s\n", exp)
		fmt.Printf("expiries: %s\n", strings.Join(resolver.Expiries(), ", "))
		fmt.Printf("symbols: %d (skipped rows: %d)\n", len(resolver.Symbols()), resolver.Skipped())
	}
}

// resolveNames maps each input to a contract symbol, trying the short-code
// table first and the contract file's asset names second.
func resolveNames(r *contracts.Resolver, in []string) []string {
	out := make([]string, 0, len(in))
	for _, name := range symbols.NormalizeAll(in) {
		if sym, ok := r.SymbolForAsset(name); ok {
			out = append(out, sym)
			continue
		}
		out = append(out, name)
	}
	return out
}
