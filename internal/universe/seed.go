package universe

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/johnayoung/go-market-integrity/internal/models"
)

// Seed is the YAML document accepted by Import. Dates are YYYY-MM-DD.
//
//	index_id: SP500
//	constituents:
//	  - {symbol: AAPL, added: 1982-11-30}
//	  - {symbol: FB, added: 2013-12-23, removed: 2022-06-09, reason_removed: renamed}
//	ticker_changes:
//	  - {old: FB, new: META, date: 2022-06-09, type: rename}
type Seed struct {
	IndexID       string             `yaml:"index_id"`
	Provider      string             `yaml:"provider"`
	Constituents  []SeedConstituent  `yaml:"constituents"`
	TickerChanges []SeedTickerChange `yaml:"ticker_changes"`
}

// SeedConstituent is one membership interval in a Seed.
type SeedConstituent struct {
	IndexID       string `yaml:"index_id"`
	Symbol        string `yaml:"symbol"`
	Added         string `yaml:"added"`
	Removed       string `yaml:"removed"`
	ReasonAdded   string `yaml:"reason_added"`
	ReasonRemoved string `yaml:"reason_removed"`
	Sector        string `yaml:"sector"`
	Industry      string `yaml:"industry"`
	MarketCap     string `yaml:"market_cap"`
}

// SeedTickerChange is one rename-graph edge in a Seed.
type SeedTickerChange struct {
	Old      string `yaml:"old"`
	New      string `yaml:"new"`
	Date     string `yaml:"date"`
	Type     string `yaml:"type"`
	Ratio    string `yaml:"ratio"`
	Reason   string `yaml:"reason"`
	Acquirer string `yaml:"acquirer"`
}

// ImportStats counts what Import wrote.
type ImportStats struct {
	Constituents  int `json:"constituents"`
	TickerChanges int `json:"ticker_changes"`
}

// ParseSeed decodes and converts a seed document. Every malformed row is
// reported; nothing is returned unless the whole document is valid.
func ParseSeed(r io.Reader) ([]models.IndexConstituent, []models.TickerChange, error) {
	var seed Seed
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil {
		return nil, nil, fmt.Errorf("decode seed: %w", err)
	}

	var problems []string
	constituents := make([]models.IndexConstituent, 0, len(seed.Constituents))
	for i, sc := range seed.Constituents {
		c, err := sc.toModel(seed.IndexID, seed.Provider)
		if err != nil {
			problems = append(problems, fmt.Sprintf("constituents[%d]: %v", i, err))
			continue
		}
		constituents = append(constituents, c)
	}
	changes := make([]models.TickerChange, 0, len(seed.TickerChanges))
	for i, st := range seed.TickerChanges {
		tc, err := st.toModel()
		if err != nil {
			problems = append(problems, fmt.Sprintf("ticker_changes[%d]: %v", i, err))
			continue
		}
		changes = append(changes, tc)
	}
	if len(problems) > 0 {
		return nil, nil, fmt.Errorf("invalid seed:\n- %s", strings.Join(problems, "\n- "))
	}
	return constituents, changes, nil
}

// Import parses a seed and upserts it through the resolver's repositories.
// Replaying the same seed is a no-op.
func Import(ctx context.Context, r io.Reader, resolver *Resolver) (*ImportStats, error) {
	constituents, changes, err := ParseSeed(r)
	if err != nil {
		return nil, err
	}
	if err := resolver.Constituents().Upsert(ctx, constituents...); err != nil {
		return nil, err
	}
	if err := resolver.Tickers().Record(ctx, changes...); err != nil {
		return nil, err
	}
	return &ImportStats{Constituents: len(constituents), TickerChanges: len(changes)}, nil
}

func (sc SeedConstituent) toModel(defaultIndex, provider string) (models.IndexConstituent, error) {
	c := models.IndexConstituent{
		IndexID:       sc.IndexID,
		Symbol:        strings.ToUpper(sc.Symbol),
		ReasonAdded:   sc.ReasonAdded,
		ReasonRemoved: sc.ReasonRemoved,
		Sector:        sc.Sector,
		Industry:      sc.Industry,
		Provider:      provider,
	}
	if c.IndexID == "" {
		c.IndexID = defaultIndex
	}
	added, err := models.ParseDate(sc.Added)
	if err != nil {
		return c, err
	}
	c.DateAdded = added
	if sc.Removed != "" {
		removed, err := models.ParseDate(sc.Removed)
		if err != nil {
			return c, err
		}
		c.DateRemoved = &removed
	}
	if sc.MarketCap != "" {
		mc, err := decimal.NewFromString(sc.MarketCap)
		if err != nil {
			return c, fmt.Errorf("market_cap: %w", err)
		}
		c.MarketCapAtAdd = &mc
	}
	return c, c.Validate()
}

func (st SeedTickerChange) toModel() (models.TickerChange, error) {
	tc := models.TickerChange{
		OldSymbol:        strings.ToUpper(st.Old),
		NewSymbol:        strings.ToUpper(st.New),
		ChangeType:       models.ChangeType(st.Type),
		Reason:           st.Reason,
		AcquiringCompany: st.Acquirer,
	}
	if tc.ChangeType == "" {
		tc.ChangeType = models.ChangeRename
	}
	date, err := models.ParseDate(st.Date)
	if err != nil {
		return tc, err
	}
	tc.ChangeDate = date
	if st.Ratio != "" {
		ratio, err := decimal.NewFromString(st.Ratio)
		if err != nil {
			return tc, fmt.Errorf("ratio: %w", err)
		}
		tc.ConversionRatio = &ratio
	}
	return tc, tc.Validate()
}
