// Package order holds the static table orderings used when truncating and
// refilling a database. Orderings are data: they are written down by hand
// from the schema's foreign keys and never inferred from the catalog.
package order

import (
	"fmt"
	"sort"
	"strings"
)

const DefaultName = "content"

// Ordering lists tables parents first. DependsOn records the foreign-key
// parents of a table so the list can be validated; it does not drive sorting.
type Ordering struct {
	Name               string
	Tables             []string
	DependsOn          map[string][]string
	TruncateBeforeSync []string
}

// Content is the content-ingestion schema.
var Content = Ordering{
	Name: "content",
	Tables: []string{
		"Movies",
		"Series",
		"ContentTypes",

		"Seasons",
		"MoviesDeeplinks",

		"Episodes",

		"SeriesDeeplinks",

		"MoviesPrices",
		"SeriesPrices",

		"Graveyard",
		"AuditLog",
	},
	DependsOn: map[string][]string{
		"Seasons":         {"Series"},
		"MoviesDeeplinks": {"Movies"},
		"Episodes":        {"Seasons", "Series"},
		"SeriesDeeplinks": {"Series", "Episodes"},
		"MoviesPrices":    {"MoviesDeeplinks"},
		"SeriesPrices":    {"SeriesDeeplinks"},
	},
	TruncateBeforeSync: []string{"AuditLog"},
}

// Scraper is the scraper schema, which keeps provider ingestion tables next
// to the catalog.
var Scraper = Ordering{
	Name: "scraper",
	Tables: []string{
		"Providers",
		"Movies",
		"Series",

		"Seasons",
		"Episodes",

		"IngestorMovies",
		"IngestorSeries",

		"IngestorMoviesMetadataGN",
		"IngestorSeriesMetadataGN",
		"IngestorEpisodesMetadataGN",

		"AuditLog",
	},
	DependsOn: map[string][]string{
		"Seasons":                    {"Series"},
		"Episodes":                   {"Seasons", "Series"},
		"IngestorMovies":             {"Providers", "Movies"},
		"IngestorSeries":             {"Providers", "Series"},
		"IngestorMoviesMetadataGN":   {"IngestorMovies"},
		"IngestorSeriesMetadataGN":   {"IngestorSeries"},
		"IngestorEpisodesMetadataGN": {"IngestorSeries", "Episodes"},
	},
	TruncateBeforeSync: []string{"AuditLog"},
}

// Builtin returns the orderings shipped with the tool, keyed by name.
func Builtin() map[string]Ordering {
	return map[string]Ordering{
		Content.Name: Content,
		Scraper.Name: Scraper,
	}
}

// Lookup finds an ordering by name. Custom orderings shadow built-in ones
// with the same name.
func Lookup(name string, custom map[string]Ordering) (Ordering, error) {
	if name == "" {
		name = DefaultName
	}
	if o, ok := custom[name]; ok {
		if o.Name == "" {
			o.Name = name
		}
		return o, nil
	}
	if o, ok := Builtin()[name]; ok {
		return o, nil
	}

	known := make([]string, 0, len(custom)+2)
	for n := range Builtin() {
		known = append(known, n)
	}
	for n := range custom {
		known = append(known, n)
	}
	sort.Strings(known)
	return Ordering{}, fmt.Errorf("unknown table ordering %q (available: %s)", name, strings.Join(known, ", "))
}

// Position returns the table's index in the ordering.
func (o Ordering) Position(table string) (int, bool) {
	for i, t := range o.Tables {
		if t == table {
			return i, true
		}
	}
	return -1, false
}

// Sort returns tables in dependency order. Tables the ordering does not know
// follow all known ones and keep their input order.
func (o Ordering) Sort(tables []string) []string {
	out := make([]string, len(tables))
	copy(out, tables)

	sort.SliceStable(out, func(i, j int) bool {
		pi, iok := o.Position(out[i])
		pj, jok := o.Position(out[j])
		switch {
		case iok && jok:
			return pi < pj
		case iok:
			return true
		default:
			return false
		}
	})
	return out
}

func (o Ordering) TruncatesBeforeSync(table string) bool {
	for _, t := range o.TruncateBeforeSync {
		if t == table {
			return true
		}
	}
	return false
}

// Validate checks that no table is listed twice and that every table comes
// after all of its parents.
func (o Ordering) Validate() error {
	if len(o.Tables) == 0 {
		return fmt.Errorf("ordering %q lists no tables", o.Name)
	}

	seen := make(map[string]bool, len(o.Tables))
	for _, t := range o.Tables {
		if seen[t] {
			return fmt.Errorf("ordering %q lists %s twice", o.Name, t)
		}
		seen[t] = true
	}

	children := make([]string, 0, len(o.DependsOn))
	for child := range o.DependsOn {
		children = append(children, child)
	}
	sort.Strings(children)

	for _, child := range children {
		pos, ok := o.Position(child)
		if !ok {
			return fmt.Errorf("ordering %q: %s has dependencies but is not listed", o.Name, child)
		}
		for _, parent := range o.DependsOn[child] {
			ppos, ok := o.Position(parent)
			if !ok {
				return fmt.Errorf("ordering %q: %s depends on unlisted table %s", o.Name, child, parent)
			}
			if ppos >= pos {
				return fmt.Errorf("ordering %q: %s is listed before its parent %s", o.Name, child, parent)
			}
		}
	}
	return nil
}
