// internal/domain/unit.go
package domain

import (
	"fmt"
	"time"
)

// ConfigUnit is one generated tester configuration: a single symbol over a
// single time window.
type ConfigUnit struct {
	Symbol     string    `json:"symbol"`
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
	Name       string    `json:"name"`
	ConfigPath string    `json:"config_path"`
	ReportPath string    `json:"report_path"`
	FullMonth  bool      `json:"full_month"`
}

// UnitName returns the deterministic unit name {symbol}.{YYYYMMDD}_{YYYYMMDD}.
func UnitName(symbol string, from, to time.Time) string {
	return fmt.Sprintf("%s.%s_%s", symbol, from.Format(NameDateLayout), to.Format(NameDateLayout))
}

// IsFullMonth reports whether [from, to] covers exactly one calendar month.
func IsFullMonth(from, to time.Time) bool {
	if from.Day() != 1 {
		return false
	}
	last := from.AddDate(0, 1, -1)
	return sameDay(last, to)
}

// RunMonth is the YYYY-MM month a window starts in.
func RunMonth(from time.Time) string {
	return from.Format(MonthLayout)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
