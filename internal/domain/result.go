// internal/domain/result.go
package domain

import "time"

// Metrics are the performance figures of one optimization pass.
type Metrics struct {
	Result         float64 `json:"result"`
	Profit         float64 `json:"profit"`
	Drawdown       float64 `json:"drawdown"`
	Trades         int     `json:"trades"`
	SharpeRatio    float64 `json:"sharpe_ratio"`
	ProfitFactor   float64 `json:"profit_factor"`
	RecoveryFactor float64 `json:"recovery_factor"`
	ExpectedPayoff float64 `json:"expected_payoff"`
	CustomScore    float64 `json:"custom_score"`
}

// ResultRow is one parsed report row, ready for deduplication.
type ResultRow struct {
	Symbol     string    `json:"symbol"`
	Period     string    `json:"period"`
	StartDate  time.Time `json:"start_date"`
	EndDate    time.Time `json:"end_date"`
	PassNumber int       `json:"pass_number"`
	Params     Params    `json:"params"`
	Metrics
	Hash string `json:"result_hash,omitempty"`
}

// ScoreFunc ranks a pass. It is applied after the derived metrics are filled.
type ScoreFunc func(m Metrics) float64

// DefaultScore penalises drawdown twice as hard as it rewards profit.
func DefaultScore(m Metrics) float64 {
	return m.Profit - 2*m.Drawdown
}
