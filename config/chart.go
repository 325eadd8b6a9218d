package config

import "github.com/joho/godotenv"

// ChartConfig holds the reserved nominal account numbers for one deployment.
// The numbers are opaque to the ledger core; only their roles matter.
// Account number *ranges* (trading >= 4000, contra-eligible 1000-2999) are
// business invariants and live with the models, not here.
type ChartConfig struct {
	DebtorControl   int
	CreditorControl int
	VatControl      int
	Suspense        int
	ProfitAndLoss   int
}

var chart ChartConfig

func GetChart() ChartConfig {
	return chart
}

// SetChart overrides the reserved accounts. Tests use this to install a
// known chart without env plumbing.
func SetChart(c ChartConfig) {
	chart = c
}

func init() {
	// chart.go initializes before database.go; load .env here so the
	// reserved numbers see it.
	godotenv.Load()
	chart = ChartConfig{
		DebtorControl:   intFromEnv("CHART_DEBTOR_CONTROL", 1100),
		CreditorControl: intFromEnv("CHART_CREDITOR_CONTROL", 2100),
		VatControl:      intFromEnv("CHART_VAT_CONTROL", 2150),
		Suspense:        intFromEnv("CHART_SUSPENSE", 7999),
		ProfitAndLoss:   intFromEnv("CHART_PROFIT_AND_LOSS", 3200),
	}
}

// IsControlAccount reports whether n is one of the configured debtor or
// creditor control accounts.
func (c ChartConfig) IsControlAccount(n int) bool {
	return n == c.DebtorControl || n == c.CreditorControl
}
