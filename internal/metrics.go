package internal

import "expvar"

var (
	requestsTotal = expvar.NewMap("benchrelay_requests_total")
	parseErrors   = expvar.NewMap("benchrelay_parse_errors_total")
	resultsTotal  = expvar.NewMap("benchrelay_results_total")
	publishErrors = expvar.NewMap("benchrelay_publish_errors_total")
)

func IncRequest(provider string) {
	requestsTotal.Add(provider, 1)
}

func IncParseError(provider string) {
	parseErrors.Add(provider, 1)
}

// IncResult counts terminal relay states: ignored, skipped, dispatched, failed.
func IncResult(state string) {
	resultsTotal.Add(state, 1)
}

func IncPublishError(driver string) {
	publishErrors.Add(driver, 1)
}
