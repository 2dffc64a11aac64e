package providers

import (
	"fmt"
	"sort"
	"strings"
)

// promptHistoryDays caps how much history is sent upstream.
const promptHistoryDays = 28

const forecastInstruction = `Respond with a single JSON object and nothing else, shaped as
{"cases": [n1, n2, ...], "deaths": [n1, n2, ...], "confidence": c}
where cases and deaths hold one predicted daily value per day for the next %d days
and confidence is your confidence between 0 and 1.`

// BuildPrompt renders req as a backend-neutral forecasting prompt.
func BuildPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Forecast daily new cases and deaths for region %q.\n", req.Region)
	fmt.Fprintf(&b, "Cumulative cases: %d. Cumulative deaths: %d.\n", req.Observed.Cases, req.Observed.Deaths)
	fmt.Fprintf(&b, "Latest daily new cases: %.0f. Latest daily new deaths: %.0f.\n", req.Observed.NewCases, req.Observed.NewDeaths)

	history := req.History
	if len(history) > promptHistoryDays {
		history = history[len(history)-promptHistoryDays:]
	}
	if len(history) > 0 {
		b.WriteString("Daily history (date, new cases, new deaths), oldest first:\n")
		for _, d := range history {
			fmt.Fprintf(&b, "%s,%.0f,%.0f\n", d.Date.Format("2006-01-02"), d.Cases, d.Deaths)
		}
	} else {
		b.WriteString("No daily history is available.\n")
	}
	if len(req.Context) > 0 {
		b.WriteString("Additional context:\n")
		for _, k := range sortedKeys(req.Context) {
			fmt.Fprintf(&b, "- %s: %s\n", k, req.Context[k])
		}
	}
	fmt.Fprintf(&b, forecastInstruction, req.HorizonDays)
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
