package providers

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

var (
	caseKeys       = []string{"cases", "cases_forecast", "new_cases", "predicted_cases", "forecast.cases"}
	deathKeys      = []string{"deaths", "deaths_forecast", "new_deaths", "predicted_deaths", "forecast.deaths"}
	confidenceKeys = []string{"confidence", "confidence_score", "forecast.confidence"}
	dayKeys        = []string{"day", "offset_day", "offset", "d"}
	valueKeys      = []string{"value", "v", "count", "y"}
)

// ParsedForecast is the model-agnostic content pulled out of a completion.
type ParsedForecast struct {
	Cases      []Point
	Deaths     []Point
	Confidence *float64
}

// ParseForecast finds the first JSON object in text and reads forecast series
// from it. Models wrap JSON in prose or code fences, use different key names,
// and sometimes emit {day, value} objects instead of bare numbers; all of
// those are accepted. ok is false when text holds no JSON object at all.
func ParseForecast(text string) (ParsedForecast, bool) {
	doc, ok := jsonObject(text)
	if !ok {
		return ParsedForecast{}, false
	}
	var out ParsedForecast
	out.Cases = series(lookup(doc, caseKeys))
	out.Deaths = series(lookup(doc, deathKeys))
	if c := lookup(doc, confidenceKeys); c.Exists() {
		v := c.Float()
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			v = math.Max(0, math.Min(1, v))
			out.Confidence = &v
		}
	}
	return out, true
}

func jsonObject(text string) (string, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", false
	}
	candidate := text[start : end+1]
	if !gjson.Valid(candidate) {
		return "", false
	}
	return candidate, true
}

func lookup(doc string, keys []string) gjson.Result {
	for _, k := range keys {
		if r := gjson.Get(doc, k); r.Exists() {
			return r
		}
	}
	return gjson.Result{}
}

func lookupResult(r gjson.Result, keys []string) gjson.Result {
	for _, k := range keys {
		if v := r.Get(k); v.Exists() {
			return v
		}
	}
	return gjson.Result{}
}

func series(r gjson.Result) []Point {
	if !r.IsArray() {
		return nil
	}
	var out []Point
	for i, item := range r.Array() {
		p := Point{Day: i + 1}
		switch {
		case item.Type == gjson.Number:
			p.Value = item.Float()
		case item.Type == gjson.String:
			v, err := strconv.ParseFloat(strings.TrimSpace(item.Str), 64)
			if err != nil {
				continue
			}
			p.Value = v
		case item.IsObject():
			v := lookupResult(item, valueKeys)
			if !v.Exists() {
				continue
			}
			p.Value = v.Float()
			if d := lookupResult(item, dayKeys); d.Exists() && d.Int() > 0 {
				p.Day = int(d.Int())
			}
		default:
			continue
		}
		if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// DecodeText turns a completion into RawOutput. Text without a JSON object
// still yields a RawOutput with empty series; the normalizer fills them.
func DecodeText(provider, model, text string, latency time.Duration) RawOutput {
	out := RawOutput{Provider: provider, Model: model, Text: text, Latency: latency}
	parsed, ok := ParseForecast(text)
	if !ok {
		log.Debug().Str("provider", provider).Msg("Completion carried no JSON forecast")
		return out
	}
	out.Cases = parsed.Cases
	out.Deaths = parsed.Deaths
	out.ReportedConfidence = parsed.Confidence
	return out
}
