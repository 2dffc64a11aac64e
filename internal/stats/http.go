package stats

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// HTTPSource reads region statistics from the ingestion service. The service
// has shipped several payload generations, so field lookups accept aliases.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

func NewHTTPSource(baseURL string, timeout time.Duration, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPSource{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

var (
	casesPaths      = []string{"cases", "confirmed", "total_cases", "totals.cases"}
	deathsPaths     = []string{"deaths", "total_deaths", "totals.deaths"}
	newCasesPaths   = []string{"new_cases", "today.cases", "daily_cases"}
	newDeathsPaths  = []string{"new_deaths", "today.deaths", "daily_deaths"}
	historyPaths    = []string{"history", "timeline", "daily"}
	dayCasesPaths   = []string{"cases", "new_cases", "confirmed"}
	dayDeathsPaths  = []string{"deaths", "new_deaths"}
	asOfPaths       = []string{"as_of", "updated", "timestamp"}
	dateLayouts     = []string{time.RFC3339, "2006-01-02"}
	maxPayloadBytes = int64(4 << 20)
)

func (s *HTTPSource) Observed(ctx context.Context, region string) (Observed, error) {
	body, err := s.fetch(ctx, region)
	if err != nil {
		return Observed{}, err
	}
	doc := gjson.ParseBytes(body)
	obs := Observed{
		Region:    regionKey(region),
		Cases:     int64(first(doc, casesPaths).Float()),
		Deaths:    int64(first(doc, deathsPaths).Float()),
		NewCases:  first(doc, newCasesPaths).Float(),
		NewDeaths: first(doc, newDeathsPaths).Float(),
	}
	if ts, ok := parseDate(first(doc, asOfPaths)); ok {
		obs.AsOf = ts
	}
	return obs, nil
}

func (s *HTTPSource) History(ctx context.Context, region string, days int) ([]DailyStat, error) {
	body, err := s.fetch(ctx, region)
	if err != nil {
		return nil, err
	}
	doc := gjson.ParseBytes(body)
	var out []DailyStat
	first(doc, historyPaths).ForEach(func(_, day gjson.Result) bool {
		ts, ok := parseDate(day.Get("date"))
		if !ok {
			return true
		}
		out = append(out, DailyStat{
			Date:   ts,
			Cases:  first(day, dayCasesPaths).Float(),
			Deaths: first(day, dayDeathsPaths).Float(),
		})
		return true
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	if days > 0 && len(out) > days {
		out = out[len(out)-days:]
	}
	return out, nil
}

func (s *HTTPSource) fetch(ctx context.Context, region string) ([]byte, error) {
	endpoint := s.baseURL + "/v1/regions/" + url.PathEscape(regionKey(region)) + "/stats"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build stats request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stats request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return nil, fmt.Errorf("read stats response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrRegionNotFound, region)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("stats api status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("stats api returned invalid json")
	}
	return body, nil
}

func first(doc gjson.Result, paths []string) gjson.Result {
	for _, p := range paths {
		if v := doc.Get(p); v.Exists() {
			return v
		}
	}
	return gjson.Result{}
}

func parseDate(v gjson.Result) (time.Time, bool) {
	if !v.Exists() {
		return time.Time{}, false
	}
	if v.Type == gjson.Number {
		return time.Unix(v.Int(), 0).UTC(), true
	}
	raw := v.String()
	for _, layout := range dateLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), true
		}
	}
	if sec, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC(), true
	}
	return time.Time{}, false
}
