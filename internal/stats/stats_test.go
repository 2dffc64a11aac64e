package stats

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticSourceHistoryWindow(t *testing.T) {
	s := NewStaticSource()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	var history []DailyStat
	for i := 4; i >= 0; i-- {
		history = append(history, DailyStat{Date: base.AddDate(0, 0, i), Cases: float64(i)})
	}
	s.Set(" Lagos ", Observed{Cases: 100, Deaths: 2}, history)

	obs, err := s.Observed(context.Background(), "lagos")
	require.NoError(t, err)
	assert.Equal(t, "lagos", obs.Region)
	assert.Equal(t, int64(100), obs.Cases)

	h, err := s.History(context.Background(), "LAGOS", 3)
	require.NoError(t, err)
	require.Len(t, h, 3)
	assert.Equal(t, []float64{2, 3, 4}, CaseSeries(h))

	// callers get their own copy
	h[0].Cases = 99
	again, _ := s.History(context.Background(), "lagos", 3)
	assert.Equal(t, 2.0, again[0].Cases)
}

func TestStaticSourceUnknownRegion(t *testing.T) {
	_, err := NewStaticSource().Observed(context.Background(), "nowhere")
	assert.ErrorIs(t, err, ErrRegionNotFound)
}

func TestLoadStaticSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.yaml")
	fixture := `regions:
  nairobi:
    observed: {cases: 50, deaths: 1, new_cases: 4}
    history:
      - {date: 2024-01-02T00:00:00Z, cases: 3, deaths: 0}
      - {date: 2024-01-01T00:00:00Z, cases: 2, deaths: 0}
`
	require.NoError(t, os.WriteFile(path, []byte(fixture), 0o600))
	s, err := LoadStaticSource(path)
	require.NoError(t, err)

	h, err := s.History(context.Background(), "nairobi", 0)
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 3}, CaseSeries(h))
}

func TestHTTPSourceAcceptsFieldAliases(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/regions/accra/stats", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"confirmed": 340, "total_deaths": 7, "today": {"cases": 12},
			"timeline": [
				{"date": "2024-02-02", "new_cases": 11, "deaths": 1},
				{"date": "2024-02-01", "new_cases": 9, "deaths": 0},
				{"date": "garbage", "new_cases": 1}
			]
		}`))
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, time.Second, nil)
	obs, err := src.Observed(context.Background(), "Accra")
	require.NoError(t, err)
	assert.Equal(t, int64(340), obs.Cases)
	assert.Equal(t, int64(7), obs.Deaths)
	assert.Equal(t, 12.0, obs.NewCases)

	h, err := src.History(context.Background(), "accra", 30)
	require.NoError(t, err)
	assert.Equal(t, []float64{9, 11}, CaseSeries(h))
	assert.Equal(t, []float64{0, 1}, DeathSeries(h))
}

func TestHTTPSourceNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := NewHTTPSource(srv.URL, time.Second, nil).Observed(context.Background(), "x")
	assert.ErrorIs(t, err, ErrRegionNotFound)
}
