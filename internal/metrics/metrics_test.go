package metrics

import (
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/lox/autoraffle/internal/raffle"
	"github.com/lox/autoraffle/internal/upkeep"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRaffleSubscriber(t *testing.T) {
	m := New()
	sub := m.RaffleSubscriber("main")

	sub.OnEvent(raffle.EnteredEvent{Players: 1, Pool: big.NewInt(5)})
	sub.OnEvent(raffle.EnteredEvent{Players: 2, Pool: big.NewInt(10)})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.entries.WithLabelValues("main")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.players.WithLabelValues("main")))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.pool.WithLabelValues("main")))

	sub.OnEvent(raffle.WinnerRequestedEvent{Players: 2, Pool: big.NewInt(10)})
	sub.OnEvent(raffle.RequestReissuedEvent{Previous: 1, RequestID: 2})
	sub.OnEvent(raffle.WinnerPickedEvent{Prize: big.NewInt(10)})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("main")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reissues.WithLabelValues("main")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rounds.WithLabelValues("main")))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.prizes.WithLabelValues("main")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.players.WithLabelValues("main")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.pool.WithLabelValues("main")))
}

func TestObserveUpkeep(t *testing.T) {
	m := New()
	m.ObserveUpkeep("main", upkeep.OutcomeIdle)
	m.ObserveUpkeep("main", upkeep.OutcomeIdle)
	m.ObserveUpkeep("main", upkeep.OutcomePerformed)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.upkeepOutcomes.WithLabelValues("main", "idle")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.upkeepOutcomes.WithLabelValues("main", "performed")))
}

func TestInstrumentHandlerUsesRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.InstrumentHandler)
	r.Get("/api/raffles/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	r.Handle("/metrics", m.Handler())

	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/raffles/"+id, nil))
		require.Equal(t, http.StatusTeapot, rec.Code)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/api/raffles/{id}", "418")))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "autoraffle_http_requests_total"))
}
