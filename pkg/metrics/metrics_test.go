package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	contractx "github.com/tanpawarit/persona-router/agent/contract"
)

type retrieverFunc func(context.Context, string, int) ([]contractx.Passage, error)

func (f retrieverFunc) Retrieve(ctx context.Context, q string, k int) ([]contractx.Passage, error) {
	return f(ctx, q, k)
}

func TestObserverCounters(t *testing.T) {
	t.Parallel()

	m := New("router")
	m.ForbiddenRoute(contractx.PersonaStudent, contractx.SpecialistAdminReport)
	m.ForbiddenRoute(contractx.PersonaStudent, contractx.SpecialistAdminReport)
	m.SpecialistFinished(contractx.SpecialistGeneralInquiry, contractx.ResultOK, 120*time.Millisecond)
	m.TurnFinished(contractx.PersonaStudent, contractx.TurnDegraded, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ForbiddenRoutes.WithLabelValues("student", "administrative_report")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SpecialistRuns.WithLabelValues("general_inquiry", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Turns.WithLabelValues("student", "degraded")))
}

func TestInstrumentRetrieverOutcomes(t *testing.T) {
	t.Parallel()

	m := New("router")
	calls := 0
	r := m.InstrumentRetriever(retrieverFunc(func(context.Context, string, int) ([]contractx.Passage, error) {
		calls++
		switch calls {
		case 1:
			return []contractx.Passage{{Content: "x", Score: 1}}, nil
		case 2:
			return nil, nil
		default:
			return nil, errors.New("down")
		}
	}))

	for i := 0; i < 3; i++ {
		_, _ = r.Retrieve(context.Background(), "q", 3)
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Retrievals.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Retrievals.WithLabelValues("empty")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Retrievals.WithLabelValues("error")))
}

func TestHandlerExposesRegistry(t *testing.T) {
	t.Parallel()

	m := New("router")
	m.TurnFinished(contractx.PersonaGuest, contractx.TurnOK, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `router_turns_total{persona="guest",status="ok"} 1`))
}
