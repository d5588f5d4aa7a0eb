package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry(t *testing.T) {
	reg, m := NewRegistry()
	require.NotNil(t, reg)

	m.ClaimRequests.WithLabelValues("claimed").Inc()
	m.TasksClaimed.Add(3)
	m.Reclaims.WithLabelValues("waiting").Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClaimRequests.WithLabelValues("claimed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.TasksClaimed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reclaims.WithLabelValues("waiting")))
}

func TestSeparateRegistriesDoNotCollide(t *testing.T) {
	_, a := NewRegistry()
	_, b := NewRegistry()

	a.TasksClaimed.Inc()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.TasksClaimed))
}

func TestHandler(t *testing.T) {
	reg, m := NewRegistry()
	m.TasksClaimed.Inc()

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "crucible_tasks_claimed_total 1")
}
