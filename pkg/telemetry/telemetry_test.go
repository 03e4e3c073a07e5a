package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	internaltelemetry "github.com/sushant-115/gojotx/internal/telemetry"
)

func TestNew_DisabledReturnsNoop(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: false})
	require.NoError(t, err)
	require.Nil(t, tel.MeterProvider)
	require.NotNil(t, tel.Tracer)

	rec := httptest.NewRecorder()
	tel.MetricsHandler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.NoError(t, shutdown(context.Background()))
}

func TestNew_ExposesTransactionMetrics(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: true, ServiceName: "gojotx-test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	metrics, err := internaltelemetry.NewTxMetrics(tel.Meter)
	require.NoError(t, err)
	metrics.TxBegunCounter.Add(context.Background(), 3)

	srv := httptest.NewServer(tel.MetricsHandler)
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "gojotx_tx_begun")
}
