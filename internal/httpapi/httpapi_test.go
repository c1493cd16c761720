package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/pvcore/alarm"
	"github.com/timzifer/pvcore/driver"
	"github.com/timzifer/pvcore/pv"
	"github.com/timzifer/pvcore/telemetry"
)

func newTestRegistry(t *testing.T, collector telemetry.Collector) *driver.Registry {
	t.Helper()
	reg := driver.NewRegistry(driver.WithTelemetry(collector))
	_, err := reg.Register(driver.Definition{
		Info:    pv.Info{Name: "TEMP", Precision: 1, Units: "degC", Limits: alarm.Limits{HighWarning: alarm.Float(50)}},
		Initial: 21.25,
	})
	require.NoError(t, err)
	_, err = reg.Register(driver.Definition{
		Info:    pv.Info{Name: "MSG", Type: pv.TypeChar, Count: 8},
		Initial: "idle",
	})
	require.NoError(t, err)
	_, err = reg.Register(driver.Definition{
		Info: pv.Info{Name: "LOCKED"},
		Handler: driver.WriteFunc(func(ctx context.Context, req *driver.WriteRequest) (driver.WriteResult, error) {
			return driver.Reject("interlock active"), nil
		}),
	})
	require.NoError(t, err)
	_, err = reg.Register(driver.Definition{
		Info: pv.Info{Name: "MOTOR:POS", Type: pv.TypeInt},
		Handler: driver.WriteFunc(func(ctx context.Context, req *driver.WriteRequest) (driver.WriteResult, error) {
			return driver.Pending(req.Defer()), nil
		}),
	})
	require.NoError(t, err)
	return reg
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func TestListAndGetPVs(t *testing.T) {
	h := New(newTestRegistry(t, nil), nil, zerolog.Nop()).Handler()

	rec := do(t, h, http.MethodGet, "/api/pvs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var views []pvView
	decode(t, rec, &views)
	require.Len(t, views, 4)
	require.Equal(t, "LOCKED", views[0].Name)

	rec = do(t, h, http.MethodGet, "/api/pvs/TEMP", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var temp pvView
	decode(t, rec, &temp)
	require.Equal(t, 21.25, temp.Value)
	require.Equal(t, "21.3", temp.Display)
	require.Equal(t, "degC", temp.Units)
	require.Equal(t, "NO_ALARM", temp.Severity)

	rec = do(t, h, http.MethodGet, "/api/pvs/MSG?refresh=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var msg pvView
	decode(t, rec, &msg)
	require.Equal(t, "idle", msg.Value)

	rec = do(t, h, http.MethodGet, "/api/pvs/NOPE", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWritePV(t *testing.T) {
	reg := newTestRegistry(t, nil)
	h := New(reg, nil, zerolog.Nop()).Handler()

	rec := do(t, h, http.MethodPut, "/api/pvs/TEMP", `{"value": 55}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp writeResponse
	decode(t, rec, &resp)
	require.Equal(t, "completed", resp.Outcome)
	require.Equal(t, 55.0, resp.PV.Value)
	require.Equal(t, "MINOR", resp.PV.Severity)
	require.Equal(t, "HIGH", resp.PV.Status)

	rec = do(t, h, http.MethodPut, "/api/pvs/LOCKED", `{"value": 1}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	resp = writeResponse{}
	decode(t, rec, &resp)
	require.Equal(t, "interlock active", resp.Reason)

	rec = do(t, h, http.MethodPut, "/api/pvs/MOTOR:POS", `{"value": 10}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	resp = writeResponse{}
	decode(t, rec, &resp)
	require.Equal(t, "pending", resp.Outcome)
	require.NotEmpty(t, resp.Token)

	rec = do(t, h, http.MethodGet, "/api/pending", "")
	var pending map[string]int
	decode(t, rec, &pending)
	require.Equal(t, 1, pending["pending"])

	require.NoError(t, reg.Completions().Complete(driver.Token(resp.Token), 10))
	snap, err := reg.Peek("MOTOR:POS")
	require.NoError(t, err)
	require.Equal(t, int64(10), snap.Value)
}

func TestWritePVErrors(t *testing.T) {
	h := New(newTestRegistry(t, nil), nil, zerolog.Nop()).Handler()

	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPut, "/api/pvs/TEMP", `{`).Code)
	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPut, "/api/pvs/TEMP", `{}`).Code)
	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPut, "/api/pvs/TEMP", `{"value": "hot"}`).Code)
	require.Equal(t, http.StatusNotFound, do(t, h, http.MethodPut, "/api/pvs/NOPE", `{"value": 1}`).Code)
	require.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodPost, "/api/pvs/TEMP", `{"value": 1}`).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := telemetry.NewPrometheusCollector(reg)
	require.NoError(t, err)
	h := New(newTestRegistry(t, collector), reg, zerolog.Nop()).Handler()

	require.Equal(t, http.StatusOK, do(t, h, http.MethodPut, "/api/pvs/TEMP", `{"value": 1}`).Code)

	rec := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `pvcore_writes_total{outcome="completed",pv="TEMP"} 1`)

	rec = do(t, h, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStartAndClose(t *testing.T) {
	s := New(newTestRegistry(t, nil), nil, zerolog.Nop())
	require.NoError(t, s.Start("127.0.0.1:0"))
	addr := s.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, s.Close(context.Background()))
}
