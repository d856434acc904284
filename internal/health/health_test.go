package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(context.Context) Status   { return Status{Healthy: true} }
func down(context.Context) Status { return Status{Detail: "connection refused"} }

func TestCheckAll(t *testing.T) {
	tests := []struct {
		name     string
		critical []Checker
		advisory []Checker
		want     string
	}{
		{"empty", nil, nil, StateHealthy},
		{"all pass", []Checker{ok}, []Checker{ok}, StateHealthy},
		{"advisory fails", []Checker{ok}, []Checker{down}, StateDegraded},
		{"critical fails", []Checker{down}, []Checker{ok}, StateUnhealthy},
		{"both fail", []Checker{down}, []Checker{down}, StateUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			for _, c := range tt.critical {
				r.Register("database", c)
			}
			for _, c := range tt.advisory {
				r.RegisterAdvisory("payments", c)
			}
			state, statuses := r.CheckAll(context.Background())
			assert.Equal(t, tt.want, state)
			assert.Len(t, statuses, len(tt.critical)+len(tt.advisory))
		})
	}
}

func TestCheckAll_FillsNameAndRunsConcurrently(t *testing.T) {
	r := NewRegistry()
	slow := func(ctx context.Context) Status {
		time.Sleep(50 * time.Millisecond)
		return Status{Name: "ignored", Healthy: true}
	}
	r.Register("database", slow)
	r.RegisterAdvisory("reconciliation", slow)

	start := time.Now()
	_, statuses := r.CheckAll(context.Background())
	assert.Less(t, time.Since(start), 95*time.Millisecond)

	require.Len(t, statuses, 2)
	assert.Equal(t, "database", statuses[0].Name)
	assert.True(t, statuses[0].Critical)
	assert.Equal(t, "reconciliation", statuses[1].Name)
	assert.False(t, statuses[1].Critical)
	assert.GreaterOrEqual(t, statuses[1].LatencyMS, int64(50))
}

func TestHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tests := []struct {
		name      string
		register  func(r *Registry)
		wantCode  int
		wantState string
	}{
		{"healthy", func(r *Registry) { r.Register("database", ok) }, http.StatusOK, StateHealthy},
		{"degraded stays in rotation", func(r *Registry) { r.RegisterAdvisory("payments", down) }, http.StatusOK, StateDegraded},
		{"unhealthy", func(r *Registry) { r.Register("database", down) }, http.StatusServiceUnavailable, StateUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry()
			tt.register(reg)
			router := gin.New()
			router.GET("/health", reg.Handler("v1.2.3"))

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
			assert.Equal(t, tt.wantCode, w.Code)

			var body struct {
				Status  string   `json:"status"`
				Version string   `json:"version"`
				Checks  []Status `json:"checks"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.wantState, body.Status)
			assert.Equal(t, "v1.2.3", body.Version)
			assert.Len(t, body.Checks, 1)
		})
	}
}
