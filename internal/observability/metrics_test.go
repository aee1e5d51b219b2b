package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/edgesession/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("relay", "GET", "/v1/sessions/:id", 200, 12*time.Millisecond)
	RecordChannelEvent("new-message")
	RecordChannelEvent("")
	RecordMalformed("decrypt")
	RecordConnect(true)
	RecordConnect(false)
	AddQueueDepth(2)
	AddQueueDepth(-2)
	RecordQueueOverWarn()
	RecordResolution("created")
	RecordLaunch("ok", 40*time.Millisecond)

	log.Debug().Msg("observability/metrics: registration idempotent and recording paths executed")
}

func TestMiddlewareExposesRequestMetrics(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(HTTP("test"))
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("ping status=%d", rec.Code)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/random/scan/path", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("scan status=%d", rec.Code)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, `edgesession_http_requests_total{method="GET",path="/ping",role="test",status="200"}`) {
		t.Fatalf("metrics output missing ping request counter")
	}
	if !strings.Contains(body, `edgesession_http_requests_total{method="GET",path="unmatched",role="test",status="404"}`) {
		t.Fatalf("unmatched request not folded into one label")
	}
	if strings.Contains(body, "/random/scan/path") {
		t.Fatalf("raw unmatched path leaked into labels")
	}
}
