package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/backend"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/backend/synthetic"
)

type fixedCount int

func (f fixedCount) Count() int { return int(f) }

func newChecker(t *testing.T) (*Checker, *synthetic.Backend) {
	t.Helper()
	b := synthetic.New()
	reg := backend.NewRegistry(synthetic.Name)
	if err := reg.Register(b); err != nil {
		t.Fatal(err)
	}
	c := NewChecker(reg, fixedCount(2))
	c.TTL = 0
	return c, b
}

func TestCheck_Healthy(t *testing.T) {
	c, _ := newChecker(t)

	report := c.Check(context.Background())
	if report.Status != StatusHealthy || !report.Ready() {
		t.Errorf("report = %+v", report)
	}
	if !report.Components.Model || !report.Components.Preprocessor || !report.Components.Detector {
		t.Errorf("components = %+v", report.Components)
	}
	if report.Sessions != 2 || report.Backend != synthetic.Name {
		t.Errorf("sessions=%d backend=%s", report.Sessions, report.Backend)
	}
}

// TestReadiness_BackendDown documents readiness gating.
//
// Contract: /health stays 200 (liveness) while /readiness answers 503 with
// the same body once the model goes down.
func TestReadiness_BackendDown(t *testing.T) {
	c, b := newChecker(t)
	b.Close()

	for _, tc := range []struct {
		path    string
		handler http.HandlerFunc
		want    int
	}{
		{"/health", c.LivenessHandler, http.StatusOK},
		{"/readiness", c.ReadinessHandler, http.StatusServiceUnavailable},
	} {
		rr := httptest.NewRecorder()
		tc.handler(rr, httptest.NewRequest(http.MethodGet, tc.path, nil))

		if rr.Code != tc.want {
			t.Errorf("%s status = %d, want %d", tc.path, rr.Code, tc.want)
		}
		var report Report
		if err := json.NewDecoder(rr.Body).Decode(&report); err != nil {
			t.Fatalf("%s body: %v", tc.path, err)
		}
		if report.Status != StatusDegraded || report.Components.Model || !report.Components.Preprocessor {
			t.Errorf("%s report = %+v", tc.path, report)
		}
	}
	t.Logf("✅ liveness 200, readiness 503 with model down")
}

func TestCheck_CachesProbe(t *testing.T) {
	c, b := newChecker(t)
	c.TTL = time.Minute

	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	if !c.Check(context.Background()).Ready() {
		t.Fatal("initial check not ready")
	}
	b.Close()
	if !c.Check(context.Background()).Ready() {
		t.Error("cached probe was not reused")
	}

	now = now.Add(2 * time.Minute)
	if c.Check(context.Background()).Ready() {
		t.Error("expired probe was reused")
	}
}

func TestCheck_NoDefaultBackend(t *testing.T) {
	c := NewChecker(backend.NewRegistry("missing"), nil)
	report := c.Check(context.Background())
	if report.Ready() || report.Components.Model || report.Sessions != 0 {
		t.Errorf("report = %+v", report)
	}
}
