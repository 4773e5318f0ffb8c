package prometheus

import (
	"testing"

	"github.com/miragelabs/mirage/shared/testutil"
	logTest "github.com/sirupsen/logrus/hooks/test"
)

func TestLifecycle(t *testing.T) {
	hook := logTest.NewGlobal()
	prometheusService := NewPrometheusService(":2112", nil)

	prometheusService.Start()

	testutil.AssertLogsContain(t, hook, "Starting service")

	if err := prometheusService.Stop(); err != nil {
		t.Fatalf("Unable to stop service: %v", err)
	}
	testutil.AssertLogsContain(t, hook, "Stopping service")
}
