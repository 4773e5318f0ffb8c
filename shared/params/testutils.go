package params

import (
	"testing"
)

// SetupTestConfigCleanup preserves configurations, allowing tests to modify
// them freely without affecting other tests.
func SetupTestConfigCleanup(t testing.TB) {
	prevDefaultConfig := mainnetCoordinatorConfig.Copy()
	temp := mirageConfig.Copy()
	prevConfig := temp.Copy()
	prevNetworkConfig := defaultNetworkConfig.Copy()
	t.Cleanup(func() {
		mainnetCoordinatorConfig = prevDefaultConfig
		mirageConfig = prevConfig
		defaultNetworkConfig = prevNetworkConfig
	})
}
