// Package metricskey describes the metrics emitted by the token fixture
package metricskey

import "github.com/effective-security/metrics"

// Perf
var (
	// PerfFixtureOperation is perf metric
	PerfFixtureOperation = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_p11fixture",
		Help:         "perf_p11fixture provides the sample metrics of token fixture operations",
		RequiredTags: []string{"slot", "action"},
	}

	// PerfProvisioning is perf metric
	PerfProvisioning = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_p11fixture_provisioning",
		Help:         "perf_p11fixture_provisioning provides the sample metrics of the external provisioning tool",
		RequiredTags: []string{"profile"},
	}
)

// Stats
var (
	// StatsFixtureFailure is a counter of failed fixture operations
	StatsFixtureFailure = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "p11fixture_failure",
		Help:         "p11fixture_failure provides the counter of failed fixture operations",
		RequiredTags: []string{"action", "kind"},
	}
)

// Metrics returns slice of metrics from this repo
var Metrics = []*metrics.Describe{
	&PerfFixtureOperation,
	&PerfProvisioning,
	&StatsFixtureFailure,
}
