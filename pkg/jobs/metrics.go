package jobs

import "github.com/prometheus/client_golang/prometheus"

var jobRuns = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "platform",
		Subsystem: "jobs",
		Name:      "runs_total",
		Help:      "Job executions by outcome",
	},
	[]string{"domain", "outcome"},
)

func init() {
	prometheus.MustRegister(jobRuns)
}
