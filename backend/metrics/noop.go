package metrics

import "time"

type noopMetricsClient struct {
}

func NewNoopMetricsClient() *noopMetricsClient {
	return &noopMetricsClient{}
}

var _ Client = (*noopMetricsClient)(nil)

func (*noopMetricsClient) Counter(name string, tags Tags, value int64) {
}

func (*noopMetricsClient) Distribution(name string, tags Tags, value float64) {
}

func (*noopMetricsClient) Gauge(name string, tags Tags, value int64) {
}

func (*noopMetricsClient) Timing(name string, tags Tags, duration time.Duration) {
}

func (nmc *noopMetricsClient) WithTags(tags Tags) Client {
	return nmc
}
