package auditbridge

import "context"

// HealthStatus reports the audit bridge's connection health, surfaced
// alongside the worker's own health state for operator dashboards.
type HealthStatus struct {
	Connected bool   `json:"connected"`
	URL       string `json:"url"`
	Error     string `json:"error,omitempty"`
}

// HealthCheck returns the current health of the audit bridge client.
func (c *Client) HealthCheck(_ context.Context) HealthStatus {
	status := HealthStatus{URL: c.cfg.URL}
	if !c.IsConnected() {
		status.Error = "not connected"
		return status
	}
	status.Connected = true
	return status
}
