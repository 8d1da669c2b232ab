package domain

// ============================================================
// Health & Metrics API Responses
// ============================================================

// HealthStatus is returned by GET /healthz.
type HealthStatus struct {
	Status   string          `json:"status"` // healthy, degraded, unhealthy
	Services []ServiceHealth `json:"services"`
}

// ServiceHealth represents the health of an individual dependency.
type ServiceHealth struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	LatencyMs   int64  `json:"latencyMs"`
	LastChecked string `json:"lastChecked"`
}

// LedgerMetrics is returned by GET /v1/metrics/ledger.
type LedgerMetrics struct {
	Proposed            int64   `json:"proposed"`
	Approved            int64   `json:"approved"`
	Rejected            int64   `json:"rejected"`
	FailedDecisions     int64   `json:"failedDecisions"`
	Reversals           int64   `json:"reversals"`
	AuthorizationDenied int64   `json:"authorizationDenied"`
	PostedVolume        string  `json:"postedVolume"`
	ApprovalRate        float64 `json:"approvalRate"`
	OwnerCacheHitRate   float64 `json:"ownerCacheHitRate"`
	Period              string  `json:"period"`
}

// ============================================================
// Generic API Response wrappers
// ============================================================

// ListResponse wraps paginated list results.
type ListResponse[T any] struct {
	Data     []T  `json:"data"`
	Total    int  `json:"total"`
	Page     int  `json:"page"`
	PageSize int  `json:"page_size"`
	HasMore  bool `json:"has_more"`
}
