package port

import "time"

// SessionStoreMetrics captures telemetry hooks for the tiered session store.
type SessionStoreMetrics interface {
	ObserveTierOperation(tier, operation, result string, duration time.Duration)
	IncFallback(operation, fromTier string)
	IncCacheFill(tier string)
}

// RefreshMetrics captures refresh rotation outcomes.
type RefreshMetrics interface {
	IncRefresh(result string)
}
