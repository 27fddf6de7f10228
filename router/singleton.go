package router

import "sync"

// Global engine instance and initialization guard. The router processor
// initializes the engine; intake and delivery reach it through Global.
var (
	globalEngine *Engine
	globalOnce   sync.Once
)

// Global returns the singleton engine instance, or nil when the router
// processor has not initialized it yet.
func Global() *Engine {
	return globalEngine
}

// InitGlobal installs the process-wide engine.
// Safe for concurrent use but only the first call has any effect.
func InitGlobal(e *Engine) {
	globalOnce.Do(func() {
		globalEngine = e
	})
}

// ResetGlobal resets the global engine for testing purposes.
// This is NOT thread-safe and should only be used in tests.
func ResetGlobal() {
	globalOnce = sync.Once{}
	globalEngine = nil
}
