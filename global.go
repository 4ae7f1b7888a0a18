package localityrunner

import (
	"context"

	"github.com/Swind/go-locality-runner/core"
	"github.com/Swind/go-locality-runner/internal/syncutil"
)

// =============================================================================
// Global Domain Helper (Singleton)
// =============================================================================

var (
	globalDomain *core.Domain
	globalMu     syncutil.Mutex
)

// InitGlobalDomain creates and starts the global domain with the given number
// of localities. Zero means one per CPU. Later calls are no-ops until
// ShutdownGlobalDomain.
func InitGlobalDomain(localities int) {
	cfg := core.DefaultDomainConfig()
	cfg.Name = "global"
	if localities > 0 {
		cfg.Localities = localities
	}
	InitGlobalDomainWithConfig(cfg)
}

// InitGlobalDomainWithConfig is InitGlobalDomain with a full configuration.
func InitGlobalDomainWithConfig(cfg *core.DomainConfig) {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalDomain != nil {
		return
	}
	globalDomain = core.NewDomain(cfg)
	globalDomain.Start(context.Background())
}

// GetGlobalDomain returns the global domain.
// It panics if InitGlobalDomain has not been called.
func GetGlobalDomain() *core.Domain {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalDomain == nil {
		panic("global domain not initialized. Call InitGlobalDomain() first.")
	}
	return globalDomain
}

// ShutdownGlobalDomain stops the global domain. Queued tasks are dropped.
func ShutdownGlobalDomain() {
	globalMu.Lock()
	d := globalDomain
	globalDomain = nil
	globalMu.Unlock()

	if d != nil {
		d.Stop()
	}
}

// Spawn creates a task on the global domain, homed round robin, and queues it.
func Spawn(ops TaskOps, desc *Descriptor) (*Task, error) {
	return SpawnOn(GetGlobalDomain(), ops, nil, desc)
}

// SpawnOn creates a task on d homed by home and queues it.
func SpawnOn(d *Domain, ops TaskOps, home HomeLocalityFunc, desc *Descriptor) (*Task, error) {
	t, err := d.NewTask(ops, home, desc)
	if err != nil {
		return nil, err
	}
	t.Queue()
	return t, nil
}
