package channels

import (
	"fmt"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/flowgate/internal/bus"
	"github.com/nextlevelbuilder/flowgate/internal/config"
)

// Factory builds a connector from the full config. Connector packages
// register themselves in init(); the gateway imports them for side
// effects and builds whatever EnabledChannels reports.
type Factory func(cfg *config.Config, msgBus *bus.MessageBus) (Channel, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// RegisterFactory registers a connector factory under its channel name.
// Panics on duplicate registration; that is a programming error.
func RegisterFactory(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("channels: duplicate factory %q", name))
	}
	registry[name] = f
}

// Build constructs the named connector.
func Build(name string, cfg *config.Config, msgBus *bus.MessageBus) (Channel, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no factory registered for channel %q", name)
	}
	return f(cfg, msgBus)
}

// RegisteredNames lists the registered factories, sorted.
func RegisteredNames() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
