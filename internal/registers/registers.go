// Package registers is the plugin discovery collaborator: it binds every
// built-in plugin into the registry at process start. Extending the system
// with a new plugin only needs one more entry in the module table.
package registers

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Thulrus/ParallaxIndex/internal/plugin"
	"github.com/Thulrus/ParallaxIndex/internal/plugins/numericindex"
	"github.com/Thulrus/ParallaxIndex/internal/plugins/sysload"
	"github.com/Thulrus/ParallaxIndex/pkg/logger"
)

// Module is one registerable plugin with an enable switch.
type Module struct {
	Enabled bool
	Name    string
	NewFunc func() plugin.Plugin
}

// NewPromRegistry creates the process-wide Prometheus registry. Go runtime
// metrics stay off; the process collector is optional.
func NewPromRegistry(enableProcess bool) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	if enableProcess {
		reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	}
	return reg
}

// RegisterPlugins binds all enabled built-in plugins into the registry and
// returns their ids. At least one plugin must end up registered.
func RegisterPlugins(registry *plugin.Registry, httpClient *http.Client) ([]string, error) {
	modules := []Module{
		{
			Enabled: true,
			Name:    numericindex.PluginID,
			NewFunc: func() plugin.Plugin { return numericindex.New(httpClient) },
		},
		{
			Enabled: true,
			Name:    sysload.PluginID,
			NewFunc: func() plugin.Plugin { return sysload.New() },
		},
	}

	var registered []string
	for _, m := range modules {
		if !m.Enabled {
			logger.Debug("plugin disabled", m.Name)
			continue
		}
		if err := registry.Register(m.NewFunc()); err != nil {
			logger.Error("failed to register plugin", m.Name, zap.Error(err))
			return nil, fmt.Errorf("register plugin %s: %w", m.Name, err)
		}
		registered = append(registered, m.Name)
	}
	if len(registered) == 0 {
		return nil, fmt.Errorf("no plugins enabled")
	}
	logger.Info("all enabled plugins registered", "registers", zap.Strings("plugins", registered))
	return registered, nil
}
