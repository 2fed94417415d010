package registers

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thulrus/ParallaxIndex/internal/plugin"
	"github.com/Thulrus/ParallaxIndex/internal/plugins/numericindex"
	"github.com/Thulrus/ParallaxIndex/internal/plugins/sysload"
	"github.com/Thulrus/ParallaxIndex/pkg/config"
	"github.com/Thulrus/ParallaxIndex/pkg/logger"
)

func TestMain(m *testing.M) {
	dir, _ := os.MkdirTemp("", "parallax-logs")
	_ = logger.Init(config.ZapLogConfig{Level: "error", Format: "console", Path: dir, MaxAge: 1, MaxSize: 10})
	code := m.Run()
	_ = logger.Sync()
	_ = os.RemoveAll(dir)
	os.Exit(code)
}

func TestRegisterPlugins(t *testing.T) {
	registry := plugin.NewRegistry()
	registered, err := RegisterPlugins(registry, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{numericindex.PluginID, sysload.PluginID}, registered)

	for _, id := range registered {
		_, err := registry.Resolve(id)
		assert.NoError(t, err, id)
	}

	caps := registry.List()
	assert.Len(t, caps, len(registered))
}

func TestNewPromRegistry(t *testing.T) {
	reg := NewPromRegistry(false)
	require.NotNil(t, reg)
	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Empty(t, families)
}
