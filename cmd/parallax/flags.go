package parallax

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Thulrus/ParallaxIndex/pkg/config"
)

var defaultCfg = config.NewDefaultConfig()

func initServerFlags(root *cobra.Command) {
	f := root.PersistentFlags()
	f.String("server.addr", defaultCfg.Server.Addr, "HTTP listening address")
	f.Duration("server.read-timeout", defaultCfg.Server.ReadTimeout, "HTTP read timeout")
	f.Duration("server.write-timeout", defaultCfg.Server.WriteTimeout, "HTTP write timeout")
	f.Duration("server.idle-timeout", defaultCfg.Server.IdleTimeout, "HTTP idle connection timeout")
	_ = viper.BindPFlags(f)
}

func initStoreFlags(root *cobra.Command) {
	f := root.PersistentFlags()
	f.String("store.path", defaultCfg.Store.Path, "path to the sqlite snapshot database")
	_ = viper.BindPFlags(f)
}

func initSchedulerFlags(root *cobra.Command) {
	f := root.PersistentFlags()
	f.Duration("scheduler.tick", defaultCfg.Scheduler.Tick, "due-source evaluation interval")
	f.Int("scheduler.max-concurrent", defaultCfg.Scheduler.MaxConcurrent, "overall concurrent run ceiling")
	f.Duration("scheduler.grace-period", defaultCfg.Scheduler.GracePeriod, "shutdown grace for in-flight runs")
	f.Duration("scheduler.collect-timeout", defaultCfg.Scheduler.CollectTimeout, "default per-source collect timeout")
	f.Int("scheduler.history-limit", defaultCfg.Scheduler.HistoryLimit, "snapshots of history passed to distill")
	_ = viper.BindPFlags(f)
}

func initLogFlags(root *cobra.Command) {
	f := root.PersistentFlags()
	f.String("log.level", defaultCfg.Log.Level, "log level (debug/info/warn/error)")
	f.String("log.format", defaultCfg.Log.Format, "log format (json/console)")
	f.String("log.path", defaultCfg.Log.Path, "log file directory")
	_ = viper.BindPFlags(f)
}
