// lazypages runs guest programs over demand paged memory backed by a page store.
//
// Configuration is read from flags, an optional config file and X1LP_ prefixed
// environment variables, in that order of precedence.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/fortiblox/X1-Lazypages/pkg/executor"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// Store kinds.
const (
	storeBadger = "badger"
	storeBolt   = "bolt"
	storeRemote = "remote"
	storeMemory = "memory"
)

// settings holds everything the commands read from viper.
type settings struct {
	Executor executor.Config `mapstructure:"executor"`
	Store    string          `mapstructure:"store"`
	DataDir  string          `mapstructure:"data_dir"`
	Endpoint string          `mapstructure:"endpoint"`
	Verbose  bool            `mapstructure:"verbose"`
}

var (
	v   = viper.New()
	log = logrus.New()
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.WithError(err).Error("Command failed")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v = viper.New()
	var configFile string
	root := &cobra.Command{
		Use:           "lazypages",
		Short:         "Demand paged guest memory tools",
		Version:       fmt.Sprintf("%s (%s)", Version, GitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(configFile)
		},
	}

	fs := root.PersistentFlags()
	fs.StringVar(&configFile, "config", "", "Config file (yaml, toml or json)")
	fs.Bool("verbose", false, "Enable debug logging")
	fs.String("store", storeBadger, "Page store: badger, bolt, remote or memory")
	fs.String("data-dir", "./lazypages-data", "Data directory for on-disk page stores")
	fs.String("endpoint", "", "Remote page store endpoint")
	addExecutorFlags(fs)
	bindFlags(fs, map[string]string{
		"verbose":            "verbose",
		"store":              "store",
		"data-dir":           "data_dir",
		"endpoint":           "endpoint",
		"gear-page-size":     "executor.lazypages.gear_page_size",
		"native-page-size":   "executor.lazypages.native_page_size",
		"gas-global":         "executor.lazypages.gas_global",
		"allowance-global":   "executor.lazypages.allowance_global",
		"backend":            "executor.backend",
		"eager":              "executor.eager",
		"max-memory-pages":   "executor.max_memory_pages",
		"cache-regions":      "executor.cache.regions",
		"cache-region-pages": "executor.cache.region_pages",
	})

	root.AddCommand(newInfoCmd(), newRunCmd(), newPagesCmd(), newServeCmd())
	return root
}

func addExecutorFlags(fs *pflag.FlagSet) {
	def := executor.DefaultConfig()
	fs.Uint32("gear-page-size", def.Lazypages.GearPageSize, "Gear page size in bytes")
	fs.Uint32("native-page-size", def.Lazypages.NativePageSize, "Protection granularity in bytes, 0 for the host page size")
	fs.String("gas-global", def.Lazypages.GasGlobal, "Export name of the gas global")
	fs.String("allowance-global", def.Lazypages.AllowanceGlobal, "Export name of the gas allowance global")
	fs.String("backend", string(def.Backend), "Globals backend: embedded or sandbox")
	fs.Bool("eager", def.Eager, "Load program memory eagerly even if lazy pages are supported")
	fs.Uint32("max-memory-pages", def.MaxMemoryPages, "Maximum guest memory in WASM pages")
	fs.Int("cache-regions", def.Cache.Regions, "Page cache size in regions")
	fs.Uint32("cache-region-pages", def.Cache.RegionPages, "Pages per cache region")
}

func bindFlags(fs *pflag.FlagSet, keys map[string]string) {
	for flag, key := range keys {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			panic(err)
		}
	}
}

func initConfig(configFile string) error {
	v.SetEnvPrefix("X1LP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	def := executor.DefaultConfig()
	w := def.Lazypages.Weights
	v.SetDefault("executor.lazypages.weights.signal_read", w.SignalRead)
	v.SetDefault("executor.lazypages.weights.signal_write", w.SignalWrite)
	v.SetDefault("executor.lazypages.weights.signal_write_after_read", w.SignalWriteAfterRead)
	v.SetDefault("executor.lazypages.weights.host_func_read", w.HostFuncRead)
	v.SetDefault("executor.lazypages.weights.host_func_write", w.HostFuncWrite)
	v.SetDefault("executor.lazypages.weights.host_func_write_after_read", w.HostFuncWriteAfterRead)
	v.SetDefault("executor.lazypages.weights.load_page_storage_data", w.LoadPageStorageData)
	v.SetDefault("executor.memory_export", def.MemoryExport)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
	}

	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetLevel(logrus.InfoLevel)
	if v.GetBool("verbose") {
		log.SetLevel(logrus.DebugLevel)
	}
	return nil
}

// loadSettings decodes the merged configuration.
func loadSettings() (*settings, error) {
	s := &settings{Executor: executor.DefaultConfig()}
	if err := v.Unmarshal(s); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	s.Executor.Lazypages.Logger = log
	if err := s.Executor.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}
