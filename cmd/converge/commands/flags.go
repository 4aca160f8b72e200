package commands

import (
	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/config"
)

// sourceFlags are the flags shared by every command that gathers sources.
type sourceFlags struct {
	sources     []string
	renderer    string
	runtime     string
	subsystems  []string
	cacheDir    string
	test        bool
	maxParallel int
}

func (f *sourceFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVarP(&f.sources, "sources", "s", nil, "source roots, searched in order")
	cmd.Flags().StringVarP(&f.renderer, "renderer", "r", "", "renderer name, or auto to choose by extension")
	cmd.Flags().StringSliceVar(&f.subsystems, "subsystems", nil, "handler subsystems visible to the compiler")
}

func (f *sourceFlags) registerRun(cmd *cobra.Command) {
	f.register(cmd)
	cmd.Flags().StringVar(&f.runtime, "runtime", "", "parallel or serial")
	cmd.Flags().StringVar(&f.cacheDir, "cache-dir", "", "directory receiving the high data snapshot")
	cmd.Flags().BoolVarP(&f.test, "test", "t", false, "report what would change without changing anything")
	cmd.Flags().IntVarP(&f.maxParallel, "max-parallel", "p", 0, "max concurrent handler calls per round")
}

// apply overlays the flags that were set on cfg.
func (f *sourceFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("sources") {
		cfg.Sources = f.sources
	}
	if changed("renderer") {
		cfg.Renderer = f.renderer
	}
	if changed("subsystems") {
		cfg.Subsystems = f.subsystems
	}
	if changed("runtime") {
		cfg.Runtime = f.runtime
	}
	if changed("cache-dir") {
		cfg.CacheDir = f.cacheDir
	}
	if changed("test") {
		cfg.Test = f.test
	}
	if changed("max-parallel") {
		cfg.MaxParallel = f.maxParallel
	}
}
