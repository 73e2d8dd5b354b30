package cmd

import (
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/fdm2-org/fdm/pkg/config"
	"github.com/fdm2-org/fdm/pkg/project"
)

// Version is stamped at build time with -ldflags "-X".
var Version = "dev"

// DevCfg holds the resolved developer configuration, available to all
// subcommands after PersistentPreRunE completes.
var DevCfg *config.DevConfig

// devConfigFlags are the persistent flags that map onto developer config
// keys of the same name.
var devConfigFlags = []string{
	config.KeyRegistry,
	config.KeyOffline,
	config.KeyLocal,
	config.KeyOS,
	config.KeyArch,
	config.KeyJobs,
	config.KeyVerbose,
}

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "fdm",
		Short:   "Native dependency manager",
		Long:    "fdm resolves the dependencies listed in fdm.toml against a registry, downloads the matching prebuilt or source archives and stages them for the build.",
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadDevConfig(configDir(), changedFlags(cmd.Flags()))
			if err != nil {
				return err
			}
			DevCfg = cfg

			level := log.InfoLevel
			if cfg.Verbose {
				level = log.DebugLevel
			}
			logger := newLogger(cmd.ErrOrStderr(), level)
			cmd.SetContext(withLogger(cmd.Context(), logger))
			return nil
		},
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.String(config.KeyRegistry, config.DefaultRegistry, "registry repository URL")
	flags.Bool(config.KeyOffline, false, "use the registry at --local instead of cloning")
	flags.String(config.KeyLocal, "", "path to a local registry")
	flags.String(config.KeyOS, "", "target operating system, for cross-compiling")
	flags.String(config.KeyArch, "", "target architecture, or a registry platform such as linux-x64")
	flags.IntP(config.KeyJobs, "j", 0, "parallel downloads (default 4)")
	flags.BoolP(config.KeyVerbose, "v", false, "enable debug logging")

	root.AddCommand(newInitCmd())
	root.AddCommand(newLoadCmd())
	root.AddCommand(newResolveCmd())
	root.AddCommand(newRegistryCmd())

	return root
}

// configDir is where fdm.local.toml is read from: the enclosing project's
// root, or the working directory outside a project.
func configDir() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	if layout, err := project.Find(wd); err == nil {
		return layout.Root
	}
	return wd
}

// changedFlags collects the developer config flags the user set explicitly,
// so that unset flags do not shadow config files or the environment.
func changedFlags(fs *pflag.FlagSet) map[string]any {
	out := make(map[string]any)
	for _, name := range devConfigFlags {
		f := fs.Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		switch f.Value.Type() {
		case "bool":
			v, _ := fs.GetBool(name)
			out[name] = v
		case "int":
			v, _ := fs.GetInt(name)
			out[name] = v
		default:
			out[name] = f.Value.String()
		}
	}
	return out
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
