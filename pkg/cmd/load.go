package cmd

import (
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/fdm2-org/fdm/pkg/installer"
)

func newLoadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "load",
		Aliases: []string{"install"},
		Short:   "Fetch and stage every dependency in fdm.toml",
		Long: `Syncs the registry, resolves the dependencies declared in fdm.toml
together with their transitive dependencies, downloads each artifact once into
fdm/cache and extracts it into fdm/pack/libs/<name>.`,
		Args: cobra.NoArgs,
		RunE: runLoad,
	}
	cmd.Flags().Bool("no-sync", false, "use the registry mirror already in fdm/reg")
	cmd.Flags().Bool("stop-on-error", false, "abort on the first failed dependency")
	return cmd
}

func runLoad(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	noSync, _ := cmd.Flags().GetBool("no-sync")
	stopOnError, _ := cmd.Flags().GetBool("stop-on-error")

	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()
	if err := prepareRegistry(ctx, ws.registry, !noSync); err != nil {
		return err
	}

	direct, err := ws.manifest.Requests()
	if err != nil {
		return err
	}
	if len(direct) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No dependencies in "+ws.layout.Manifest())
		return nil
	}

	res := ws.registry.ResolveAll(direct)
	ws.logger.Info("resolved", "direct", len(direct), "total", len(res.Dependencies))

	inst := ws.installer()
	inst.StopOnError = stopOnError
	inst.Progress = progressLogger(ws)

	p := newProgress(ws.logger)
	result, err := inst.InstallAll(ctx, res)
	if result != nil {
		printResult(cmd, result)
	}
	if err != nil {
		for _, host := range ws.fetcher.OpenHosts() {
			ws.logger.Warn("host unreachable, remaining downloads from it were skipped", "host", host)
		}
		if result != nil && len(result.Failed) > 0 {
			return fmt.Errorf("%d of %d dependencies failed", len(result.Failed), len(res.Dependencies))
		}
		return err
	}
	p.done(fmt.Sprintf("Staged %d libraries in %s", len(result.Staged), ws.layout.Libs()))
	return nil
}

// progressLogger logs download progress at debug level, at most once per
// MiB per package.
func progressLogger(ws *workspace) installer.ProgressFunc {
	var mu sync.Mutex
	last := make(map[string]int64)
	return func(name string, written, total int64) {
		mu.Lock()
		defer mu.Unlock()
		if written-last[name] < 1<<20 && written != total {
			return
		}
		last[name] = written
		if total > 0 {
			ws.logger.Debug("downloading", "package", name, "progress", humanize.Bytes(uint64(written))+" / "+humanize.Bytes(uint64(total)))
			return
		}
		ws.logger.Debug("downloading", "package", name, "progress", humanize.Bytes(uint64(written)))
	}
}

func printResult(cmd *cobra.Command, result *installer.Result) {
	out := cmd.OutOrStdout()
	for _, s := range result.Staged {
		fmt.Fprintf(out, "%s %s %s %s\n", styleSuccess.Render(iconSuccess), styleName.Render(s.Name), styleDim.Render(iconArrow), styleDim.Render(s.Path))
	}
	for _, f := range result.Failed {
		fmt.Fprintf(out, "%s %s %s\n", styleError.Render(iconError), styleName.Render(f.Name), styleIndent.Render(f.Err.Error()))
	}
}
