package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/url"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fdm2-org/fdm/pkg/config"
	"github.com/fdm2-org/fdm/pkg/index"
	"github.com/fdm2-org/fdm/pkg/project"
	"github.com/fdm2-org/fdm/pkg/registry"
	"github.com/fdm2-org/fdm/pkg/types"
)

func newRegistryCmd() *cobra.Command {
	registryCmd := &cobra.Command{
		Use:   "registry",
		Short: "Inspect and refresh the registry mirror",
	}

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Clone the registry again and rebuild its index",
		Args:  cobra.NoArgs,
		RunE:  runRegistrySync,
	}

	listCmd := &cobra.Command{
		Use:   "list [name...]",
		Short: "List packages in the registry mirror",
		Long:  "Lists every package in the registry mirror, or only the named ones, with the distributions and platforms published for each version.",
		RunE:  runRegistryList,
	}
	listCmd.Flags().Bool("sync", false, "refresh the mirror before listing")

	registryCmd.AddCommand(syncCmd, listCmd)
	return registryCmd
}

// mirrorPath is the project's fdm/reg, or ~/.fdm/reg outside a project.
func mirrorPath() (string, error) {
	layout, err := project.Find(".")
	if err == nil {
		return layout.Registry(), nil
	}
	if !errors.Is(err, project.ErrNoManifest) {
		return "", err
	}
	dir, err := config.GlobalConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "reg"), nil
}

func openMirror(ctx context.Context) (*registry.Registry, error) {
	path, err := mirrorPath()
	if err != nil {
		return nil, err
	}
	return newRegistry(ctx, path)
}

func runRegistrySync(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	reg, err := openMirror(ctx)
	if err != nil {
		return err
	}
	if err := prepareRegistry(ctx, reg, true); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s at %s\n", styleSuccess.Render(iconSuccess), reg.Path(), reg.Commit())
	return nil
}

func runRegistryList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	doSync, _ := cmd.Flags().GetBool("sync")

	reg, err := openMirror(ctx)
	if err != nil {
		return err
	}
	if err := prepareRegistry(ctx, reg, doSync); err != nil {
		return fmt.Errorf("%w (run fdm registry sync first)", err)
	}

	idx := reg.Index()
	names := args
	if len(names) == 0 {
		names = idx.Names()
	}
	for _, name := range names {
		pkg, ok := idx.Package(name)
		if !ok {
			return fmt.Errorf("%w: %s is not in the registry", registry.ErrDependencyNotFound, name)
		}
		printPackage(cmd.OutOrStdout(), pkg)
	}
	return nil
}

func printPackage(w io.Writer, pkg *index.Package) {
	fmt.Fprintln(w, styleTitle.Render(pkg.Name))
	for _, v := range pkg.SortedVersions() {
		desc := pkg.Versions[v]

		var dists []string
		for _, dist := range []types.Distribution{types.DistSources, types.DistStatic, types.DistShared} {
			platforms, ok := desc.Distributions[dist]
			if !ok {
				continue
			}
			dists = append(dists, styleDist.Render(dist.String())+" "+styleDim.Render(platformList(platforms)))
		}
		fmt.Fprintf(w, "%s %s\n", styleIndent.Render(styleVersion.Render(v.String())), strings.Join(dists, ", "))

		deps := make([]string, 0, len(desc.Dependencies))
		for _, dep := range slices.Sorted(maps.Keys(desc.Dependencies)) {
			deps = append(deps, dep+" "+desc.Dependencies[dep].String())
		}
		if len(deps) > 0 {
			fmt.Fprintln(w, styleIndent.Render(styleIndent.Render(styleLink.Render(iconArrow+" "+strings.Join(deps, ", ")))))
		}
	}
}

func platformList(platforms map[types.PlatformArch]*url.URL) string {
	names := make([]string, 0, len(platforms))
	for p := range platforms {
		names = append(names, p.String())
	}
	slices.Sort(names)
	return "(" + strings.Join(names, " ") + ")"
}
