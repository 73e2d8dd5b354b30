package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/fdm2-org/fdm/pkg/registry"
	"github.com/fdm2-org/fdm/pkg/types"
)

func newResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve [name version distribution]",
		Short: "Show the dependency closure without downloading",
		Long: `Resolves the dependencies in fdm.toml, or a single package given as
name, version and distribution, and prints every package that would be staged.
Packages requested in more than one way are listed with each request.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 3 {
				return fmt.Errorf("expected no arguments or name, version and distribution, got %d", len(args))
			}
			return nil
		},
		RunE: runResolve,
	}
	cmd.Flags().Bool("no-sync", false, "use the registry mirror already in fdm/reg")
	cmd.Flags().StringP("output", "o", "text", "output format: text, yaml or json")
	return cmd
}

func runResolve(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	noSync, _ := cmd.Flags().GetBool("no-sync")
	output, _ := cmd.Flags().GetString("output")
	switch output {
	case "text", "yaml", "json":
	default:
		return fmt.Errorf("unknown output format %q (want text, yaml or json)", output)
	}

	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	if err := prepareRegistry(ctx, ws.registry, !noSync); err != nil {
		return err
	}

	var res *registry.Resolution
	if len(args) == 3 {
		req, err := types.ParseDependencyRequest(args[1], args[2], "")
		if err != nil {
			return err
		}
		if !ws.registry.Contains(args[0], req) {
			_, err := ws.registry.Get(args[0], req)
			return err
		}
		res = ws.registry.Resolve(args[0], req)
	} else {
		direct, err := ws.manifest.Requests()
		if err != nil {
			return err
		}
		res = ws.registry.ResolveAll(direct)
	}

	if output != "text" {
		return writeResolution(cmd.OutOrStdout(), res, ws.registry, output == "json")
	}
	printResolution(cmd.OutOrStdout(), res, ws.registry)
	return nil
}

type resolutionReport struct {
	Host     string            `json:"host"`
	Packages []resolvedPackage `json:"packages"`
}

type resolvedPackage struct {
	Name          string   `json:"name"`
	Version       string   `json:"version"`
	Distribution  string   `json:"distribution"`
	Arch          string   `json:"arch,omitempty"`
	Available     bool     `json:"available"`
	AlsoRequested []string `json:"alsoRequested,omitempty"`
}

// writeResolution emits the resolution as YAML, or JSON when asJSON is set.
func writeResolution(w io.Writer, res *registry.Resolution, reg *registry.Registry, asJSON bool) error {
	report := resolutionReport{Host: reg.Host().String()}
	for _, name := range res.Names() {
		req := res.Dependencies[name]
		pkg := resolvedPackage{
			Name:         name,
			Version:      req.Version.String(),
			Distribution: req.Distribution.String(),
			Available:    reg.Contains(name, req),
		}
		if req.Arch != nil {
			pkg.Arch = req.Arch.String()
		}
		for _, other := range res.Collisions[name] {
			if !other.Equal(req) {
				pkg.AlsoRequested = append(pkg.AlsoRequested, other.String())
			}
		}
		report.Packages = append(report.Packages, pkg)
	}

	out, err := yaml.Marshal(report)
	if err == nil && asJSON {
		out, err = yaml.YAMLToJSON(out)
		out = append(out, '\n')
	}
	if err != nil {
		return fmt.Errorf("encoding resolution: %w", err)
	}
	_, err = w.Write(out)
	return err
}

func printResolution(w io.Writer, res *registry.Resolution, reg *registry.Registry) {
	fmt.Fprintln(w, styleTitle.Render(fmt.Sprintf("%d packages for %s", len(res.Dependencies), reg.Host())))
	for _, name := range res.Names() {
		req := res.Dependencies[name]
		status := styleSuccess.Render(iconSuccess)
		if !reg.Contains(name, req) {
			status = styleError.Render(iconError)
		}
		fmt.Fprintf(w, "%s %s %s %s\n", status, styleName.Render(name), styleVersion.Render(req.Version.String()), styleDist.Render(req.Distribution.String()))

		for _, other := range res.Collisions[name] {
			if other.Equal(req) {
				continue
			}
			fmt.Fprintln(w, styleIndent.Render(styleDim.Render("also requested as "+other.String())))
		}
	}
}
