package cmd

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/fdm2-org/fdm/pkg/config"
	"github.com/fdm2-org/fdm/pkg/project"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [name]",
		Short: "Initialize a new fdm project",
		Long:  "Creates an fdm.toml manifest in the current directory and adds fdm's working files to .gitignore. The name defaults to the directory name.",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runInit,
		// init does not need dev config resolution; skip the root PersistentPreRunE.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	}
	cmd.Flags().String("build-system", "", "build system of the project (cmake or cargo); prompts when omitted")
	return cmd
}

func runInit(cmd *cobra.Command, args []string) error {
	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}

	name := project.InferName(wd)
	if len(args) == 1 {
		name = args[0]
	}

	buildSystem, err := cmd.Flags().GetString("build-system")
	if err != nil {
		return err
	}
	if !cmd.Flags().Changed("build-system") {
		if buildSystem, err = promptBuildSystem(); err != nil {
			return err
		}
	}

	if err := project.Init(wd, name, buildSystem); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", project.ManifestFile)

	added, err := project.EnsureGitignore(wd, project.GitignoreEntries)
	if err != nil {
		return err
	}
	for _, entry := range added {
		fmt.Fprintf(cmd.OutOrStdout(), "Added %s to .gitignore\n", entry)
	}

	return nil
}

// promptBuildSystem uses huh to ask which build system consumes the staged
// libraries.
func promptBuildSystem() (string, error) {
	var selected string
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Which build system does this project use?").
				Options(
					huh.NewOption("CMake", config.BuildSystemCMake),
					huh.NewOption("Cargo", config.BuildSystemCargo),
					huh.NewOption("None", ""),
				).
				Value(&selected),
		),
	).Run()
	if err != nil {
		return "", fmt.Errorf("prompt failed: %w", err)
	}

	return selected, nil
}
