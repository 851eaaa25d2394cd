package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jkaninda/insight/internal/prompts"
)

var promptsCmd = &cobra.Command{
	Use:   "prompts",
	Short: "Inspect and validate prompt catalogs",
}

var promptsCheckCmd = &cobra.Command{
	Use:   "check [path]",
	Short: "Validate a prompt catalog file (default: the configured catalog)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPromptsCheck,
}

var promptsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the prompts of the configured catalog",
	RunE:  runPromptsList,
}

func init() {
	promptsCmd.AddCommand(promptsCheckCmd, promptsListCmd)
}

// configuredCatalog loads the catalog the server would use.
func configuredCatalog() (*prompts.Catalog, string, error) {
	logger := newLogger("warn", false)
	cfg, err := loadConfig(resolvedConfigPath(), logger)
	if err != nil {
		return nil, "", err
	}
	cat, err := prompts.NewStore(cfg.Prompts.Path, logger).Catalog()
	source := cfg.Prompts.Path
	if source == "" {
		source = "(embedded defaults)"
	}
	return cat, source, err
}

func runPromptsCheck(_ *cobra.Command, args []string) error {
	var (
		cat    *prompts.Catalog
		source string
		err    error
	)
	if len(args) == 1 {
		source = args[0]
		data, readErr := os.ReadFile(source)
		if readErr != nil {
			return fmt.Errorf("reading %s: %w", source, readErr)
		}
		cat, err = prompts.Parse(data)
	} else {
		cat, source, err = configuredCatalog()
	}
	if err != nil {
		return fmt.Errorf("%s: %w", source, err)
	}

	defaults, err := prompts.Parse(prompts.Defaults())
	if err != nil {
		return fmt.Errorf("embedded catalog: %w", err)
	}
	missing := 0
	for _, e := range defaults.Sorted() {
		if _, ok := cat.Entries[e.Key]; !ok {
			fmt.Fprintf(os.Stderr, "warning: %s: prompt %q missing, agents using it will fail\n", source, e.Key)
			missing++
		}
	}
	fmt.Printf("%s: ok (version %d, %d prompts, %d missing)\n", source, cat.Version, len(cat.Entries), missing)
	return nil
}

func runPromptsList(_ *cobra.Command, _ []string) error {
	cat, source, err := configuredCatalog()
	if err != nil {
		return fmt.Errorf("%s: %w", source, err)
	}
	for _, e := range cat.Sorted() {
		vars := "-"
		if len(e.Placeholders) > 0 {
			vars = strings.Join(e.Placeholders, ",")
		}
		fmt.Printf("%-32s %-40s %s\n", e.Key, e.Label, vars)
	}
	return nil
}
