// Command checkenv verifies the environment an ingestion run needs without
// printing secret values beyond a fingerprint.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"

	"caduceus/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	type entry struct {
		name     string
		value    string
		required bool
	}
	entries := []entry{
		{"DATABASE_URL", cfg.Database.URL, true},
		{"EMBED_API_KEY", cfg.Embedding.APIKey, true},
		{"EMBED_BASE_URL", cfg.Embedding.BaseURL, false},
		{"EMBED_MODEL", cfg.Embedding.Model, false},
		{"NCBI_API_KEY", cfg.NCBIAPIKey, false},
	}

	missing := 0
	for _, e := range entries {
		switch {
		case e.value != "":
			fmt.Printf("  %s %-16s %s\n", green("✓"), e.name, config.Fingerprint(e.value))
		case e.required:
			fmt.Printf("  %s %-16s missing (required)\n", red("✗"), e.name)
			missing++
		default:
			fmt.Printf("  %s %-16s unset (optional)\n", yellow("-"), e.name)
		}
	}
	if cfg.NCBIAPIKey == "" {
		fmt.Println("\nwithout NCBI_API_KEY, PubMed is limited to 3 requests/second")
	}
	if missing > 0 {
		os.Exit(1)
	}
}
