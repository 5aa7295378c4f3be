// cmd/crawlguard/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/valpere/crawlguard/internal/config"
	"github.com/valpere/crawlguard/internal/errors"
	"github.com/valpere/crawlguard/internal/scraper"
	"github.com/valpere/crawlguard/internal/utils"
)

// Version information (set by build flags)
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// loadConfig reads --config when given and falls back to defaults.
func loadConfig(args []string) (*config.Config, error) {
	path := flagValue(args, "--config")
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config) error {
	level := cfg.Logging.Level
	if hasFlag("-v") || hasFlag("--verbose") {
		level = "debug"
	}
	return utils.ConfigureLogging(level, cfg.Logging.Format, os.Stderr)
}

// runExtract extracts one or more fields of a page and prints the results
// as JSON.
func runExtract(args []string) error {
	target := flagValue(args, "--url")
	fields := splitList(flagValue(args, "--field"))
	if !utils.IsPageURL(target) || len(fields) == 0 {
		return fmt.Errorf("--url (absolute http or https) and --field are required")
	}
	site := flagValue(args, "--site")
	if site == "" {
		// default to the page's host
		var err error
		if site, err = utils.SiteFromURL(target); err != nil {
			return err
		}
	}

	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	if err := setupLogging(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := scraper.Build(ctx, cfg, version)
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}
	defer rt.Close()

	rt.Engine.Start()
	defer rt.Engine.Stop()

	results := rt.Engine.Run(ctx, []scraper.Job{{Site: site, URL: target, Fields: fields}})

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results[0]); err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}
	if results[0].Summary.Succeeded == 0 {
		return fmt.Errorf("no field extracted: %s", results[0].Summary.Status)
	}
	return nil
}

// runValidate validates a configuration file and lists warnings.
func runValidate(args []string) error {
	path := flagValue(args, "--config")
	if path == "" && len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		path = args[0]
	}
	if path == "" {
		return fmt.Errorf("--config is required")
	}

	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return err
	}

	result := cfg.ValidateDetailed()
	for _, w := range result.Warnings {
		fmt.Printf("⚠ %s\n", w)
	}
	fmt.Printf("✓ Configuration file '%s' is valid\n", path)

	if hasFlag("-v") || hasFlag("--verbose") {
		fmt.Printf("Configuration details:\n")
		fmt.Printf("  Navigator: %s\n", cfg.Navigator.Mode)
		fmt.Printf("  Proxies: %d\n", len(cfg.Proxies.Proxies))
		fmt.Printf("  Storage: %s\n", cfg.Storage.SQL.Driver)
		fmt.Printf("  Strategies: %d\n", len(cfg.Recovery.Strategies))
	}
	return nil
}

// runStrategies prints the configured recovery strategies.
func runStrategies(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}

	strategies := cfg.Recovery.Strategies
	if len(strategies) == 0 {
		strategies = errors.DefaultStrategies()
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tKINDS\tPRIORITY\tMAX RETRIES\tBASE DELAY\tBACKOFF\tACTION")
	for _, s := range strategies {
		kinds := make([]string, len(s.Kinds))
		for i, k := range s.Kinds {
			kinds[i] = string(k)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			s.Name, strings.Join(kinds, ","), s.Priority, s.MaxRetries, s.BaseDelay, s.Backoff, s.Action)
	}
	return w.Flush()
}

// hasFlag checks if a flag is present in command line arguments
func hasFlag(flag string) bool {
	for _, arg := range os.Args {
		if arg == flag {
			return true
		}
	}
	return false
}

// flagValue returns the value after name, accepting "--name value" and
// "--name=value".
func flagValue(args []string, name string) string {
	for i, arg := range args {
		if arg == name && i+1 < len(args) {
			return args[i+1]
		}
		if strings.HasPrefix(arg, name+"=") {
			return strings.TrimPrefix(arg, name+"=")
		}
	}
	return ""
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	var err error
	switch command {
	case "extract":
		err = runExtract(args)

	case "validate":
		err = runValidate(args)

	case "strategies":
		err = runStrategies(args)

	case "version", "--version":
		printVersion()

	case "help", "--help", "-h":
		printUsage()

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// printUsage displays help information
func printUsage() {
	fmt.Println("crawlguard - resilient product page extraction")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  crawlguard extract --url <u> --field <f[,f...]> [--site <s>] [--config <file>]")
	fmt.Println("                                          Extract fields from one page")
	fmt.Println("  crawlguard validate --config <file>     Validate configuration file")
	fmt.Println("  crawlguard strategies [--config <file>] List recovery strategies")
	fmt.Println("  crawlguard version                      Show version information")
	fmt.Println("  crawlguard help                         Show this help message")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -v, --verbose                           Enable debug logging")
}

// printVersion displays version information
func printVersion() {
	fmt.Printf("crawlguard %s\n", version)
	fmt.Printf("Build time: %s\n", buildTime)
	fmt.Printf("Git commit: %s\n", gitCommit)
}
