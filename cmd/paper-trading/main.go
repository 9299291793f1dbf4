package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/Gainium/paper-trading-sh/internal/bootstrap"

	"github.com/joho/godotenv"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	envFile := flag.String("env", "", "Optional .env file loaded before config expansion")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("paper-trading version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	// Load the .env file before the config loader runs so ${VAR}
	// placeholders in the YAML can see its values.
	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load env file %s: %v\n", *envFile, err)
			os.Exit(1)
		}
	} else {
		_ = godotenv.Load()
	}

	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		*configPath = envConfig
	}

	app, err := bootstrap.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}

	app.Logger.Info("Starting paper trading venue",
		"version", version,
		"build_time", buildTime,
	)

	if err := app.Run(); err != nil {
		os.Exit(1)
	}
}
