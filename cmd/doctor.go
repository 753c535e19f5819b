package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/container"
	"github.com/nextlevelbuilder/nanoclaw/internal/store/pg"
	"github.com/nextlevelbuilder/nanoclaw/internal/store/sqlite"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("nanoclaw doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	// Config
	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND — defaults + env apply)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("  Config invalid: %s\n", err)
	}

	// Container runtime
	fmt.Println()
	fmt.Println("  Container Runtime:")
	checkBinary(cfg.Container.Runtime)
	probeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := container.Probe(probeCtx, cfg.Container.Runtime); err != nil {
		fmt.Printf("    %-12s NOT USABLE (%s)\n", "Daemon:", err)
	} else {
		fmt.Printf("    %-12s OK\n", "Daemon:")
	}
	cancel()
	fmt.Printf("    %-12s %s\n", "Image:", cfg.Container.Image)
	fmt.Printf("    %-12s %s\n", "Prefix:", cfg.Container.NamePrefix)

	// Store
	fmt.Println()
	fmt.Println("  Store:")
	fmt.Printf("    %-12s %s\n", "Driver:", cfg.Store.Driver)
	switch cfg.Store.Driver {
	case "sqlite":
		path := cfg.SQLitePath()
		fmt.Printf("    %-12s %s", "Path:", path)
		if _, err := os.Stat(path); err != nil {
			fmt.Println(" (will be created on first run)")
		} else if db, err := sqlite.Open(path); err != nil {
			fmt.Println()
			fmt.Printf("    %-12s OPEN FAILED (%s)\n", "Status:", err)
		} else {
			fmt.Println()
			fmt.Printf("    %-12s OK\n", "Status:")
			db.Close()
		}
	case "postgres":
		if db, err := pg.OpenDB(cfg.Store.PostgresDSN); err != nil {
			fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		} else {
			fmt.Printf("    %-12s OK\n", "Status:")
			db.Close()
		}
	}

	// Directories
	fmt.Println()
	fmt.Println("  Directories:")
	checkDir("Data", cfg.DataDir())
	checkDir("Store", cfg.StoreDir())
	checkDir("Groups", cfg.GroupsDir())

	// Agent
	fmt.Println()
	fmt.Println("  Agent:")
	fmt.Printf("    %-12s %s\n", "Assistant:", cfg.Agent.AssistantName)
	fmt.Printf("    %-12s %s\n", "Main group:", cfg.Agent.MainGroupFolder)
	if _, err := cfg.Location(); err != nil {
		fmt.Printf("    %-12s INVALID (%s)\n", "Timezone:", err)
	} else if cfg.Agent.Timezone == "" {
		fmt.Printf("    %-12s (host local)\n", "Timezone:")
	} else {
		fmt.Printf("    %-12s %s\n", "Timezone:", cfg.Agent.Timezone)
	}
	checkSecret("API token", cfg.HTTP.APIToken)
	for _, key := range cfg.Container.EnvPassthrough {
		checkSecret(key, os.Getenv(key))
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkSecret(name, value string) {
	if value == "" {
		fmt.Printf("    %-12s (not set)\n", name+":")
		return
	}
	masked := "****"
	if len(value) > 8 {
		masked = value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
	}
	fmt.Printf("    %-12s %s\n", name+":", masked)
}

func checkDir(name, path string) {
	fmt.Printf("    %-12s %s", name+":", path)
	info, err := os.Stat(path)
	switch {
	case err != nil:
		fmt.Println(" (will be created)")
	case !info.IsDir():
		fmt.Println(" (NOT A DIRECTORY)")
	default:
		fmt.Println(" (OK)")
	}
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-12s %s\n", name+":", path)
	}
}
