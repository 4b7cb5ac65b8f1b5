// main.go - Admin control tool for visitstats
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"visitstats/internal"
	"visitstats/internal/config"
	"visitstats/internal/seeder"
	"visitstats/internal/timeframe"
)

const (
	defaultShutdownTimeout = 30 * time.Second
)

// Command defines the interface for all command implementations
type Command interface {
	// Name returns the command name
	Name() string
	// Description returns the command description
	Description() string
	// Execute runs the command with the given app and args
	Execute(ctx context.Context, app *internal.Application, args []string) error
}

// The set of available commands
var commands = []Command{
	&MigrateCommand{},
	&SyncCommand{},
	&ReconcileTodayCommand{},
	&CleanupCommand{},
	&StatusCommand{},
	&SeedCommand{},
	&HelpCommand{},
}

func main() {
	flag.Parse()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := <-sigChan
		log.Printf("Received signal: %v, initiating cleanup...", sig)
		cancel()
	}()

	cmdName, args := parseArgs()

	cmd := findCommand(cmdName)
	if cmd == nil {
		showUsageAndExit()
	}

	// Try to initialize the app
	app, err := internal.NewApp()
	if err != nil {
		log.Printf("Warning: Failed to initialize app: %v", err)
		log.Println("Proceeding with limited functionality...")
	}

	defer func() {
		if app != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
			defer cancel()
			if err := app.Shutdown(shutdownCtx); err != nil {
				log.Printf("Warning: Cleanup error: %v", err)
			}
			if err := app.Close(); err != nil {
				log.Printf("Warning: Failed to close hot store: %v", err)
			}
		}
	}()

	if err := cmd.Execute(ctx, app, args); err != nil {
		log.Printf("Command failed: %v", err)
		os.Exit(1)
	}

	log.Printf("Command %s completed successfully", cmd.Name())
}

// MigrateCommand runs database migrations
type MigrateCommand struct{}

func (c *MigrateCommand) Name() string        { return "migrate" }
func (c *MigrateCommand) Description() string { return "Runs database migrations" }

func (c *MigrateCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	if app == nil {
		return fmt.Errorf("app initialization failed, cannot run migrations")
	}

	log.Println("Running database migrations...")
	if err := app.DBManager.MigrateDatabase(); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	log.Println("Migrations completed successfully")
	return nil
}

// SyncCommand reconciles one day from the hot tier into the database
type SyncCommand struct{}

func (c *SyncCommand) Name() string { return "sync" }
func (c *SyncCommand) Description() string {
	return "Reconciles one day (YYYY-MM-DD) from the hot tier into the database"
}

func (c *SyncCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: %s <YYYY-MM-DD>", c.Name())
	}
	if app == nil {
		return fmt.Errorf("app initialization failed, cannot sync")
	}

	day, err := timeframe.ParseDay(args[0])
	if err != nil {
		return err
	}
	return syncDay(ctx, app, day)
}

// ReconcileTodayCommand runs the hourly reconciliation once
type ReconcileTodayCommand struct{}

func (c *ReconcileTodayCommand) Name() string { return "reconcile-today" }
func (c *ReconcileTodayCommand) Description() string {
	return "Reconciles today's counters into the database"
}

func (c *ReconcileTodayCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	if app == nil {
		return fmt.Errorf("app initialization failed, cannot reconcile")
	}
	return syncDay(ctx, app, app.Components.Calendar.Today())
}

func syncDay(ctx context.Context, app *internal.Application, day timeframe.Day) error {
	result, err := app.Components.Scheduler.SyncDate(ctx, day)
	if err != nil {
		return fmt.Errorf("sync %s failed: %w", day, err)
	}
	if result.Skipped {
		fmt.Printf("%s: no hot data, nothing to reconcile\n", result.Date)
		return nil
	}
	fmt.Printf("%s: page views %d, unique visitors %d\n", result.Date, result.PageViews, result.UniqueVisitors)
	return nil
}

// CleanupCommand purges hot-tier keys past retention
type CleanupCommand struct{}

func (c *CleanupCommand) Name() string { return "cleanup" }
func (c *CleanupCommand) Description() string {
	return "Deletes hot-tier keys older than the retention window"
}

func (c *CleanupCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	if app == nil {
		return fmt.Errorf("app initialization failed, cannot clean up")
	}

	result, err := app.Components.Scheduler.Cleanup(ctx)
	if err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}

	fmt.Printf("Scanned %d keys, deleted %d, skipped %d unparseable\n", result.Scanned, result.Deleted, result.Unparseable)
	for _, w := range result.Warnings {
		fmt.Printf("Warning: key %s is dated %s, after tomorrow (clock skew?)\n", w.Key, w.Date)
	}
	return nil
}

// StatusCommand implements a command to check the system status
type StatusCommand struct{}

func (c *StatusCommand) Name() string        { return "status" }
func (c *StatusCommand) Description() string { return "Shows the current system status" }

func (c *StatusCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	if app == nil {
		return fmt.Errorf("cannot check status: app initialization failed")
	}
	comp := app.Components

	count, err := comp.Repo.Count(ctx)
	if err != nil {
		return fmt.Errorf("database error: %w", err)
	}

	log.Println("System Status:")
	log.Println("- Database: Connected")
	log.Printf("- Stored days: %d", count)

	if err := comp.Hot.Ping(ctx); err != nil {
		log.Printf("- Hot tier: unavailable (%v)", err)
	} else {
		keys, err := comp.Hot.Keys(ctx)
		if err != nil {
			log.Printf("- Hot tier: connected, key scan failed (%v)", err)
		} else {
			log.Printf("- Hot tier: connected, %d keys", len(keys))
		}
	}

	next := comp.Scheduler.NextRuns()
	names := make([]string, 0, len(next))
	for name := range next {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		log.Printf("- Next %s: %s", name, next[name].Format(time.RFC3339))
	}

	sqlDB, err := app.DBManager.GetConnection().DB()
	if err != nil {
		return fmt.Errorf("failed to get SQL DB: %w", err)
	}
	dbStats := sqlDB.Stats()
	log.Printf("- Max Open Connections: %d", dbStats.MaxOpenConnections)
	log.Printf("- Open Connections: %d", dbStats.OpenConnections)
	log.Printf("- In Use: %d", dbStats.InUse)
	log.Printf("- Idle: %d", dbStats.Idle)

	return nil
}

// SeedCommand fills both tiers with synthetic traffic
type SeedCommand struct{}

func (c *SeedCommand) Name() string        { return "seed" }
func (c *SeedCommand) Description() string { return "Seeds the stores with sample visit data" }

func (c *SeedCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	visitors := fs.Int("visitors", 200, "average distinct visitors per day")
	days := fs.Int("days", 30, "number of days to seed, ending today")
	seed := fs.Uint64("seed", uint64(time.Now().UnixNano()), "random seed")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if app == nil {
		return fmt.Errorf("unable to initialise app")
	}
	comp := app.Components

	se := seeder.NewSeeder(comp.Hot, comp.Repo, comp.Calendar, slog.Default(), *visitors, *seed)
	se.Salt = config.GetConfig().FingerprintSalt

	results, err := se.Run(ctx, *days)
	if err != nil {
		return err
	}
	for _, r := range results {
		fmt.Printf("%s  page views %6d  visitors %5d\n", r.Date, r.PageViews, r.Visitors)
	}
	return nil
}

// HelpCommand implements a command to show usage information
type HelpCommand struct{}

func (c *HelpCommand) Name() string        { return "help" }
func (c *HelpCommand) Description() string { return "Shows usage information" }

func (c *HelpCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	printUsage()
	return nil
}

// parseArgs parses the command name and arguments
func parseArgs() (string, []string) {
	args := flag.Args()
	if len(args) == 0 {
		return "help", []string{}
	}
	return args[0], args[1:]
}

// findCommand finds a command by name
func findCommand(name string) Command {
	for _, cmd := range commands {
		if cmd.Name() == name {
			return cmd
		}
	}
	return nil
}

func printUsage() {
	fmt.Println("Usage: vsctl [command] [args...]")
	fmt.Println("Available commands:")
	for _, cmd := range commands {
		fmt.Printf("  %s: %s\n", cmd.Name(), cmd.Description())
	}
}

// showUsageAndExit shows usage information and exits
func showUsageAndExit() {
	printUsage()
	os.Exit(1)
}
