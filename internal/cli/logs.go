package cli

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wendell1224/openclaw-china/internal/config"
	"github.com/wendell1224/openclaw-china/internal/system/logger"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Inspect the gateway's rotating log files",
}

var logsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all log files",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := resolveLogDir()
		files, err := logger.ListLogFiles(dir)
		if err != nil {
			return fmt.Errorf("list log files: %w", err)
		}
		if len(files) == 0 {
			cmd.Printf("No log files found in %s\n", dir)
			return nil
		}
		total, _ := logger.TotalSize(dir)
		cmd.Printf("Log files (%d, total %.1f MB):\n\n", len(files), float64(total)/1024/1024)
		for _, f := range files {
			sizeMB := float64(f.Size) / 1024 / 1024
			cmd.Printf("  %-32s  %8.2f MB  %s\n", f.Name, sizeMB, f.ModTime.Local().Format("2006-01-02 15:04:05"))
		}
		cmd.Printf("\nLog directory: %s\n", dir)
		return nil
	},
}

var logsCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove log files older than the configured retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _ := config.Load()
		if cfg == nil {
			cfg = config.Default()
		}

		maxAge := cfg.Log.MaxAgeDays
		if maxAge <= 0 {
			maxAge = 30
		}
		stderrEnabled := true
		if cfg.Log.StderrEnabled != nil {
			stderrEnabled = *cfg.Log.StderrEnabled
		}

		mgr, err := logger.New(logger.Config{
			Dir:           resolveLogDir(),
			MaxAgeDays:    maxAge,
			MaxSizeMB:     cfg.Log.MaxSizeMB,
			StderrEnabled: stderrEnabled,
		})
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		defer mgr.Close()

		removed, err := mgr.Cleanup()
		if err != nil {
			return fmt.Errorf("cleanup logs: %w", err)
		}
		if removed == 0 {
			cmd.Println("No expired log files to clean.")
		} else {
			cmd.Printf("Removed %d expired log files (older than %d days)\n", removed, maxAge)
		}
		return nil
	},
}

var logsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show log directory and retention settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := resolveLogDir()
		files, _ := logger.ListLogFiles(dir)
		total, _ := logger.TotalSize(dir)

		cmd.Println("Log system status:")
		cmd.Println()
		cmd.Printf("  Directory:    %s\n", dir)
		cmd.Printf("  Total files:  %d\n", len(files))
		cmd.Printf("  Total size:   %.2f MB\n", float64(total)/1024/1024)
		if len(files) > 0 {
			cmd.Printf("  Latest file:  %s\n", files[0].Name)
			cmd.Printf("  Latest time:  %s\n", files[0].ModTime.Local().Format("2006-01-02 15:04:05"))
		}

		cfg, _ := config.Load()
		if cfg == nil {
			cfg = config.Default()
		}
		maxAge := cfg.Log.MaxAgeDays
		if maxAge <= 0 {
			maxAge = 30
		}
		maxSize := cfg.Log.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 50
		}
		cmd.Printf("  Max age:      %d days\n", maxAge)
		cmd.Printf("  Max size:     %d MB per file\n", maxSize)
		return nil
	},
}

var logsTailCmd = &cobra.Command{
	Use:   "tail [lines]",
	Short: "Print the end of the newest log file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		lines := 50
		if len(args) == 1 {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid line count %q: %w", args[0], err)
			}
			lines = n
		}
		follow, _ := cmd.Flags().GetBool("follow")
		return tailNewestLog(cmd, lines, follow)
	},
}

var logsQueryCmd = &cobra.Command{
	Use:   "query <pattern>",
	Short: "Search every log file for a substring",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return queryAllLogs(cmd, args[0])
	},
}

func init() {
	logsTailCmd.Flags().BoolP("follow", "f", false, "Keep streaming new lines until interrupted")
	logsCmd.AddCommand(logsListCmd, logsCleanCmd, logsStatusCmd, logsTailCmd, logsQueryCmd)
	rootCmd.AddCommand(logsCmd)
}

func tailNewestLog(cmd *cobra.Command, lines int, follow bool) error {
	dir := resolveLogDir()
	files, err := logger.ListLogFiles(dir)
	if err != nil {
		return fmt.Errorf("list log files: %w", err)
	}
	if len(files) == 0 {
		cmd.Printf("No log files found in %s\n", dir)
		return nil
	}

	latest := files[0].Path
	result, err := logger.TailFile(latest, lines)
	if err != nil {
		return err
	}
	for _, line := range result {
		cmd.Println(line)
	}
	if !follow {
		return nil
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stop)

	done := make(chan struct{})
	go func() {
		<-stop
		close(done)
	}()

	return logger.FollowFile(latest, cmd.OutOrStdout(), done)
}

func queryAllLogs(cmd *cobra.Command, pattern string) error {
	dir := resolveLogDir()
	files, err := logger.ListLogFiles(dir)
	if err != nil {
		return fmt.Errorf("list log files: %w", err)
	}
	if len(files) == 0 {
		cmd.Printf("No log files found in %s\n", dir)
		return nil
	}

	total := 0
	for _, f := range files {
		matches, err := logger.QueryFile(f.Path, pattern)
		if err != nil {
			continue
		}
		if len(matches) > 0 {
			cmd.Printf("--- %s (%d matches) ---\n", f.Name, len(matches))
			for _, line := range matches {
				cmd.Println(line)
			}
			total += len(matches)
		}
	}
	cmd.Printf("\nTotal matches: %d across %d files\n", total, len(files))
	return nil
}

func resolveLogDir() string {
	cfg, _ := config.Load()
	if cfg != nil && strings.TrimSpace(cfg.Log.Dir) != "" {
		return cfg.Log.Dir
	}
	return logger.DefaultConfig().Dir
}
