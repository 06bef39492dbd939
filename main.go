package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"storagecopy/internal/config"
	"storagecopy/internal/disks"
	"storagecopy/internal/report"
	syncer "storagecopy/internal/sync"
	"storagecopy/pkg/logger"
)

const version = "1.0.0"

// copyFlags 命令行参数
type copyFlags struct {
	deleteOrphans bool
	overwrite     bool
	noVisibility  bool
	logEvents     bool
	printEvents   bool
	conflict      string
	workers       int
	configPath    string
	envFile       string
	logLevel      string
}

func newRootCmd() *cobra.Command {
	flags := &copyFlags{}

	cmd := &cobra.Command{
		Use:   "storagecopy <source> <destination> [pattern]",
		Short: "Copy files from one configured disk to another",
		Long: "Copy every file of the source disk that is missing on the destination disk.\n" +
			"The optional pattern is a regular expression matched against relative paths.",
		Version:       version,
		Args:          cobra.RangeArgs(2, 3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCopy(cmd, flags, args)
		},
	}

	f := cmd.Flags()
	f.BoolVarP(&flags.deleteOrphans, "delete", "d", false, "delete destination files that do not exist on the source")
	f.BoolVarP(&flags.overwrite, "overwrite", "o", false, "copy files even if they already exist on the destination")
	f.BoolVar(&flags.noVisibility, "no-visibility", false, "do not propagate file visibility")
	f.BoolVarP(&flags.logEvents, "log", "l", false, "write every action to the log")
	f.BoolVarP(&flags.printEvents, "output", "O", false, "print every action to the console")
	f.StringVar(&flags.conflict, "conflict", "", "conflict mode for existing files: skip or newer (default from config)")
	f.IntVarP(&flags.workers, "workers", "w", 0, "number of parallel transfers (default from config)")
	f.StringVarP(&flags.configPath, "config", "c", "config/config.yaml", "config file path")
	f.StringVar(&flags.envFile, "env", ".env", "env file loaded before the config is parsed")
	f.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error (default from config)")

	return cmd
}

func runCopy(cmd *cobra.Command, flags *copyFlags, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()

	// 1. 过滤表达式在任何 I/O 之前校验
	var pattern string
	if len(args) == 3 {
		pattern = args[2]
	}
	filter, err := syncer.NewPathFilter(pattern)
	if err != nil {
		return err
	}

	// 2. 加载配置并初始化日志
	cfg, err := config.LoadConfig(flags.configPath, flags.envFile)
	if err != nil {
		return err
	}
	level := cfg.System.LogLevel
	if flags.logLevel != "" {
		level = flags.logLevel
	}
	logCloser, err := logger.Setup(level, cfg.System.LogFile)
	if err != nil {
		return fmt.Errorf("日志初始化失败: %w", err)
	}
	defer logCloser.Close()

	policy, workers, err := buildPolicy(cfg, flags, filter)
	if err != nil {
		return err
	}

	// 3. 打开两个 disk
	source, err := openDisk(ctx, cfg, args[0])
	if err != nil {
		return err
	}
	defer source.Close()

	dest, err := openDisk(ctx, cfg, args[1])
	if err != nil {
		return err
	}
	defer dest.Close()

	slog.Debug("配置已加载",
		"source", source.Name,
		"destination", dest.Name,
		"workers", workers,
		"conflict_mode", policy.ConflictMode,
	)

	// 4. 执行同步
	var sinks []syncer.EventSink
	if flags.printEvents {
		sinks = append(sinks, report.NewConsoleSink(out))
	}
	if flags.logEvents {
		sinks = append(sinks, report.NewLogSink(nil))
	}

	engine := syncer.NewEngine(&syncer.EngineOptions{
		Source:          source,
		Destination:     dest,
		SourceName:      source.Name,
		DestinationName: dest.Name,
		Policy:          policy,
		MaxWorkers:      workers,
		Progress:        progressFor(out),
		Events:          report.Sinks(sinks...),
	})

	fmt.Fprintln(out, "Copying...")
	stats, err := engine.Run(ctx)
	if stats != nil {
		fmt.Fprintf(out, "\n%s\n", stats.Summary())
		if stats.Failed > 0 {
			fmt.Fprintf(out, "%d files failed.\n", stats.Failed)
		}
	}
	return err
}

// buildPolicy 合并配置文件和命令行参数，命令行优先
func buildPolicy(cfg *config.Config, flags *copyFlags, filter *syncer.PathFilter) (syncer.Policy, int, error) {
	mode := cfg.Sync.ConflictMode
	if flags.conflict != "" {
		mode = flags.conflict
	}
	conflict, err := syncer.ParseConflictMode(mode)
	if err != nil {
		return syncer.Policy{}, 0, err
	}

	workers := cfg.Sync.Workers
	if flags.workers < 0 {
		return syncer.Policy{}, 0, fmt.Errorf("--workers must be positive, got %d", flags.workers)
	}
	if flags.workers > 0 {
		workers = flags.workers
	}

	return syncer.Policy{
		DeleteOrphans:       flags.deleteOrphans,
		OverwriteExisting:   flags.overwrite,
		PropagateVisibility: !flags.noVisibility,
		Filter:              filter,
		ConflictMode:        conflict,
	}, workers, nil
}

func openDisk(ctx context.Context, cfg *config.Config, name string) (*disks.Disk, error) {
	diskCfg, err := cfg.Disk(name)
	if err != nil {
		return nil, err
	}
	return disks.Open(ctx, name, diskCfg)
}

// progressFor 进度条和事件行共用 stdout，只有终端才显示进度条
func progressFor(w io.Writer) syncer.Progress {
	if f, ok := w.(*os.File); ok {
		return report.NewProgress(f)
	}
	return report.Silent{}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
