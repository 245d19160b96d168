// ============================================================================
// Otterd CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: cobra-based command line for the otterd process manager
//
// Command structure:
//   otterd                         # root command
//   ├── run                        # start the manager and its workers
//   │   ├── --config, -c           # config file (default configs/default.yaml)
//   │   ├── --workers              # override manager.worker_num
//   │   └── --task-workers         # override manager.task_worker_num
//   ├── status                     # print the live pid roster
//   ├── --version
//   └── --help
//
// Worker mode:
//   Children are the same binary re-executed with OTTERD_WORKER_CLASS and
//   OTTERD_WORKER_ID in the environment. main checks WorkerEnv before
//   building the CLI and enters RunWorker instead of cobra.
//
// Configuration (YAML):
//   manager:   worker_num, task_worker_num, user_worker_num, max_wait_time
//              (seconds), manager_alarm (seconds), reload_async
//   msgbox:    path, capacity
//   metrics:   enabled, port
//   status_file
//
// Signal surface of the running manager:
//   TERM stop, USR1 reload all, USR2 reload tasks, IO restart-request wake,
//   RTMIN reopen logs.
//
// ============================================================================

package cli

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/otterd/internal/manager"
	"github.com/ChuLiYu/otterd/internal/metrics"
	"github.com/ChuLiYu/otterd/internal/msgbox"
	"github.com/ChuLiYu/otterd/pkg/types"
)

var log = slog.Default()

// Config maps the YAML config file.
type Config struct {
	Manager struct {
		WorkerNum     int  `yaml:"worker_num"`
		TaskWorkerNum int  `yaml:"task_worker_num"`
		UserWorkerNum int  `yaml:"user_worker_num"`
		MaxWaitTime   int  `yaml:"max_wait_time"`
		ManagerAlarm  int  `yaml:"manager_alarm"`
		ReloadAsync   bool `yaml:"reload_async"`
	} `yaml:"manager"`

	MsgBox struct {
		Path     string `yaml:"path"`
		Capacity int    `yaml:"capacity"`
	} `yaml:"msgbox"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	StatusFile string `yaml:"status_file"`
}

var configFile string

// BuildCLI assembles the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "otterd",
		Short: "Otterd: a multi-process network server manager",
		Long: `Otterd supervises the worker processes of a multi-process server:
- event workers respawned on crash
- task workers managed as a pool
- operator-defined user workers
- rolling reloads via SIGUSR1/SIGUSR2 with a SIGKILL deadline`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	var workers, taskWorkers int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the manager and its worker processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if workers > 0 {
				cfg.Manager.WorkerNum = workers
			}
			if cmd.Flags().Changed("task-workers") {
				cfg.Manager.TaskWorkerNum = taskWorkers
			}
			return runManager(cfg)
		},
	}

	cmd.Flags().IntVar(&workers, "workers", 0, "number of event workers (overrides config)")
	cmd.Flags().IntVar(&taskWorkers, "task-workers", 0, "number of task workers (overrides config)")

	return cmd
}

func runManager(cfg *Config) error {
	var box *msgbox.Box
	boxPath := cfg.MsgBox.Path
	if boxPath != "" {
		capacity := cfg.MsgBox.Capacity
		if capacity <= 0 {
			capacity = 65536
		}
		var err error
		box, err = msgbox.Create(boxPath, capacity)
		if err != nil {
			return fmt.Errorf("failed to create message box: %w", err)
		}
		defer box.Close()
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		port := cfg.Metrics.Port
		if port == 0 {
			port = 9090
		}
		go func() {
			if err := metrics.StartServer(port); err != nil {
				log.Error("metrics server failed", "port", port, "error", err)
			}
		}()
		log.Info("metrics server listening", "port", port)
	}

	spawner := &manager.ExecSpawner{BoxPath: boxPath}

	var userWorkers []*types.Worker
	for i := 0; i < cfg.Manager.UserWorkerNum; i++ {
		userWorkers = append(userWorkers, &types.Worker{})
	}

	m, err := manager.New(manager.Options{
		WorkerNum:     cfg.Manager.WorkerNum,
		TaskWorkerNum: cfg.Manager.TaskWorkerNum,
		UserWorkers:   userWorkers,
		MaxWaitTime:   time.Duration(cfg.Manager.MaxWaitTime) * time.Second,
		ManagerAlarm:  time.Duration(cfg.Manager.ManagerAlarm) * time.Second,
		ReloadAsync:   cfg.Manager.ReloadAsync,
		Spawn:         spawner,
		Box:           box,
		Metrics:       collector,
		StatusFile:    cfg.StatusFile,
		OnManagerStart: func(m *manager.Manager) {
			log.Info("manager online", "pid", os.Getpid(), "manager_id", m.ID())
		},
		OnWorkerError: func(m *manager.Manager, info types.ExitInfo) {
			log.Error("worker failure",
				"worker", info.WorkerID, "pid", info.Pid,
				"exit_code", info.ExitCode, "signal", info.Signal)
		},
	})
	if err != nil {
		return err
	}

	if err := m.Start(); err != nil {
		return fmt.Errorf("failed to start workers: %w", err)
	}
	return m.Run()
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the pid roster of a running manager",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.StatusFile == "" {
				return fmt.Errorf("no status_file configured in %s", configFile)
			}
			st, err := manager.ReadStatus(cfg.StatusFile)
			if err != nil {
				return fmt.Errorf("failed to read status: %w", err)
			}
			fmt.Printf("manager %s (pid %d), updated %s\n",
				st.ManagerID, st.ManagerPid, st.UpdatedAt.Format(time.RFC3339))
			if st.Reloading {
				fmt.Println("reload in progress")
			}
			fmt.Printf("event workers: %v\n", st.EventPids)
			if len(st.TaskPids) > 0 {
				fmt.Printf("task workers:  %v\n", st.TaskPids)
			}
			if len(st.UserPids) > 0 {
				fmt.Printf("user workers:  %v\n", st.UserPids)
			}
			return nil
		},
	}
}

// loadConfig reads and validates the YAML config file.
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.Manager.WorkerNum <= 0 {
		return nil, fmt.Errorf("manager.worker_num must be positive, got %d", cfg.Manager.WorkerNum)
	}
	if cfg.Manager.TaskWorkerNum < 0 {
		return nil, fmt.Errorf("manager.task_worker_num must not be negative, got %d", cfg.Manager.TaskWorkerNum)
	}
	return &cfg, nil
}

// WorkerEnv reports whether this process was spawned as a worker, and which
// logical slot it occupies. Checked by main before the CLI is built.
func WorkerEnv() (types.WorkerClass, int, bool) {
	class := os.Getenv(manager.EnvWorkerClass)
	if class == "" {
		return "", 0, false
	}
	id, err := strconv.Atoi(os.Getenv(manager.EnvWorkerID))
	if err != nil {
		return "", 0, false
	}
	return types.WorkerClass(class), id, true
}

// RunWorker is the child-side entrypoint. The default body idles until
// SIGTERM; operators embedding otterd replace it through SetWorkerMain.
func RunWorker(class types.WorkerClass, id int) int {
	wlog := slog.Default().With("class", string(class), "worker", id, "pid", os.Getpid())
	if workerMain != nil {
		return workerMain(class, id)
	}
	wlog.Info("worker started")
	term := make(chan os.Signal, 1)
	signal.Notify(term, unix.SIGTERM, unix.SIGINT)
	<-term
	wlog.Info("worker exiting")
	return 0
}

// workerMain, when set, replaces the default worker body.
var workerMain func(class types.WorkerClass, id int) int

// SetWorkerMain installs the operator's worker entrypoint. Must be called
// before RunWorker, i.e. in the embedding binary's init path.
func SetWorkerMain(fn func(class types.WorkerClass, id int) int) {
	workerMain = fn
}
