package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/blake2b"

	"github.com/cuemby/wapod/pkg/api"
	"github.com/cuemby/wapod/pkg/blobs"
	"github.com/cuemby/wapod/pkg/client"
	"github.com/cuemby/wapod/pkg/engine"
	"github.com/cuemby/wapod/pkg/events"
	"github.com/cuemby/wapod/pkg/log"
	"github.com/cuemby/wapod/pkg/metrics"
	"github.com/cuemby/wapod/pkg/service"
	"github.com/cuemby/wapod/pkg/types"
	"github.com/cuemby/wapod/pkg/worker"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "wapod",
	Short: "wapod - a multi-tenant WASM runtime",
	Long: `Wapod hosts sandboxed WebAssembly programs behind an HTTP front end.

Each deployed program gets a stable content-derived address, a bounded
share of memory, gas, network and storage, and talks to the world only
through the host-call surface.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"wapod version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	// Initialize logging before command execution
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(metricsCmd)
	rootCmd.AddCommand(objectCmd)
	rootCmd.AddCommand(exitCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the wapod worker",
	Long: `Run the wapod worker: the admin and user HTTP services, the
instance scheduler, and the content-addressed object store.

Configuration layers: built-in defaults, then Wapod.toml, then
WAPOD_ADMIN_* / WAPOD_USER_* environment variables, then flags.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configFile, _ := cmd.Flags().GetString("config")
		cfg, err := api.LoadConfig(configFile)
		if err != nil {
			return err
		}

		if cmd.Flags().Changed("workers") {
			cfg.Workers, _ = cmd.Flags().GetInt("workers")
		}
		if cmd.Flags().Changed("max-memory-pages") {
			pages, _ := cmd.Flags().GetUint32("max-memory-pages")
			cfg.MaxMemoryPages = pages
		}
		if cmd.Flags().Changed("max-instances") {
			cfg.MaxInstances, _ = cmd.Flags().GetInt("max-instances")
		}
		if cmd.Flags().Changed("objects-dir") {
			cfg.ObjectsDir, _ = cmd.Flags().GetString("objects-dir")
		}
		salt, _ := cmd.Flags().GetBytesHex("salt")

		os.Exit(runWorker(cfg, salt))
		return nil
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to the TOML config file (default Wapod.toml)")
	serveCmd.Flags().Int("workers", 1, "Executor thread count")
	serveCmd.Flags().Uint32("max-memory-pages", 256, "Per-instance linear memory cap in 64KiB pages")
	serveCmd.Flags().Int("max-instances", 8, "Global cap on live instances")
	serveCmd.Flags().String("objects-dir", "objects", "Directory of the content-addressed object store")
	serveCmd.Flags().BytesHex("salt", nil, "Hex-encoded worker session salt (max 64 bytes)")
}

// runWorker builds the process and returns its exit code: 0 for a clean
// exit, 1 for a startup or serve failure, 2 for a fatal runtime panic.
func runWorker(cfg api.Config, salt []byte) (code int) {
	defer func() {
		if r := recover(); r != nil {
			log.Logger.Error().Interface("panic", r).Msg("Fatal runtime panic")
			code = 2
		}
	}()

	if cfg.Workers > 0 {
		runtime.GOMAXPROCS(cfg.Workers)
	}

	metrics.Register()

	store, err := blobs.NewStore(cfg.ObjectsDir, cfg.Admin.ObjectSizeLimit)
	if err != nil {
		log.Errorf("Failed to open object store", err)
		return 1
	}

	// Worker key material is the one startup step that must succeed
	wk, err := worker.New()
	if err != nil {
		log.Errorf("Failed to initialize worker identity", err)
		return 1
	}
	if _, err := wk.Init(salt); err != nil {
		log.Errorf("Failed to initialize worker session", err)
		return 1
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	svc, err := service.New(service.Config{
		MaxInstances:   cfg.MaxInstances,
		MaxMemoryPages: cfg.MaxMemoryPages,
		EpochTick:      cfg.EpochTick(),
		TCPAllow:       cfg.TCPAllow,
		TCPDeny:        cfg.TCPDeny,
	}, engine.New(), store, broker, wk.SessionFor)
	if err != nil {
		log.Errorf("Failed to build service", err)
		return 1
	}
	svc.Start()

	app := api.NewApp(cfg, svc, store, wk, broker)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return app.Run(ctx)
}

func adminClient(cmd *cobra.Command) *client.Client {
	url, _ := cmd.Flags().GetString("url")
	return client.New(url)
}

func addURLFlag(cmds ...*cobra.Command) {
	for _, cmd := range cmds {
		cmd.Flags().String("url", "http://127.0.0.1:8001", "Admin service base URL")
	}
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show worker status",
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := adminClient(cmd).Info()
		if err != nil {
			return err
		}
		fmt.Printf("Running:     %d\n", info.Running)
		fmt.Printf("Deployed:    %d\n", info.Deployed)
		fmt.Printf("Session:     %s\n", info.Session.Hex())
		fmt.Printf("Initialized: %v\n", info.Initialized)
		return nil
	},
}

var deployCmd = &cobra.Command{
	Use:   "deploy <code.wasm>",
	Short: "Upload bytecode and deploy its manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read bytecode: %w", err)
		}
		hash := blake2b.Sum256(code)

		c := adminClient(cmd)
		if err := c.PutObject(hash[:], types.HashBlake2b256, bytes.NewReader(code)); err != nil {
			return err
		}

		maxGas, _ := cmd.Flags().GetUint64("max-gas")
		maxNet, _ := cmd.Flags().GetUint64("max-net-bytes")
		maxStorage, _ := cmd.Flags().GetUint64("max-storage-bytes")
		maxPages, _ := cmd.Flags().GetUint32("max-memory-pages")
		programArgs, _ := cmd.Flags().GetStringSlice("arg")

		manifest := &types.Manifest{
			CodeHash:      hash[:],
			HashAlgorithm: types.HashBlake2b256,
			Limits: types.ResourceLimits{
				MaxMemoryPages:  maxPages,
				MaxGasPerEpoch:  maxGas,
				MaxNetBytes:     maxNet,
				MaxStorageBytes: maxStorage,
			},
			Args: programArgs,
		}

		resp, err := c.Deploy(manifest)
		if err != nil {
			return err
		}
		fmt.Printf("Address: 0x%s\n", resp.Address.Hex())
		fmt.Printf("Session: %s\n", resp.Session.Hex())
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <address>",
	Short: "Stop a running instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := adminClient(cmd).Stop(args[0]); err != nil {
			return err
		}
		fmt.Println("Stopped")
		return nil
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <address>",
	Short: "Remove an instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := adminClient(cmd).Remove(args[0]); err != nil {
			return err
		}
		fmt.Println("Removed")
		return nil
	},
}

var metricsCmd = &cobra.Command{
	Use:   "metrics [address...]",
	Short: "Fetch signed instance metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := adminClient(cmd).Metrics(args, types.Bytes32{})
		if err != nil {
			return err
		}
		for _, app := range resp.Signed.Batch.Apps {
			fmt.Printf("0x%s\n", app.Address.Hex())
			fmt.Printf("  session:       %s\n", app.Session.Hex())
			fmt.Printf("  starts:        %d\n", app.Starts)
			fmt.Printf("  running_ms:    %d\n", app.RunningTimeMS)
			fmt.Printf("  gas:           %d\n", app.GasConsumed)
			fmt.Printf("  net in/out:    %d/%d\n", app.NetIngress, app.NetEgress)
			fmt.Printf("  storage r/w:   %d/%d\n", app.StorageRead, app.StorageWrite)
		}
		return nil
	},
}

var objectCmd = &cobra.Command{
	Use:   "object",
	Short: "Manage the object store",
}

var objectPutCmd = &cobra.Command{
	Use:   "put <file>",
	Short: "Upload a file as a content-addressed object",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read file: %w", err)
		}
		hash := blake2b.Sum256(data)
		if err := adminClient(cmd).PutObject(hash[:], types.HashBlake2b256, bytes.NewReader(data)); err != nil {
			return err
		}
		fmt.Printf("0x%x\n", hash[:])
		return nil
	},
}

var objectGetCmd = &cobra.Command{
	Use:   "get <hash>",
	Short: "Download an object by hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := types.ParseAddress(args[0])
		if err != nil {
			return err
		}
		data, err := adminClient(cmd).GetObject(addr[:])
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

var exitCmd = &cobra.Command{
	Use:   "exit",
	Short: "Ask the worker process to terminate",
	RunE: func(cmd *cobra.Command, args []string) error {
		return adminClient(cmd).Exit()
	},
}

func init() {
	deployCmd.Flags().Uint64("max-gas", 1_000_000, "Gas quota per epoch")
	deployCmd.Flags().Uint64("max-net-bytes", 0, "Network byte quota (0 = unlimited)")
	deployCmd.Flags().Uint64("max-storage-bytes", 0, "Storage byte quota (0 = unlimited)")
	deployCmd.Flags().Uint32("max-memory-pages", 256, "Linear memory cap in 64KiB pages")
	deployCmd.Flags().StringSlice("arg", nil, "Program argument (repeatable)")

	objectCmd.AddCommand(objectPutCmd)
	objectCmd.AddCommand(objectGetCmd)

	addURLFlag(infoCmd, deployCmd, stopCmd, removeCmd, metricsCmd, objectPutCmd, objectGetCmd, exitCmd)
}
