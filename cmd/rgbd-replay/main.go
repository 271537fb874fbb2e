package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"rgbd-replay-go/internal/calib"
	"rgbd-replay-go/internal/config"
	"rgbd-replay-go/internal/dataset"
	"rgbd-replay-go/internal/engine"
	"rgbd-replay-go/internal/output"
	"rgbd-replay-go/internal/pump"
	"rgbd-replay-go/internal/server"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rgbd-replay imageFolder indexFile calibFile [settingsFile]",
		Short: "Replay a TUM RGB-D sequence into a tracking engine in real time",
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.RangeArgs(3, 4)(cmd, args); err != nil {
				return fail(fmt.Errorf("requires imageFolder, indexFile, calibFile and an optional settingsFile: %w", err))
			}
			return nil
		},
		RunE: run,
		// errors are printed by run
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	flags := cmd.Flags()
	flags.Bool("reverse", false, "Play the sequence backwards")
	flags.Int("port", config.DefaultPort, "HTTP port for the web UI")
	flags.String("engine-endpoint", config.DefaultEngineEndpoint, "ZMQ endpoint of the tracking engine")
	flags.Duration("engine-send-timeout", config.DefaultEngineSendTimeout, "Give up on a send to the engine after this long")
	flags.Bool("dry-run", false, "Do not connect to an engine, only replay and display")
	flags.String("playback-rate", config.DefaultPlaybackRate, "Playback rate expression, e.g. fps, fps*0.5, 30000/1001; 0 disables pacing")
	flags.Duration("idle-wait", 0, "Sleep this long when no frame is available instead of yielding")
	flags.Duration("ui-rate", config.DefaultUIRate, "UI update interval for websocket clients")
	flags.Int("preview-width", config.DefaultPreviewWidth, "Width of live frames sent to the UI, 0 for full size")
	flags.String("output-dir", config.DefaultOutputDir, "Directory for timing files")
	flags.Bool("timings", false, "Write per-frame timings to a CSV file")
	flags.Bool("raw-log", false, "Write every engine message to disk")
	flags.String("raw-log-dir", config.DefaultRawLogDir, "Directory for engine message logs")
	flags.String("depth-encoding", config.DefaultDepthEncoding, "Depth encoding sent to the engine: float32, float16 or uint16")
	flags.Bool("start-paused", false, "Start with processing disabled until resumed from the UI")
	flags.String("log-level", config.DefaultLogLevel, "Log level")
	flags.String("log-format", config.DefaultLogFormat, "Log format: text or json")
	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	v := config.NewViper()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return fail(err)
	}
	if err := config.ReadConfigFile(v); err != nil {
		return fail(err)
	}
	cfg, err := config.Load(v, args)
	if err != nil {
		return fail(err)
	}
	if err := config.SetupLogging(cfg.LogLevel, cfg.LogFormat); err != nil {
		return fail(err)
	}

	calibration, err := calib.Load(cfg.CalibFile)
	if err != nil {
		color.New(color.FgRed).Println("need camera calibration file...")
		return fail(err)
	}
	undistorter, err := calib.NewUndistorter(calibration)
	if err != nil {
		color.New(color.FgRed).Println("need camera calibration file...")
		return fail(err)
	}

	reader := dataset.NewSequenceReader(cfg.ImageFolder, cfg.IndexFile, cfg.Reverse, nil)
	if err := reader.Open(); err != nil {
		color.New(color.FgRed).Println("no images found ...")
		return fail(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var recorder engine.Recorder
	if cfg.RawLogEnabled {
		writer, err := output.NewRawLogWriter(cfg.RawLogDir, "engine")
		if err != nil {
			return fail(fmt.Errorf("failed to start raw log: %w", err))
		}
		defer closeLogged("raw log", writer.Close)
		color.New(color.Faint).Printf("raw log: %s\n", writer.Path())
		recorder = writer
	}

	var timings pump.TimingRecorder
	if cfg.Timings {
		writer, err := output.NewTimingWriter(cfg.OutputDir, output.RunTimestamp(time.Now()))
		if err != nil {
			return fail(fmt.Errorf("failed to start timings: %w", err))
		}
		defer closeLogged("timings", writer.Close)
		color.New(color.Faint).Printf("timings: %s\n", writer.Path())
		timings = writer
	}

	control := pump.NewControlState(!cfg.StartPaused)

	var framePump *pump.FramePump
	statusFn := func() map[string]any {
		status := map[string]any{
			"dataset": map[string]any{
				"image_folder": cfg.ImageFolder,
				"index":        cfg.IndexFile,
				"frames":       reader.Len(),
				"fps":          reader.FPS(),
				"reverse":      cfg.Reverse,
			},
		}
		if framePump != nil {
			status["metrics"] = framePump.Metrics()
		}
		return status
	}

	ui := server.New(server.Options{
		Port:         cfg.Port,
		UIRate:       cfg.UIRate,
		PreviewWidth: cfg.PreviewWidth,
	}, control, statusFn)
	ui.SetImageSize(undistorter.OutputWidth(), undistorter.OutputHeight())

	factory := engine.Factory(engine.Options{
		Endpoint:      cfg.EngineEndpoint,
		DryRun:        cfg.DryRun,
		DepthEncoding: cfg.DepthEncoding,
		SendTimeout:   cfg.EngineSendTimeout,
		Recorder:      recorder,
	})

	framePump, err = pump.New(reader, undistorter, ui, factory, control, pump.Options{
		SettingsPath: cfg.SettingsFile,
		PlaybackRate: cfg.PlaybackRate,
		IdleWait:     cfg.IdleWait,
		Timings:      timings,
	})
	if err != nil {
		return fail(err)
	}
	if err := framePump.Start(ctx); err != nil {
		return fail(err)
	}
	defer framePump.Join()

	color.New(color.FgCyan).Printf("UI: http://localhost:%d\n", cfg.Port)

	// blocks until the session is ended from the UI or by a signal
	if err := ui.Run(ctx); err != nil {
		return fail(fmt.Errorf("ui server: %w", err))
	}

	framePump.Join()
	color.New(color.FgGreen).Println("Finished!")
	return nil
}

func fail(err error) error {
	color.New(color.FgRed).Fprintf(os.Stderr, "error: %v\n", err)
	return err
}

func closeLogged(name string, closeFn func() error) {
	if err := closeFn(); err != nil {
		color.New(color.FgYellow).Fprintf(os.Stderr, "%s close failed: %v\n", name, err)
	}
}
