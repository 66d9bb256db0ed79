package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/groundtruth/pkg/dataset"
	"github.com/cyclopcam/groundtruth/pkg/manifest"
	"github.com/cyclopcam/groundtruth/pkg/pipeline"
	"github.com/cyclopcam/groundtruth/pkg/storage"
	"github.com/cyclopcam/groundtruth/pkg/upload"
	"github.com/cyclopcam/groundtruth/pkg/visibility"
	"github.com/cyclopcam/groundtruth/server/config"
	"github.com/cyclopcam/groundtruth/server/liveview"
	"github.com/cyclopcam/logs"
)

func main() {
	parser := argparse.NewParser("gtgen", "Generate a ground-truth dataset from a simulated scene")
	configFile := parser.String("c", "config", &argparse.Options{Help: "JSON configuration file. If omitted, defaults are used.", Default: ""})
	root := parser.String("o", "output", &argparse.Options{Help: "Override dataset.root", Default: ""})
	baseName := parser.String("n", "name", &argparse.Options{Help: "Override dataset.baseName", Default: ""})
	sequences := parser.Int("s", "sequences", &argparse.Options{Help: "Override run.sequences", Default: 0})
	fresh := parser.Flag("", "fresh", &argparse.Options{Help: "Never resume a previous run", Default: false})
	listen := parser.String("", "listen", &argparse.Options{Help: "Override liveView.listen (eg :8090)", Default: ""})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	cfg := config.DefaultConfig()
	if *configFile != "" {
		if cfg, err = config.LoadConfig(*configFile); err != nil {
			logger.Errorf("%v", err)
			os.Exit(1)
		}
	}
	if *root != "" {
		cfg.Dataset.Root = *root
	}
	if *baseName != "" {
		cfg.Dataset.BaseName = *baseName
	}
	if *sequences > 0 {
		cfg.Run.Sequences = *sequences
	}
	if *fresh {
		cfg.Dataset.Resume = false
	}
	if *listen != "" {
		cfg.LiveView.Listen = *listen
	}
	if err := cfg.Validate(); err != nil {
		logger.Errorf("Invalid configuration: %v", err)
		os.Exit(1)
	}

	if err := run(logger, cfg); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(logger logs.Log, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalIn := make(chan os.Signal, 1)
	signal.Notify(signalIn, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-signalIn
		if ok {
			logger.Infof("Received OS signal '%v'. Stopping after the current step. The run can be resumed later.", sig.String())
			cancel()
		}
	}()
	defer signal.Stop(signalIn)

	source := pipeline.NewSimSource(cfg.Scene)

	writer, err := dataset.NewWriter(logger, cfg.Dataset)
	if err != nil {
		return err
	}

	p, err := pipeline.New(logger, cfg.Run, source, source.Device, writer)
	if err != nil {
		return err
	}

	var live *liveview.Server
	if cfg.LiveView.Listen != "" {
		live = liveview.NewServer(logger, cfg.LiveView)
		go func() {
			if err := live.ListenAndServe(); err != nil {
				logger.Errorf("Live view: %v", err)
			}
		}()
	}

	if !cfg.DisableVisibility {
		// A visibility configuration error must not stop the dataset from being written
		engine, err := visibility.NewEngine(logger, source.Scene, source.Scene, source.Device, nil, cfg.Visibility)
		if err != nil {
			logger.Errorf("Visibility metrics are disabled: %v", err)
		} else {
			if live != nil {
				engine.AddListener(live.OnFrame)
			}
			p.Engine = engine
		}
	}

	if cfg.Manifest != nil {
		m, err := manifest.Open(logger, *cfg.Manifest)
		if err != nil {
			logger.Errorf("Manifest is disabled: %v", err)
		} else {
			defer m.Close()
			p.Manifest = m
		}
	}

	var uploader *upload.Uploader
	if cfg.Upload.IsConfigured() {
		store, err := storage.Open(ctx, logger, cfg.Upload)
		if err != nil {
			return fmt.Errorf("Failed to open upload storage: %w", err)
		}
		uploader = upload.NewUploader(logger, store, nil)
		p.Uploader = uploader
	}

	// Tell systemd that we're alive
	daemon.SdNotify(false, daemon.SdNotifyReady)

	start := time.Now()
	res, err := p.Run(ctx)
	if res != nil {
		logger.Infof("%v: %v steps written in %.1f seconds (%v without metrics). Resumed: %v. Completed: %v",
			res.Dir, res.StepsWritten, time.Since(start).Seconds(), res.StepsWithoutMetrics, res.Resumed, res.Completed)
	}

	if uploader != nil {
		uploader.Close()
		<-uploader.ShutdownComplete
	}
	if live != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		live.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	return err
}
