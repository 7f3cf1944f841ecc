package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/blobserver-go/blobserver/config"
	"github.com/blobserver-go/blobserver/detector"
	"github.com/blobserver-go/blobserver/factory"
	"github.com/blobserver-go/blobserver/flow"
	"github.com/blobserver-go/blobserver/protocol"
	"github.com/blobserver-go/blobserver/shm"
	"github.com/blobserver-go/blobserver/source"
	"github.com/pkg/errors"
)

// ServerVersion is reported by --version.
const ServerVersion = "0.1.0"

// ControlAddr is the server's fixed control-plane listen address.
const ControlAddr = ":9002"

var (
	version     bool
	configPath  string
	hide        bool
	verbose     bool
	maskPath    string
	tcp         bool
	shmDir      = "/tmp"
)

func init() {
	flag.BoolVar(&version, "version", false, "print the server version and exit")
	flag.BoolVar(&version, "v", false, "print the server version and exit")
	flag.StringVar(&configPath, "config", "", "path to an XML startup configuration document")
	flag.StringVar(&configPath, "C", "", "path to an XML startup configuration document")
	flag.BoolVar(&hide, "hide", false, "run without a preview window")
	flag.BoolVar(&hide, "H", false, "run without a preview window")
	flag.BoolVar(&verbose, "verbose", false, "enable verbose logging")
	flag.BoolVar(&verbose, "V", false, "enable verbose logging")
	flag.StringVar(&maskPath, "mask", "", "path to a default detection mask image")
	flag.StringVar(&maskPath, "m", "", "path to a default detection mask image")
	flag.BoolVar(&tcp, "tcp", false, "serve the control protocol over TCP instead of UDP")
	flag.BoolVar(&tcp, "t", false, "serve the control protocol over TCP instead of UDP")
}

func main() {
	flag.Parse()

	if version {
		fmt.Println(ServerVersion)
		return
	}

	logger := log.New(os.Stderr, "blobserver: ", log.LstdFlags)
	if err := run(logger); err != nil {
		logger.Printf("fatal: %v", err)
		os.Exit(1)
	}
}

func run(logger *log.Logger) error {
	publisher := shm.NewPublisher(shmDir)
	if err := publisher.CleanStale(); err != nil {
		return err
	}

	sourceFactory := factory.NewSources()
	sourceFactory.Register(source.SyntheticClassName, source.SyntheticDocumentation, source.NewSynthetic, source.SyntheticSubsources)

	detectorFactory := factory.NewDetectors()
	detectorFactory.Register(detector.ThresholdClassName, detector.ThresholdDocumentation, detector.ThresholdSourceNbr, detector.NewThreshold)

	sink := protocol.NewFrameSink()
	scheduler := flow.NewScheduler(sourceFactory, detectorFactory, publisher, sink, logger)
	handler := protocol.NewHandler(scheduler)
	server := protocol.NewServer(handler, logger)
	server.SetVerbose(verbose)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		scheduler.RunGrabLoop(ctx)
		logger.Print("grab loop stopped")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		scheduler.RunMainLoop(ctx)
		logger.Print("main loop stopped")
	}()

	var listenErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.ListenAndServe(ctx, ControlAddr, tcp); err != nil && ctx.Err() == nil {
			logger.Printf("control listener: %v", err)
			listenErr = err
			stop()
		}
	}()

	if configPath != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := config.Load(configPath, handler, logger); err != nil {
				logger.Printf("config: %v", err)
			}
		}()
	}

	if maskPath != "" {
		img, err := loadMask(maskPath)
		if err != nil {
			return errors.Wrap(err, "config: can't load mask")
		}
		scheduler.SetDefaultMask(img)
	}

	logger.Printf("blobserver listening on %s (tcp=%v), verbose=%v, hide=%v", ControlAddr, tcp, verbose, hide)

	wg.Wait()
	return listenErr
}

// loadMask decodes a mask image in any stdlib-registered format (PNG, JPEG).
func loadMask(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	return img, err
}
