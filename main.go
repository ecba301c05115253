package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gordonklaus/portaudio"

	"github.com/elimau/waterslide/internal/config"
)

func main() {
	configPath := flag.String("config", "waterslide.yaml", "path to the receiver's YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[main] config: %v", err)
	}

	if err := portaudio.Initialize(); err != nil {
		log.Fatalf("[main] portaudio init: %v", err)
	}
	defer portaudio.Terminate()

	rcv, err := New(cfg)
	if err != nil {
		log.Fatalf("[main] init receiver: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deviceFrameSize := cfg.Opus.FrameSize
	if cfg.Audio.Encoding == config.EncodingPCM {
		deviceFrameSize = cfg.PCM.FrameSize
	}

	go func() {
		<-ctx.Done()
		log.Println("[main] shutting down")
		rcv.Close()
	}()

	if err := rcv.Run(ctx, cfg.Audio.DeviceName, float64(cfg.Audio.IOSampleRate), deviceFrameSize); err != nil {
		log.Fatalf("[main] run: %v", err)
	}
}
