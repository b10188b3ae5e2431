// Command describe analyzes one image file and speaks the description.
package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"go.uber.org/zap"

	"github.com/voiceofpanky/AI-VISION-GLASSES-V1/internal/analysis"
	"github.com/voiceofpanky/AI-VISION-GLASSES-V1/internal/config"
	"github.com/voiceofpanky/AI-VISION-GLASSES-V1/internal/endpoint"
	"github.com/voiceofpanky/AI-VISION-GLASSES-V1/internal/logging"
	"github.com/voiceofpanky/AI-VISION-GLASSES-V1/internal/speech"
	"github.com/voiceofpanky/AI-VISION-GLASSES-V1/internal/visionclient"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("describe", flag.ContinueOnError)
	imagePath := fs.String("image", "", "path to the image to describe (empty sends no image)")
	url := fs.String("endpoint", cfg.Endpoint.URL, "analysis endpoint URL")
	transport := fs.String("transport", cfg.Endpoint.Transport, "request encoding: json or form")
	mock := fs.Bool("mock", cfg.Endpoint.Mock, "use the built-in mock instead of the endpoint (default off when -endpoint is given)")
	token := fs.String("token", cfg.Endpoint.Token, "static bearer token for the endpoint")
	tts := fs.String("tts", cfg.TTSCommand, "text-to-speech command (auto-detected when empty)")
	wait := fs.Duration("wait", 10*time.Second, "how long to let speech play before exiting")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	parsed, err := endpoint.ParseTransport(*transport)
	if err != nil {
		return err
	}
	store := endpoint.NewStore(endpoint.Config{
		URL:       *url,
		Transport: parsed,
		Mock:      resolveMock(fs, *mock),
		Token:     *token,
	})
	settings := store.Get()
	logger.Info("analysis mode resolved",
		zap.Bool("mock", settings.Mock),
		zap.Bool("endpoint_configured", settings.Configured()),
	)

	imageData, err := readImage(*imagePath)
	if err != nil {
		return err
	}

	speaker, cmdSpeaker := newSpeaker(*tts, logger)
	handler := analysis.NewHandler(store, visionclient.New(cfg.Endpoint.Timeout, logger), speaker, logger,
		analysis.WithMockLatency(cfg.MockLatency),
		analysis.WithPrompt(cfg.Prompt),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	result := handler.Analyze(ctx, imageData, analysis.Options{})
	fmt.Println(result.SpokenText)
	if result.ErrorDetail != "" {
		fmt.Fprintln(os.Stderr, "detail:", result.ErrorDetail)
	}

	if cmdSpeaker != nil {
		select {
		case <-cmdSpeaker.Done():
		case <-time.After(*wait):
		case <-ctx.Done():
		}
		cmdSpeaker.Close()
	}
	if !result.Succeeded {
		return fmt.Errorf("analysis failed")
	}
	return nil
}

// resolveMock turns an explicit -endpoint into live mode unless -mock was
// also given on the command line.
func resolveMock(fs *flag.FlagSet, mock bool) bool {
	var endpointSet, mockSet bool
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "endpoint":
			endpointSet = true
		case "mock":
			mockSet = true
		}
	})
	if endpointSet && !mockSet {
		return false
	}
	return mock
}

// readImage plays the role of the file picker: it returns the file as base64.
func readImage(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func newSpeaker(command string, logger *zap.Logger) (analysis.Speaker, *speech.CommandSpeaker) {
	if command == "" {
		command, _ = speech.DetectCommand()
	}
	if command != "" {
		if s, err := speech.NewCommandSpeaker(command, logger); err == nil {
			return s, s
		}
	}
	return speech.NewLogSpeaker(logger), nil
}
