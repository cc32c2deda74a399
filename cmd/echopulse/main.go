// Command echopulse inspects tokenizer configurations and converts
// checkpoints between formats.
package main

import (
	"flag"
	"fmt"
	"os"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/born-ml/echopulse/autodiff"
	"github.com/born-ml/echopulse/backend/cpu"
	"github.com/born-ml/echopulse/cvivit"
	"github.com/born-ml/echopulse/internal/serialization"
)

const version = "v0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("echopulse %s\n", version)
	case "info":
		err = runInfo(os.Args[2:])
	case "convert":
		err = runConvert(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "echopulse: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("echopulse - video tokenizer toolkit")
	fmt.Printf("Version: %s\n\n", version)
	fmt.Println("Commands:")
	fmt.Println("  version                          Show version")
	fmt.Println("  info -config FILE [-frames N]    Describe a model configuration")
	fmt.Println("  convert IN OUT                   Convert a checkpoint to safetensors")
}

func loadConfig(path string) (cvivit.Config, error) {
	var cfg cvivit.Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func runInfo(args []string) error {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	configPath := fs.String("config", "", "model configuration JSON")
	frames := fs.Int("frames", 17, "clip length to describe")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		return fmt.Errorf("info: -config is required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	model, err := cvivit.New(cfg, autodiff.New(cpu.New()))
	if err != nil {
		return err
	}

	h, w := cfg.PatchGrid()
	fmt.Printf("resolution:      %dx%d\n", cfg.ImageHeight, cfg.ImageWidth)
	fmt.Printf("patch grid:      %dx%d (%d tokens per step)\n", h, w, h*w)
	fmt.Printf("codebook:        %d entries, %d dims\n", cfg.CodebookSize, cfg.CodebookDim)
	fmt.Printf("adversarial:     %v\n", model.HasDiscriminator())

	tokens, err := model.TokensPerFrames(*frames)
	if err != nil {
		return err
	}
	fmt.Printf("%d frames:       %d tokens\n", *frames, tokens)

	params := 0
	for _, p := range model.Parameters() {
		params += p.Tensor().NumElements()
	}
	fmt.Printf("parameters:      %d\n", params)
	return nil
}

func runConvert(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("convert: expected IN and OUT paths")
	}
	in, out := args[0], args[1]

	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	sd, err := serialization.ReadTorch(in)
	if err != nil {
		return fmt.Errorf("read %s: %w", in, err)
	}
	logger.Info("read checkpoint", zap.String("path", in), zap.Int("tensors", len(sd)))

	if err := serialization.WriteSafeTensors(out, sd, map[string]string{"converted_from": in}); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	logger.Info("wrote checkpoint", zap.String("path", out))
	return nil
}
