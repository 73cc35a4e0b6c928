// marine3d turns a text concept into a textured 3D asset.
//
// Usage:
//
//	marine3d serve [-config config.yaml] [-addr :8000]   # start the HTTP API
//	marine3d generate -concept octopus [-method genai]   # run one generation
//	marine3d select -concept octopus [-all] -out crops    # save the best crop (or all)
//	marine3d simplify -in raw.glb -out clean.glb         # decimate and repair a mesh
//	marine3d health [-addr http://localhost:8000]        # probe a running server
//	marine3d version
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	marine3d "github.com/Catrobat/mArIne3D"
	"github.com/Catrobat/mArIne3D/internal/config"
	"github.com/Catrobat/mArIne3D/internal/logging"
	"github.com/Catrobat/mArIne3D/internal/utils"
	"github.com/Catrobat/mArIne3D/pkg/selection"
	"github.com/Catrobat/mArIne3D/pkg/types"
)

var (
	Version   = marine3d.Version
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "generate":
		runGenerate(os.Args[2:])
	case "select":
		runSelect(os.Args[2:])
	case "simplify":
		runSimplify(os.Args[2:])
	case "health":
		runHealthCheck(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// setup loads the configuration and builds the logger and the Forge
func setup(configPath string) (*marine3d.Forge, *zap.Logger) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.MustNew(cfg.Log)

	forge, err := marine3d.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize", zap.Error(err))
	}
	return forge, logger
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (YAML or JSON)")
	addr := fs.String("addr", "", "Listen address, overrides server.addr")
	fs.Parse(args)

	if *addr != "" {
		os.Setenv(config.EnvPrefix+"_SERVER_ADDR", *addr)
	}

	forge, logger := setup(*configPath)
	defer logger.Sync()
	defer forge.Close()

	logger.Info("starting marine3d",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	if forge.Config().Models.Preload {
		ctx, cancel := signalContext()
		err := forge.Preload(ctx)
		cancel()
		if err != nil {
			logger.Fatal("failed to preload models", zap.Error(err))
		}
	}

	server := forge.NewServer()
	if err := server.Start(); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}

	server.WaitForShutdown()
	logger.Info("marine3d stopped")
}

func runGenerate(args []string) {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (YAML or JSON)")
	concept := fs.String("concept", "", "Concept to generate, e.g. octopus")
	method := fs.String("method", "", "Image source: fathomnet or genai (default from config)")
	fs.Parse(args)

	if strings.TrimSpace(*concept) == "" {
		fmt.Fprintln(os.Stderr, "usage: marine3d generate -concept <name> [-method fathomnet|genai] [-config path]")
		os.Exit(2)
	}

	forge, logger := setup(*configPath)
	defer logger.Sync()
	defer forge.Close()

	ctx, cancel := signalContext()
	defer cancel()

	res, err := forge.Generate(ctx, *concept, types.Method(*method))
	if err != nil {
		logger.Error("generation failed", zap.String("concept", *concept), zap.Error(err))
		os.Exit(1)
	}

	js, _ := json.MarshalIndent(res, "", "  ")
	fmt.Println(string(js))
}

func runSelect(args []string) {
	fs := flag.NewFlagSet("select", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (YAML or JSON)")
	concept := fs.String("concept", "", "Concept to search for")
	method := fs.String("method", "", "Image source: fathomnet or genai (default from config)")
	all := fs.Bool("all", false, "Save every crop, best first, instead of only the best")
	outDir := fs.String("out", "out", "Output directory")
	ext := fs.String("ext", "jpg", "Output format: jpg|png|webp")
	quality := fs.Int("quality", 90, "JPEG/WebP quality (1-100)")
	lossless := fs.Bool("lossless", false, "WebP lossless mode")
	fs.Parse(args)

	if strings.TrimSpace(*concept) == "" {
		fmt.Fprintln(os.Stderr, "usage: marine3d select -concept <name> [-all] [-out dir] [-ext jpg|png|webp] [-method fathomnet|genai] [-config path]")
		os.Exit(2)
	}
	if err := utils.EnsureDir(*outDir); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create %s: %v\n", *outDir, err)
		os.Exit(1)
	}

	forge, logger := setup(*configPath)
	defer logger.Sync()
	defer forge.Close()

	ctx, cancel := signalContext()
	defer cancel()

	var crops []selection.ScoredCrop
	if *all {
		var err error
		crops, err = forge.SelectAll(ctx, *concept, types.Method(*method))
		if err != nil {
			logger.Error("selection failed", zap.Error(err))
			os.Exit(1)
		}
	} else {
		best, err := forge.SelectBest(ctx, *concept, types.Method(*method))
		if err != nil {
			logger.Error("selection failed", zap.Error(err))
			os.Exit(1)
		}
		if best != nil {
			crops = append(crops, *best)
		}
	}
	if len(crops) == 0 {
		fmt.Fprintf(os.Stderr, "no usable image found for %q\n", *concept)
		os.Exit(1)
	}

	format := strings.ToLower(*ext)
	for i, crop := range crops {
		path := utils.CropFilename(*outDir, *concept, i+1, string(crop.Variant), format)
		if err := forge.SaveCrop(crop, path, format, *quality, *lossless); err != nil {
			logger.Error("failed to save crop", zap.String("path", path), zap.Error(err))
			continue
		}
		size := ""
		if info, err := os.Stat(path); err == nil {
			size = utils.FormatFileSize(info.Size())
		}
		fmt.Printf("wrote %s (%s, score=%.4f, source=%s)\n", path, size, crop.Score, crop.URL)
	}
}

func runSimplify(args []string) {
	fs := flag.NewFlagSet("simplify", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (YAML or JSON)")
	in := fs.String("in", "", "Input GLB mesh")
	out := fs.String("out", "", "Output GLB mesh")
	budget := fs.Int("budget", -1, "Maximum triangle count (default from config)")
	fs.Parse(args)

	if utils.FileExtension(*in) != "glb" || utils.FileExtension(*out) != "glb" {
		fmt.Fprintln(os.Stderr, "usage: marine3d simplify -in raw.glb -out clean.glb [-budget 50000]")
		os.Exit(2)
	}
	if !utils.FileExists(*in) {
		fmt.Fprintf(os.Stderr, "%s does not exist\n", *in)
		os.Exit(1)
	}

	forge, logger := setup(*configPath)
	defer logger.Sync()
	defer forge.Close()

	if *budget < 0 {
		*budget = forge.Config().Mesh.TriangleBudget
	}

	before, after, err := forge.SimplifyFile(*in, *out, *budget)
	if err != nil {
		logger.Error("simplify failed", zap.Error(err))
		os.Exit(1)
	}

	fmt.Printf("%s: %d -> %d triangles, %d -> %d vertices\n",
		*out, before.Triangles, after.Triangles, before.Vertices, after.Vertices)
}

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8000", "Server address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("OK")
}

func printVersion() {
	fmt.Printf("marine3d %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`marine3d - text concept to textured 3D asset

Usage:
  marine3d <command> [options]

Commands:
  serve     Start the HTTP API
  generate  Run one generation and print the result as JSON
  select    Save the best (or every) reference crop of a concept
  simplify  Decimate and repair a GLB mesh
  health    Check server health
  version   Show version information
  help      Show this help message

Every command except health and version accepts -config <path>. Settings can
also be overridden with MARINE3D_* environment variables.

Examples:
  marine3d serve -config /etc/marine3d/config.yaml
  marine3d generate -concept octopus
  marine3d generate -concept "sea star" -method genai
  marine3d select -concept jellyfish -all -ext webp -lossless
  marine3d simplify -in raw.glb -out clean.glb -budget 20000
  marine3d health -addr http://localhost:8000`)
}
