// Command sparsediff-train trains the sparse voxel denoiser on ShapeNet
// point clouds and writes a resumable checkpoint after every epoch.
//
// Usage:
//
//	sparsediff-train [flags]
//	sparsediff-train [-db path] migrate <up|down|status|force N>
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/banshee-data/sparsediff/internal/db"
	"github.com/banshee-data/sparsediff/internal/version"
)

var (
	variant     = flag.String("version", "S", "Model size variant: S, M or L")
	categories  = flag.String("categories", "car", "Comma-separated category names or synset IDs, or 'all'")
	ckptName    = flag.String("ckpt-name", "", "Checkpoint name; written to checkpoints/<name>.ckpt (required)")
	epochs      = flag.Int("epochs", 100, "Number of training epochs")
	lr          = flag.Float64("lr", 1e-4, "Peak learning rate of the one-cycle schedule")
	dataPath    = flag.String("path", "ShapeNetCore.v2.PC15k", "Root of the ShapeNet point-cloud dataset")
	precision   = flag.String("precision", "medium", "Input precision: medium (float16) or high (float32)")
	configPath  = flag.String("config", "", "Optional JSON training config (see config/training.defaults.json)")
	dbPath      = flag.String("db", "training.db", "SQLite database for runs and metrics; empty disables it")
	listen      = flag.String("listen", "", "Monitoring listen address, e.g. :8081; empty disables the server")
	plotDir     = flag.String("plot-dir", "", "Directory for PNG loss plots; empty disables plotting")
	conditional = flag.Bool("conditional", false, "Train the class-conditional task")
	resume      = flag.Bool("resume", false, "Resume from checkpoints/<ckpt-name>.ckpt if it exists")
	ckptDir     = flag.String("ckpt-dir", "checkpoints", "Checkpoint directory")
	buildInfo   = flag.Bool("build-info", false, "Print build information and exit")
)

func main() {
	flag.Parse()

	if *buildInfo {
		fmt.Println(version.Info("sparsediff-train"))
		return
	}

	if flag.Arg(0) == "migrate" {
		if err := db.RunMigrateCommand(os.Stdout, flag.Args()[1:], *dbPath); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		return
	}
	if flag.NArg() > 0 {
		log.Fatalf("unexpected arguments: %v", flag.Args())
	}

	if *ckptName == "" {
		log.Fatal("-ckpt-name is required")
	}

	opts := options{
		Variant:     *variant,
		Categories:  strings.Split(*categories, ","),
		CkptName:    *ckptName,
		CkptDir:     *ckptDir,
		Epochs:      *epochs,
		LR:          *lr,
		DataPath:    *dataPath,
		Precision:   *precision,
		ConfigPath:  *configPath,
		DBPath:      *dbPath,
		Listen:      *listen,
		PlotDir:     *plotDir,
		Conditional: *conditional,
		Resume:      *resume,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		log.Fatalf("training failed: %v", err)
	}
}
