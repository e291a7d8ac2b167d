package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/codegangsta/cli"

	"mriatlas/internal/models"
	"mriatlas/pkg/config"
	"mriatlas/pkg/logging"
	"mriatlas/pkg/pipeline"
	"mriatlas/pkg/volio"
)

func main() {
	app := cli.NewApp()
	app.Name = "mriatlas"
	app.Usage = "Build an average brain atlas from a cohort of MRI volumes"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "YAML or TOML configuration file (defaults when missing)",
		},
		cli.BoolFlag{
			Name:  "verbose",
			Usage: "Enable debug logging",
		},
		cli.StringFlag{
			Name:  "log",
			Usage: "Write a rotating copy of the log to this file",
		},
	}

	divisorFlag := cli.Float64Flag{
		Name:  "divisor",
		Usage: "Divide by this number instead of the number of contributing subjects",
	}
	rangeUsage := "<fixedImage> <lower> <upper> <doDivide> <observe>"

	app.Commands = []cli.Command{
		{
			Name:      "config",
			Usage:     "Write a configuration file with default values",
			ArgsUsage: "<file.yaml|file.toml>",
			Action: func(c *cli.Context) error {
				if len(c.Args()) != 1 {
					return exit(fmt.Errorf("config needs exactly one file name"))
				}
				if err := config.CreateDefaultConfigFile(c.Args().First()); err != nil {
					return exit(err)
				}
				fmt.Printf("Wrote default configuration to %s\n", c.Args().First())
				return nil
			},
		},
		{
			Name:  "setup",
			Usage: "Average every subject into the initial template and pick a random reference",
			Flags: []cli.Flag{
				cli.Int64Flag{
					Name:  "seed",
					Value: time.Now().UnixNano(),
					Usage: "Seed used to choose the reference subject",
				},
			},
			Action: func(c *cli.Context) error {
				b, _, err := newBuilder(c)
				if err != nil {
					return exit(err)
				}
				ctx, stop := signalContext()
				defer stop()
				res, err := b.Setup(ctx, c.Int64("seed"))
				if err != nil {
					return exit(err)
				}
				fmt.Printf("Initial template: %s\nReference: %s\n", res.TemplateName, res.FixedName)
				return nil
			},
		},
		{
			Name:        "affine",
			Usage:       "Affinely register a range of subjects to a fixed image and average them",
			ArgsUsage:   rangeUsage,
			Description: "Writes af<subject> volumes and <l>_<u>affineTemplate.nii.gz, or the\n   raw sum a<l>_<u>intermediate.nii.gz when doDivide is 0.",
			Flags:       []cli.Flag{divisorFlag},
			Action: func(c *cli.Context) error {
				return runRange(c, pipeline.StageAffine)
			},
		},
		{
			Name:        "deformable",
			Usage:       "Deformably register affine-resampled subjects to a template and average them",
			ArgsUsage:   rangeUsage,
			Description: "Writes <l>_<u>deformableAtlas.nii.gz, or the raw sum\n   d<l>_<u>intermediate.nii.gz when doDivide is 0.",
			Flags:       []cli.Flag{divisorFlag},
			Action: func(c *cli.Context) error {
				return runRange(c, pipeline.StageDeformable)
			},
		},
		{
			Name:      "divide",
			Usage:     "Sum partial outputs and divide them by a constant",
			ArgsUsage: "<a|d> <constant> files...",
			Action: func(c *cli.Context) error {
				args := c.Args()
				if len(args) < 3 {
					return exit(fmt.Errorf("divide needs a stage, a constant and at least one file"))
				}
				var stage pipeline.Stage
				switch args[0] {
				case "a":
					stage = pipeline.StageAffine
				case "d":
					stage = pipeline.StageDeformable
				default:
					return exit(fmt.Errorf("stage must be a or d, got %q", args[0]))
				}
				divisor, err := strconv.ParseFloat(args[1], 64)
				if err != nil {
					return exit(fmt.Errorf("bad constant %q: %w", args[1], err))
				}
				b, _, err := newBuilder(c)
				if err != nil {
					return exit(err)
				}
				name, _, err := b.Divide(stage, divisor, args[2:])
				if err != nil {
					return exit(err)
				}
				fmt.Printf("Wrote %s\n", name)
				return nil
			},
		},
		{
			Name:      "build",
			Usage:     "Run the affine pass and then the deformable pass over a range",
			ArgsUsage: "<fixedImage> <lower> <upper> [observe]",
			Action: func(c *cli.Context) error {
				args := c.Args()
				if len(args) < 3 {
					return exit(fmt.Errorf("usage: build %s", "<fixedImage> <lower> <upper> [observe]"))
				}
				r, err := parseRange(args[1], args[2])
				if err != nil {
					return exit(err)
				}
				observe := false
				if len(args) > 3 {
					if observe, err = parseFlag("observe", args[3]); err != nil {
						return exit(err)
					}
				}
				b, _, err := newBuilder(c)
				if err != nil {
					return exit(err)
				}
				ctx, stop := signalContext()
				defer stop()
				ar, dr, err := b.Build(ctx, args[0], r, observe)
				if ar != nil {
					printReport(ar)
				}
				if dr != nil {
					printReport(dr)
				}
				if err != nil {
					return exit(err)
				}
				return nil
			},
		},
	}

	app.Run(os.Args)
	logging.Shutdown()
}

// runRange implements the affine and deformable commands.
func runRange(c *cli.Context, stage pipeline.Stage) error {
	args := c.Args()
	if len(args) != 5 {
		return exit(fmt.Errorf("usage: %s <fixedImage> <lower> <upper> <doDivide> <observe>", stage))
	}
	r, err := parseRange(args[1], args[2])
	if err != nil {
		return exit(err)
	}
	divide, err := parseFlag("doDivide", args[3])
	if err != nil {
		return exit(err)
	}
	observe, err := parseFlag("observe", args[4])
	if err != nil {
		return exit(err)
	}

	b, params, err := newBuilder(c)
	if err != nil {
		return exit(err)
	}
	params.Divisor = c.Float64("divisor")

	ctx, stop := signalContext()
	defer stop()
	var report *pipeline.Report
	if stage == pipeline.StageAffine {
		report, err = b.RunAffine(ctx, args[0], r, divide, observe)
	} else {
		report, err = b.RunDeformable(ctx, args[0], r, divide, observe)
	}
	if report != nil {
		printReport(report)
	}
	if err != nil {
		return exit(err)
	}
	return nil
}

// newBuilder loads the configuration, sets up logging and creates the
// pipeline over the configured directories.
func newBuilder(c *cli.Context) (*pipeline.Builder, *pipeline.Params, error) {
	cfg, err := config.LoadConfig(c.GlobalString("config"))
	if err != nil {
		return nil, nil, err
	}
	if c.GlobalBool("verbose") {
		cfg.Output.Verbose = true
	}
	if c.GlobalIsSet("log") {
		cfg.Output.LogFile = c.GlobalString("log")
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	if cfg.Output.LogFile != "" {
		lc := logging.LogConfig{
			Logfile: cfg.Output.LogFile,
			MaxSize: cfg.Output.MaxLogSize,
			MaxAge:  cfg.Output.MaxLogAge,
		}
		lc.SetLogger()
	}
	if cfg.Output.Verbose {
		logging.SetLogMode(logging.DebugMode)
	}

	store, err := volio.NewDirStore(cfg.Data.Dir, cfg.Data.OutputDir)
	if err != nil {
		return nil, nil, err
	}
	params := pipeline.ParamsFromConfig(cfg)
	logging.Debugf("%d subjects in %s, %d concurrent registrations", params.SubjectCount, cfg.Data.Dir, params.NumCores)
	return pipeline.NewBuilder(params, store), params, nil
}

func parseRange(lower, upper string) (models.SubjectRange, error) {
	l, err := strconv.Atoi(lower)
	if err != nil {
		return models.SubjectRange{}, fmt.Errorf("bad lower index %q: %w", lower, err)
	}
	u, err := strconv.Atoi(upper)
	if err != nil {
		return models.SubjectRange{}, fmt.Errorf("bad upper index %q: %w", upper, err)
	}
	return models.SubjectRange{Lower: l, Upper: u, FixedIndex: models.NoReference}, nil
}

func parseFlag(name, s string) (bool, error) {
	switch s {
	case "0":
		return false, nil
	case "1":
		return true, nil
	}
	return false, fmt.Errorf("%s must be 0 or 1, got %q", name, s)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func printReport(r *pipeline.Report) {
	fmt.Printf("\n%s registration of subjects %d to %d\n", r.Stage, r.Range.Lower, r.Range.Upper)
	fmt.Println("=======================================")
	for _, s := range r.Subjects() {
		res := r.Results[s]
		switch {
		case res.Err != nil:
			fmt.Printf("subject %2d: failed (skipped=%t): %v\n", s, res.Skipped, res.Err)
		case res.Reference:
			fmt.Printf("subject %2d: reference\n", s)
		default:
			fmt.Printf("subject %2d: value %.6g, %d iterations, converged=%t, %.1fs\n",
				s, res.Value, res.Iterations, res.Converged, res.Duration.Seconds())
		}
	}
	if r.OutputName != "" {
		fmt.Printf("Output %s: %d contributions, divisor %g\n", r.OutputName, r.Contributions, r.Divisor)
	}
}

func exit(err error) error {
	logging.Errorf("%v", err)
	return cli.NewExitError(err.Error(), 1)
}
