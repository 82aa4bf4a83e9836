package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/veritas/internal"
	"github.com/starford/veritas/internal/models"
	"github.com/starford/veritas/internal/parser"
	"github.com/starford/veritas/internal/pipeline"
	"github.com/starford/veritas/internal/service"
	pkgconfig "github.com/starford/veritas/pkg/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	configPath := cmd.String("config")

	cfg := internal.NewDefaultConfig()
	found, err := pkgconfig.LoadOptional(configPath, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if !found {
		slog.Warn("config file not found, using defaults", slog.String("path", configPath))
	}
	return cfg, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	opts := []internal.Option{
		internal.WithConfig(cfg),
		internal.WithVersion(version),
	}

	if err := internal.Run(ctx, opts...); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}

	return nil
}

func serveMCP(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return internal.RunMCP(ctx, internal.WithConfig(cfg), internal.WithVersion(version))
}

// withService runs fn against a freshly wired application whose logs go
// to stderr, leaving stdout for the command's JSON output.
func withService(ctx context.Context, cmd *cli.Command, fn func(*service.Service) (any, error)) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	app, err := internal.New(ctx, internal.WithConfig(cfg), internal.WithLogOutput(os.Stderr))
	if err != nil {
		return err
	}
	defer app.Close()

	out, err := fn(app.Service)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func query(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() == 0 {
		return fmt.Errorf("query: question argument is required")
	}
	req := service.QueryRequest{
		Text:    cmd.Args().First(),
		Version: models.VersionID(cmd.Int("graph-version")),
		Overrides: pipeline.Overrides{
			MaxDepth: int(cmd.Int("max-depth")),
			MaxPaths: int(cmd.Int("max-paths")),
		},
	}
	if cmd.IsSet("min-score") {
		score := cmd.Float("min-score")
		req.Overrides.MinScore = &score
	}
	if cmd.IsSet("feedback-rounds") {
		n := int(cmd.Int("feedback-rounds"))
		req.Overrides.FeedbackRounds = &n
	}
	var res *pipeline.Result
	err := withService(ctx, cmd, func(svc *service.Service) (any, error) {
		var err error
		res, err = svc.Query(ctx, req)
		return res, err
	})
	if err != nil {
		return err
	}
	if cmd.Bool("strict") {
		return res.Err()
	}
	return nil
}

func commit(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() == 0 {
		return fmt.Errorf("commit: batch file argument is required (- for stdin)")
	}
	path := cmd.Args().First()

	var (
		data []byte
		err  error
	)
	name := path
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
		name = "stdin." + cmd.String("format")
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("commit: read %s: %w", path, err)
	}

	batch, err := parser.Parse(filepath.Base(name), data)
	if err != nil {
		return err
	}
	if s := cmd.String("summary"); s != "" {
		batch.Summary = s
	}
	if base := cmd.Int("base-version"); base > 0 {
		batch.BaseVersion = models.VersionID(base)
	}
	return withService(ctx, cmd, func(svc *service.Service) (any, error) {
		return svc.Commit(ctx, batch.Mutations, batch.Summary)
	})
}

func main() {
	cmd := &cli.Command{
		Name:    "veritas",
		Usage:   "Verified question answering over a versioned knowledge graph",
		Version: version,
		Action:  serve,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API, the learner and the ingest watcher",
				Action: serve,
			},
			{
				Name:   "mcp",
				Usage:  "Serve MCP tools on stdio",
				Action: serveMCP,
			},
			{
				Name:      "query",
				Usage:     "Answer one question and print the result as JSON",
				ArgsUsage: "<question>",
				Action:    query,
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "graph-version", Usage: "Graph version to pin (0 for latest)"},
					&cli.IntFlag{Name: "max-depth", Usage: "Maximum path length"},
					&cli.IntFlag{Name: "max-paths", Usage: "Maximum number of paths"},
					&cli.FloatFlag{Name: "min-score", Usage: "Minimum path score"},
					&cli.IntFlag{Name: "feedback-rounds", Usage: "Maximum verification feedback rounds"},
					&cli.BoolFlag{Name: "strict", Usage: "Exit non-zero when the answer fails verification"},
				},
			},
			{
				Name:      "commit",
				Usage:     "Commit a mutation batch file as a new graph version",
				ArgsUsage: "<file|->",
				Action:    commit,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "format", Value: "yaml", Usage: "Format of stdin input (yaml, json, md)"},
					&cli.StringFlag{Name: "summary", Usage: "Override the batch summary"},
					&cli.IntFlag{Name: "base-version", Usage: "Fail on conflicts with changes after this version"},
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
