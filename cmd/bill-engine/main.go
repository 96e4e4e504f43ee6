package main

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"go.etcd.io/bbolt"

	"github.com/zombor/bill-engine/internal/bill"
	"github.com/zombor/bill-engine/internal/document"
	"github.com/zombor/bill-engine/internal/extraction"
	"github.com/zombor/bill-engine/internal/intake"
	"github.com/zombor/bill-engine/internal/jobs"
	"github.com/zombor/bill-engine/internal/pricing"
	"github.com/zombor/bill-engine/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

type config struct {
	dbPath      *string
	storagePath *string
	scannerType *string
	geminiKey   *string
	geminiModel *string
	ollamaURL   *string
	ollamaModel *string
	openaiKey   *string
	openaiURL   *string
	openaiModel *string
	interval    *time.Duration
	threshold   *float64
	defaultUnit *string
	concurrency *int
	billTimeout *time.Duration
}

// app holds the wired components for one command
type app struct {
	db          *bbolt.DB
	bills       *bill.BoltDB
	registry    *extraction.BoltRegistry
	transcriber scanning.Transcriber
	extractor   *extraction.Service
	intake      *intake.Service
	runner      *jobs.Runner
}

func (c config) open() (*app, error) {
	db, err := bbolt.Open(*c.dbPath, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	a := &app{db: db}

	a.bills, err = bill.NewBoltDBFrom(db)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.registry, err = extraction.NewBoltRegistry(db)
	if err != nil {
		a.Close()
		return nil, err
	}

	storage, err := bill.NewLocalStorage(*c.storagePath)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}

	switch *c.scannerType {
	case "none", "":
	case "gemini":
		// Get Gemini API key from flag or environment
		apiKey := *c.geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			a.Close()
			return nil, errors.New("gemini API key is required: set --gemini-key or GEMINI_API_KEY")
		}
		slog.Info("Initializing Gemini transcriber...", "model", *c.geminiModel)
		var gemini *scanning.Gemini
		if gemini, err = scanning.NewGemini(apiKey, *c.geminiModel); err == nil {
			a.transcriber = gemini
		}
	case "ollama":
		slog.Info("Initializing Ollama transcriber...", "url", *c.ollamaURL, "model", *c.ollamaModel)
		var ollama *scanning.Ollama
		if ollama, err = scanning.NewOllama(*c.ollamaURL, *c.ollamaModel); err == nil {
			a.transcriber = ollama
		}
	case "openai":
		apiKey := *c.openaiKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		slog.Info("Initializing OpenAI-compatible transcriber...", "url", *c.openaiURL, "model", *c.openaiModel)
		var oa *scanning.OpenAI
		if oa, err = scanning.NewOpenAI(apiKey, *c.openaiURL, *c.openaiModel); err == nil {
			a.transcriber = oa
		}
	default:
		err = fmt.Errorf("invalid scanner type %q: want none, gemini, ollama or openai", *c.scannerType)
	}
	if err != nil {
		a.Close()
		return nil, err
	}
	if a.transcriber != nil {
		a.transcriber = scanning.NewThrottled(a.transcriber, *c.interval)
	}

	loader := document.NewLoader(storage, a.transcriber)
	applier := extraction.NewApplier(a.bills, a.bills, *c.defaultUnit)
	a.extractor = extraction.NewService(a.registry, loader, applier)
	model := pricing.NewFuzzyModel(a.bills, *c.threshold)
	a.intake = intake.NewService(a.bills, storage, a.extractor, model)
	a.runner = jobs.NewRunner(a.bills, a.extractor,
		jobs.WithConcurrency(*c.concurrency),
		jobs.WithBillTimeout(*c.billTimeout))
	return a, nil
}

func (a *app) Close() error {
	if a.transcriber != nil {
		a.transcriber.Close()
	}
	return a.db.Close()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withApp opens the application for the duration of run
func withApp(c config, run func(ctx context.Context, a *app, args []string) error) func(context.Context, []string) error {
	return func(ctx context.Context, args []string) error {
		a, err := c.open()
		if err != nil {
			return err
		}
		defer a.Close()
		return run(ctx, a, args)
	}
}

func main() {
	rootFlags := ff.NewFlagSet("bill-engine")
	cfg := config{
		dbPath:      rootFlags.StringLong("db", "bill-engine.db", "Database file path"),
		storagePath: rootFlags.StringLong("storage", "./bills", "Bill file storage directory"),
		scannerType: rootFlags.StringLong("scanner", "none", "Transcriber for scanned bills: 'none', 'gemini', 'ollama' or 'openai'"),
		geminiKey:   rootFlags.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)"),
		geminiModel: rootFlags.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name"),
		ollamaURL:   rootFlags.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL"),
		ollamaModel: rootFlags.StringLong("ollama-model", "llava", "Ollama model name"),
		openaiKey:   rootFlags.StringLong("openai-key", "", "OpenAI API key (or set OPENAI_API_KEY env var)"),
		openaiURL:   rootFlags.StringLong("openai-url", "", "OpenAI-compatible API base URL, empty for api.openai.com"),
		openaiModel: rootFlags.StringLong("openai-model", "gpt-4o", "OpenAI model name"),
		interval:    rootFlags.DurationLong("transcribe-interval", 0, "Minimum time between transcription requests, 0 for none"),
		threshold:   rootFlags.Float64Long("threshold", pricing.DefaultThreshold, "Share of weighted comparison bills a charge must appear on to be predicted"),
		defaultUnit: rootFlags.StringLong("default-unit", "kWh", "Energy unit when the rate class does not imply one"),
		concurrency: rootFlags.IntLong("concurrency", 4, "Bills processed at once by batch commands"),
		billTimeout: rootFlags.DurationLong("bill-timeout", 3*time.Minute, "Time limit per bill in batch commands"),
	}
	showVersion := rootFlags.BoolLong("version", "Show version information")

	root := &ff.Command{
		Name:      "bill-engine",
		Usage:     "bill-engine [FLAGS] <SUBCOMMAND> ...",
		ShortHelp: "extract utility bill data and predict charges",
		Flags:     rootFlags,
		Exec: func(ctx context.Context, args []string) error {
			if *showVersion {
				fmt.Println(version)
				return nil
			}
			return ff.ErrHelp
		},
	}

	loadFlags := ff.NewFlagSet("load-extractors").SetParent(rootFlags)
	root.Subcommands = append(root.Subcommands, &ff.Command{
		Name:      "load-extractors",
		Usage:     "bill-engine load-extractors FILE...",
		ShortHelp: "store extractor definitions from YAML files",
		Flags:     loadFlags,
		Exec: withApp(cfg, func(ctx context.Context, a *app, args []string) error {
			if len(args) == 0 {
				return errors.New("at least one definition file is required")
			}
			for _, path := range args {
				f, err := os.Open(path)
				if err != nil {
					return err
				}
				defs, err := extraction.LoadDefinitions(f)
				f.Close()
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				for _, def := range defs {
					if err := a.registry.SaveDefinition(def); err != nil {
						return fmt.Errorf("%s: saving %s: %w", path, def.ID, err)
					}
					slog.Info("Stored extractor", "extractor_id", def.ID, "fields", len(def.Fields))
				}
			}
			return nil
		}),
	})

	extractorsFlags := ff.NewFlagSet("extractors").SetParent(rootFlags)
	root.Subcommands = append(root.Subcommands, &ff.Command{
		Name:      "extractors",
		Usage:     "bill-engine extractors",
		ShortHelp: "list stored extractor definitions",
		Flags:     extractorsFlags,
		Exec: withApp(cfg, func(ctx context.Context, a *app, args []string) error {
			defs, err := a.registry.ListDefinitions()
			if err != nil {
				return err
			}
			return printJSON(defs)
		}),
	})

	importFlags := ff.NewFlagSet("import").SetParent(rootFlags)
	customerID := importFlags.StringLong("customer", "", "Customer the bill belongs to")
	utility := importFlags.StringLong("utility", "", "Utility that issued the bill")
	supplier := importFlags.StringLong("supplier", "", "Energy supplier, if not the utility")
	root.Subcommands = append(root.Subcommands, &ff.Command{
		Name:      "import",
		Usage:     "bill-engine import --customer ID --utility NAME FILE...",
		ShortHelp: "store bill files, extract them and predict missing charges",
		Flags:     importFlags,
		Exec: withApp(cfg, func(ctx context.Context, a *app, args []string) error {
			if len(args) == 0 {
				return errors.New("at least one bill file is required")
			}
			upload := intake.Upload{CustomerID: *customerID, Utility: *utility, Supplier: *supplier}
			imported := make([]*bill.Bill, 0, len(args))
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
				b, err := a.intake.ProcessBill(ctx, filepath.Base(path), data, contentType, upload)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				imported = append(imported, b)
			}
			return printJSON(imported)
		}),
	})

	listFlags := ff.NewFlagSet("list").SetParent(rootFlags)
	root.Subcommands = append(root.Subcommands, &ff.Command{
		Name:      "list",
		Usage:     "bill-engine list",
		ShortHelp: "list bills",
		Flags:     listFlags,
		Exec: withApp(cfg, func(ctx context.Context, a *app, args []string) error {
			bills, err := a.intake.ListBills()
			if err != nil {
				return err
			}
			return printJSON(bills)
		}),
	})

	extractFlags := ff.NewFlagSet("extract").SetParent(rootFlags)
	root.Subcommands = append(root.Subcommands, &ff.Command{
		Name:      "extract",
		Usage:     "bill-engine extract [BILL_ID...]",
		ShortHelp: "extract bills again, all unprocessed bills when none are given",
		Flags:     extractFlags,
		Exec: withApp(cfg, func(ctx context.Context, a *app, args []string) error {
			ids := args
			if len(ids) == 0 {
				bills, err := a.intake.ListBills()
				if err != nil {
					return err
				}
				for _, b := range bills {
					if !b.Processed {
						ids = append(ids, b.ID)
					}
				}
			}
			outcomes, err := a.runner.ExtractAll(ctx, ids)
			if err != nil {
				return err
			}
			return printJSON(outcomeReport(outcomes))
		}),
	})

	predictFlags := ff.NewFlagSet("predict").SetParent(rootFlags)
	root.Subcommands = append(root.Subcommands, &ff.Command{
		Name:      "predict",
		Usage:     "bill-engine predict BILL_ID",
		ShortHelp: "print the predicted charges of a bill",
		Flags:     predictFlags,
		Exec: withApp(cfg, func(ctx context.Context, a *app, args []string) error {
			if len(args) != 1 {
				return errors.New("exactly one bill id is required")
			}
			charges, err := a.intake.PredictCharges(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(charges)
		}),
	})

	benchmarkFlags := ff.NewFlagSet("benchmark").SetParent(rootFlags)
	root.Subcommands = append(root.Subcommands, &ff.Command{
		Name:      "benchmark",
		Usage:     "bill-engine benchmark EXTRACTOR_ID [BILL_ID...]",
		ShortHelp: "measure an extractor, over all processed bills when none are given",
		Flags:     benchmarkFlags,
		Exec: withApp(cfg, func(ctx context.Context, a *app, args []string) error {
			if len(args) == 0 {
				return errors.New("an extractor id is required")
			}
			e, err := a.registry.GetExtractor(args[0])
			if err != nil {
				return err
			}
			ids := args[1:]
			if len(ids) == 0 {
				bills, err := a.intake.ListBills()
				if err != nil {
					return err
				}
				for _, b := range bills {
					if b.Processed {
						ids = append(ids, b.ID)
					}
				}
			}
			result, err := a.runner.Benchmark(ctx, e, ids)
			if err != nil {
				return err
			}
			return printJSON(result)
		}),
	})

	markFlags := ff.NewFlagSet("mark-processed").SetParent(rootFlags)
	root.Subcommands = append(root.Subcommands, &ff.Command{
		Name:      "mark-processed",
		Usage:     "bill-engine mark-processed BILL_ID...",
		ShortHelp: "mark bills as verified",
		Flags:     markFlags,
		Exec: withApp(cfg, func(ctx context.Context, a *app, args []string) error {
			for _, id := range args {
				if _, err := a.intake.MarkProcessed(id); err != nil {
					return err
				}
			}
			return nil
		}),
	})

	serviceFlags := ff.NewFlagSet("set-service").SetParent(rootFlags)
	root.Subcommands = append(root.Subcommands, &ff.Command{
		Name:      "set-service",
		Usage:     "bill-engine set-service RATE_CLASS_ID gas|electric",
		ShortHelp: "record the service of a rate class",
		Flags:     serviceFlags,
		Exec: withApp(cfg, func(ctx context.Context, a *app, args []string) error {
			if len(args) != 2 {
				return errors.New("a rate class id and a service are required")
			}
			rc, err := a.intake.SetRateClassService(args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(rc)
		}),
	})

	deleteFlags := ff.NewFlagSet("delete").SetParent(rootFlags)
	root.Subcommands = append(root.Subcommands, &ff.Command{
		Name:      "delete",
		Usage:     "bill-engine delete BILL_ID...",
		ShortHelp: "delete bills and their files",
		Flags:     deleteFlags,
		Exec: withApp(cfg, func(ctx context.Context, a *app, args []string) error {
			for _, id := range args {
				if err := a.intake.DeleteBill(id); err != nil {
					return err
				}
			}
			return nil
		}),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := root.ParseAndRun(ctx, os.Args[1:], ff.WithEnvVarPrefix("BILL_ENGINE"))
	switch {
	case err == nil:
	case errors.Is(err, ff.ErrHelp):
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Command(root.GetSelected()))
	default:
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

type outcome struct {
	BillID      string   `json:"bill_id"`
	ExtractorID string   `json:"extractor_id,omitempty"`
	Applied     int      `json:"applied"`
	Errors      []string `json:"errors,omitempty"`
	Error       string   `json:"error,omitempty"`
}

func outcomeReport(outcomes []jobs.Outcome) []outcome {
	report := make([]outcome, 0, len(outcomes))
	for _, o := range outcomes {
		r := outcome{BillID: o.BillID, ExtractorID: o.ExtractorID, Applied: o.Applied}
		for _, err := range o.Errors {
			r.Errors = append(r.Errors, err.Error())
		}
		if o.Err != nil {
			r.Error = o.Err.Error()
		}
		report = append(report, r)
	}
	return report
}
