package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	internal_http "github.com/zyn1030z/SLA-service-sub000/internal/http"
	"github.com/zyn1030z/SLA-service-sub000/internal/config"
	"github.com/zyn1030z/SLA-service-sub000/internal/log"
	"github.com/zyn1030z/SLA-service-sub000/internal/metrics"
	internal_storage "github.com/zyn1030z/SLA-service-sub000/internal/storage"
	"github.com/zyn1030z/SLA-service-sub000/pkg/calendar"
	"github.com/zyn1030z/SLA-service-sub000/pkg/escalation"
	"github.com/zyn1030z/SLA-service-sub000/pkg/service"
	"github.com/zyn1030z/SLA-service-sub000/pkg/storage"
)

// App is the wired engine: one store, one calendar, the sweeper and the
// record service built from a Config.
type App struct {
	Config  config.Config
	Store   storage.Store
	Metrics *metrics.Metrics
	Sweeper *service.Sweeper
	Records *service.RecordService
}

// NewApp wires the engine around store.
func NewApp(cfg config.Config, store storage.Store) (*App, error) {
	cal, err := calendar.New(cfg.Hours)
	if err != nil {
		return nil, err
	}
	logger := log.Component("sweeper")
	m := metrics.New()
	dispatcher := escalation.NewDispatcher(
		escalation.WithTimeout(cfg.DispatchTimeout),
		escalation.WithBreaker(cfg.BreakerFailures, cfg.BreakerOpenFor),
		escalation.WithLogger(log.Component("dispatcher")),
	)
	return &App{
		Config:  cfg,
		Store:   store,
		Metrics: m,
		Sweeper: service.NewSweeper(store, cfg.Evaluator(cal), dispatcher,
			service.WithLogger(logger),
			service.WithMetrics(m),
			service.WithWorkers(cfg.SweepWorkers),
		),
		Records: service.NewRecordService(store, cal, service.SystemClock(), log.Component("records")),
	}, nil
}

func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("db", "", "Database connection string (optional if DB_* env vars are set)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and the periodic sweep",
		Run: func(cmd *cobra.Command, args []string) {
			app := initApp(cmd)
			defer app.Store.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sched, err := service.NewScheduler(app.Config.SweepSchedule, app.Sweeper, log.Component("scheduler"))
			if err != nil {
				exitf("Error: %v\n", err)
			}
			sched.Start(ctx)
			defer sched.Stop()

			router := internal_http.NewRouter(internal_http.Deps{
				Sweeper: app.Sweeper,
				Records: app.Records,
				Metrics: app.Metrics.Handler(),
			})
			if err := internal_http.StartServer(ctx, strconv.Itoa(app.Config.HTTPPort), router); err != nil {
				log.GetLogger().Errorf("Server stopped: %v", err)
			}
		},
	}

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one sweep now and print the result",
		Run: func(cmd *cobra.Command, args []string) {
			app := initApp(cmd)
			defer app.Store.Close()
			res := app.Sweeper.Trigger(cmd.Context())
			printJSON(res)
			if !res.Success {
				os.Exit(1)
			}
		},
	}

	countsCmd := &cobra.Command{
		Use:   "counts",
		Short: "Print the number of waiting and violated records",
		Run: func(cmd *cobra.Command, args []string) {
			app := initApp(cmd)
			defer app.Store.Close()
			waiting, violated, err := app.Sweeper.Counts(cmd.Context())
			if err != nil {
				exitf("Error: failed to count records: %v\n", err)
			}
			fmt.Fprintf(os.Stdout, "Waiting: %d\nViolated: %d\n", waiting, violated)
		},
	}

	dueCmd := &cobra.Command{
		Use:   "due [start] [sla-hours] [violation-count]",
		Short: "Preview the deadline for a step start (RFC3339)",
		Args:  cobra.RangeArgs(2, 3),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			cal, err := calendar.New(cfg.Hours)
			if err != nil {
				exitf("Error: %v\n", err)
			}
			start, err := time.Parse(time.RFC3339, args[0])
			if err != nil {
				exitf("Error: start must be RFC3339: %v\n", err)
			}
			slaHours, err := strconv.Atoi(args[1])
			if err != nil {
				exitf("Error: sla-hours must be a number: %v\n", err)
			}
			count := 0
			if len(args) == 3 {
				if count, err = strconv.Atoi(args[2]); err != nil {
					exitf("Error: violation-count must be a number: %v\n", err)
				}
			}
			if err := calendar.ValidateWindow(slaHours, count); err != nil {
				exitf("Error: %v\n", err)
			}
			fmt.Fprintln(os.Stdout, cal.ComputeDueAt(start, slaHours, count).UTC().Format(time.RFC3339))
		},
	}

	stepsCmd := &cobra.Command{Use: "steps", Short: "Manage workflow and step definitions"}
	stepsImportCmd := &cobra.Command{
		Use:   "import [file.yaml]",
		Short: "Import workflow and step definitions from YAML",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			app := initApp(cmd)
			defer app.Store.Close()
			f, err := os.Open(args[0])
			if err != nil {
				exitf("Error: %v\n", err)
			}
			defer f.Close()
			workflows, steps, err := ImportDefinitions(cmd.Context(), app.Store, f, log.GetLogger())
			if err != nil {
				exitf("Error: failed to import definitions: %v\n", err)
			}
			fmt.Fprintf(os.Stdout, "Imported %d workflows and %d steps\n", workflows, steps)
		},
	}
	stepsCmd.AddCommand(stepsImportCmd)

	recordCmd := &cobra.Command{Use: "record", Short: "Manage tracked records"}
	recordStartCmd := &cobra.Command{
		Use:   "start [key] [workflow-id] [step-code]",
		Short: "Start tracking a record on a step",
		Args:  cobra.ExactArgs(3),
		Run: func(cmd *cobra.Command, args []string) {
			wfID, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				exitf("Error parsing workflow id as number: %v\n", err)
			}
			req := service.StartStepRequest{Key: args[0], WorkflowID: wfID, StepCode: args[2]}
			if req.DefaultSLAHours, err = cmd.Flags().GetInt("default-sla"); err != nil {
				exitf("Error: %v\n", err)
			}
			if at, _ := cmd.Flags().GetString("at"); at != "" {
				if req.StartTime, err = time.Parse(time.RFC3339, at); err != nil {
					exitf("Error: --at must be RFC3339: %v\n", err)
				}
			}
			app := initApp(cmd)
			defer app.Store.Close()
			rec, err := app.Records.StartStep(cmd.Context(), req)
			if err != nil {
				exitf("Error: failed to start record: %v\n", err)
			}
			printJSON(rec)
		},
	}
	recordStartCmd.Flags().Int("default-sla", 0, "SLA hours used when the step defines none")
	recordStartCmd.Flags().String("at", "", "Step start time (RFC3339), defaults to now")

	recordCompleteCmd := &cobra.Command{
		Use:   "complete [key]",
		Short: "Mark a record completed",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			app := initApp(cmd)
			defer app.Store.Close()
			if err := app.Records.Complete(cmd.Context(), args[0]); err != nil {
				exitf("Error: failed to complete record: %v\n", err)
			}
			fmt.Fprintf(os.Stdout, "Completed record %s\n", args[0])
		},
	}

	recordShowCmd := &cobra.Command{
		Use:   "show [key]",
		Short: "Show a record and its action log",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			app := initApp(cmd)
			defer app.Store.Close()
			rec, err := app.Records.Get(cmd.Context(), args[0])
			if err != nil {
				exitf("Error: failed to get record: %v\n", err)
			}
			logs, err := app.Records.History(cmd.Context(), args[0])
			if err != nil {
				exitf("Error: failed to list actions: %v\n", err)
			}
			printJSON(map[string]any{"record": rec, "actions": logs})
		},
	}
	recordCmd.AddCommand(recordStartCmd, recordCompleteCmd, recordShowCmd)

	rootCmd.AddCommand(serveCmd, sweepCmd, countsCmd, dueCmd, stepsCmd, recordCmd)
}

func loadConfig() config.Config {
	cfg, err := config.Load()
	if err != nil {
		log.GetLogger().Errorf("Invalid configuration: %v", err)
		exitf("Error: invalid configuration: %v\n", err)
	}
	return cfg
}

func initApp(cmd *cobra.Command) *App {
	cfg := loadConfig()
	dbConnStr, err := cmd.Flags().GetString("db")
	if err != nil {
		log.GetLogger().Errorf("Error retrieving db flag: %v", err)
		os.Exit(1)
	}
	if dbConnStr == "" {
		dbConnStr = cfg.DB.ConnString()
	}
	if dbConnStr == "" {
		exitf("Error: --db flag or complete DB_* env vars (DB_USERNAME, DB_PASSWORD, DB_HOST, DB_PORT, DB_NAME) required\n")
	}
	log.GetLogger().Debugf("Connecting to database")
	store, err := internal_storage.InitStore(dbConnStr)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	app, err := NewApp(cfg, store)
	if err != nil {
		store.Close()
		exitf("Error: %v\n", err)
	}
	return app
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
}

func exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format, args...)
	os.Exit(1)
}
