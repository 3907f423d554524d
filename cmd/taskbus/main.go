package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/glimte/taskbus"
	"github.com/glimte/taskbus/config"
	"github.com/glimte/taskbus/contracts"
	"github.com/glimte/taskbus/events"
	"github.com/glimte/taskbus/health"
	"github.com/glimte/taskbus/internal/rabbitmq"
	"github.com/glimte/taskbus/workers/audit"
	"github.com/glimte/taskbus/workers/search"
	"github.com/glimte/taskbus/workers/unrouted"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type app struct {
	envFiles []string
	cfg      config.Config
	logger   *slog.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "taskbus",
		Short: "Publish and process task events over RabbitMQ",
		Long: `taskbus publishes task events to their fanout exchanges and runs the
workers that consume them. Settings are read from TASKBUS_* environment
variables and an optional .env file.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.envFiles...)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = cfg.Logger()
			return nil
		},
	}
	rootCmd.PersistentFlags().StringSliceVar(&a.envFiles, "env-file", nil, "Env files to load instead of .env")

	rootCmd.AddCommand(
		a.publishCommand(),
		a.indexCommand(),
		a.searchCommand(),
		a.auditCommand(),
		a.unroutedCommand(),
		a.healthCommand(),
	)
	return rootCmd
}

func (a *app) client() *taskbus.Client {
	return taskbus.NewClientFromConfig(a.cfg, taskbus.WithLogger(a.logger))
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func (a *app) publishCommand() *cobra.Command {
	var (
		taskID    string
		title     string
		completed bool
		message   string
	)

	publishCmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a task event",
	}

	publish := func(build func(id uuid.UUID) (contracts.Event, error)) func(cmd *cobra.Command, args []string) error {
		return func(cmd *cobra.Command, args []string) error {
			id := uuid.New()
			if taskID != "" {
				parsed, err := uuid.Parse(taskID)
				if err != nil {
					return fmt.Errorf("invalid task id: %w", err)
				}
				id = parsed
			}
			event, err := build(id)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			client := a.client()
			defer client.Close()

			publisher, err := client.Publisher(ctx)
			if err != nil {
				return err
			}
			if err := publisher.Publish(ctx, event); err != nil {
				return fmt.Errorf("failed to publish %s: %w", event.EventName(), err)
			}

			fmt.Printf("Published %s %s\n", event.EventName(), event.GetID())
			return nil
		}
	}

	requireTitle := func() error {
		if strings.TrimSpace(title) == "" {
			return fmt.Errorf("--title is required")
		}
		return nil
	}

	addedCmd := &cobra.Command{
		Use:   "task-added",
		Short: "Announce a new task",
		RunE: publish(func(id uuid.UUID) (contracts.Event, error) {
			if err := requireTitle(); err != nil {
				return nil, err
			}
			return events.NewTaskAdded(id, title), nil
		}),
	}
	addedCmd.Flags().StringVar(&title, "title", "", "Task title")

	statusCmd := &cobra.Command{
		Use:   "task-status",
		Short: "Mark a task completed or open",
		RunE: publish(func(id uuid.UUID) (contracts.Event, error) {
			return events.NewTaskStatusChanged(id, completed), nil
		}),
	}
	statusCmd.Flags().BoolVar(&completed, "completed", false, "Whether the task is completed")

	updatedCmd := &cobra.Command{
		Use:   "task-updated",
		Short: "Rename a task",
		RunE: publish(func(id uuid.UUID) (contracts.Event, error) {
			if err := requireTitle(); err != nil {
				return nil, err
			}
			return events.NewTaskUpdated(id, title), nil
		}),
	}
	updatedCmd.Flags().StringVar(&title, "title", "", "New task title")

	deletedCmd := &cobra.Command{
		Use:   "task-deleted",
		Short: "Announce a deleted task",
		RunE: publish(func(id uuid.UUID) (contracts.Event, error) {
			return events.NewTaskDeleted(id), nil
		}),
	}

	notifyCmd := &cobra.Command{
		Use:   "notification",
		Short: "Publish a general notification",
		RunE: publish(func(uuid.UUID) (contracts.Event, error) {
			if message == "" {
				return nil, fmt.Errorf("--message is required")
			}
			return events.NewGeneralNotification(message), nil
		}),
	}
	notifyCmd.Flags().StringVar(&message, "message", "", "Notification text")

	for _, cmd := range []*cobra.Command{addedCmd, statusCmd, updatedCmd, deletedCmd} {
		cmd.Flags().StringVar(&taskID, "task-id", "", "Task id (a new one when empty)")
	}

	publishCmd.AddCommand(addedCmd, statusCmd, updatedCmd, deletedCmd, notifyCmd)
	return publishCmd
}

func (a *app) indexCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "index",
		Short: "Run the search indexer",
		Long:  "Keeps the bleve task index in sync with task events until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			index, err := search.OpenIndex(a.cfg.SearchIndexPath)
			if err != nil {
				return err
			}
			defer index.Close()

			client := a.client()
			defer client.Close()

			publisher, err := client.Publisher(ctx)
			if err != nil {
				return err
			}

			worker := search.NewWorker(index, publisher, client.ServiceName(), search.WithLogger(a.logger))
			if err := worker.Start(ctx, client); err != nil {
				return err
			}

			a.logger.Info("search indexer running", "index", a.cfg.SearchIndexPath)
			<-ctx.Done()
			return nil
		},
	}
}

func (a *app) searchCommand() *cobra.Command {
	var limit int

	searchCmd := &cobra.Command{
		Use:   "search <text>",
		Short: "Search indexed task titles",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := search.OpenIndex(a.cfg.SearchIndexPath)
			if err != nil {
				return err
			}
			defer index.Close()

			docs, err := index.Search(strings.Join(args, " "), limit)
			if err != nil {
				return err
			}

			fmt.Printf("%-36s %-9s %s\n", "ID", "DONE", "TITLE")
			fmt.Println(strings.Repeat("-", 80))
			for _, doc := range docs {
				fmt.Printf("%-36s %-9t %s\n", doc.ID, doc.Completed, doc.Title)
			}
			return nil
		},
	}
	searchCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of results")
	return searchCmd
}

func (a *app) auditCommand() *cobra.Command {
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Record or list delivered messages",
	}

	runCmd := &cobra.Command{
		Use:   "run [exchanges...]",
		Short: "Record every message published to the exchanges",
		Long:  "Records every message of the given exchanges, or of all task events when none are given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			store, err := audit.Open(a.cfg.AuditPath, a.logger)
			if err != nil {
				return err
			}
			defer store.Close()

			client := a.client()
			defer client.Close()

			exchanges := args
			if len(exchanges) == 0 {
				exchanges = events.Names()
			}
			if err := audit.NewRecorder(store, client.Registry(), a.logger).Start(ctx, client, exchanges...); err != nil {
				return err
			}

			a.logger.Info("audit logger running", "exchanges", strings.Join(exchanges, ","))
			<-ctx.Done()
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list [message-type]",
		Short: "List recorded messages",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := audit.Open(a.cfg.AuditPath, a.logger)
			if err != nil {
				return err
			}
			defer store.Close()

			var entries []audit.Entry
			if len(args) == 1 {
				entries, err = store.List(args[0])
			} else {
				entries, err = store.All()
			}
			if err != nil {
				return err
			}

			lines := lo.Map(entries, func(e audit.Entry, _ int) string {
				return fmt.Sprintf("%s %-20s %-36s %s",
					e.ReceivedAt.Format(time.RFC3339), e.MessageType, e.MessageID, e.Payload)
			})
			fmt.Println(strings.Join(lines, "\n"))
			return nil
		},
	}

	auditCmd.AddCommand(runCmd, listCmd)
	return auditCmd
}

func (a *app) unroutedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unrouted",
		Short: "Republish unrouted messages",
		Long:  "Consumes the unrouted queue and republishes each message after TASKBUS_UNROUTED_DELAY.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			client := a.client()
			defer client.Close()

			publisher, err := client.Publisher(ctx)
			if err != nil {
				return err
			}

			replayer := unrouted.NewReplayer(publisher,
				unrouted.WithDelay(a.cfg.UnroutedDelay),
				unrouted.WithLogger(a.logger),
			)
			consumer, err := replayer.Start(ctx, client)
			if err != nil {
				return err
			}
			go func() {
				for err := range consumer.Errors() {
					a.logger.Warn("unrouted message requeued", "error", err)
				}
			}()

			a.logger.Info("unrouted replayer running", "delay", a.cfg.UnroutedDelay)
			<-ctx.Done()
			return nil
		},
	}
}

func (a *app) healthCommand() *cobra.Command {
	var (
		timeout   time.Duration
		threshold int
	)

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check the broker connection and the unrouted backlog",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			client := a.client()
			defer client.Close()

			registry := health.NewRegistry(
				health.NewRabbitMQChecker(client.Connection(), a.logger),
				health.NewQueueChecker(rabbitmq.UnroutedQueue, threshold, client.Connection(), a.logger),
			)
			report := registry.Check(ctx)

			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))

			if report.Status == health.StatusUnhealthy {
				return fmt.Errorf("broker is %s", report.Status)
			}
			return nil
		},
	}
	healthCmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Overall timeout")
	healthCmd.Flags().IntVar(&threshold, "threshold", health.DefaultBacklogThreshold, "Unrouted backlog above which the broker is degraded")
	return healthCmd
}
