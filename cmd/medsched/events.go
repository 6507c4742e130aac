package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsched/internal/config"
	"github.com/drfirst/go-medsched/internal/events"
)

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect the audit event stream",
	}

	tail := &cobra.Command{
		Use:   "tail",
		Short: "Print audit events as JSON lines until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			brokers, _ := cmd.Flags().GetStringSlice("brokers")
			group, _ := cmd.Flags().GetString("group")
			fromStart, _ := cmd.Flags().GetBool("from-start")
			session, _ := cmd.Flags().GetString("session")

			if len(brokers) == 0 {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				brokers = cfg.KafkaBrokers
			}
			if len(brokers) == 0 {
				return errors.New("no brokers: pass --brokers or set KAFKA_BROKERS")
			}

			ccfg := events.DefaultConsumerConfig()
			ccfg.Brokers = brokers
			ccfg.GroupID = group
			ccfg.FromStart = fromStart
			return runTail(cmd.Context(), cmd.OutOrStdout(), ccfg, session)
		},
	}
	tail.Flags().StringSlice("brokers", nil, "broker addresses (defaults to KAFKA_BROKERS)")
	tail.Flags().String("group", events.DefaultConsumerConfig().GroupID, "consumer group id")
	tail.Flags().Bool("from-start", false, "read retained events from the beginning")
	tail.Flags().String("session", "", "only print events of this session")

	cmd.AddCommand(tail)
	return cmd
}

func runTail(parent context.Context, out io.Writer, cfg events.ConsumerConfig, session string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()

	consumer, err := events.NewConsumer(cfg, printEvents(out, session), logger)
	if err != nil {
		return err
	}
	defer consumer.Close()

	return consumer.Run(ctx)
}

// printEvents writes each event as one JSON line, optionally filtered by session.
func printEvents(out io.Writer, session string) events.Handler {
	enc := json.NewEncoder(out)
	return func(_ context.Context, ev events.Event) error {
		if session != "" && ev.SessionID != session {
			return nil
		}
		return enc.Encode(ev)
	}
}
