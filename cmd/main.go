package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/cobra"

	_ "time/tzdata"

	"finance-agent/handler"
	"finance-agent/internal/config"
	"finance-agent/internal/usecase"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "finance-agent",
		Short:         "Conversational expense tracker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newLambdaCmd(), newChatCmd(), newReportCmd())
	return root
}

// setup loads configuration and wires the services. Only main reads the
// environment.
func setup(ctx context.Context) (*app, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "err", err)
		return nil, err
	}
	logger := config.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start", "err", err)
		return nil, err
	}
	logger.Debug("services wired", "provider", cfg.LLMProvider, "checkpoint_backend", cfg.CheckpointBackend)
	return a, nil
}

func newLambdaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lambda",
		Short: "Serve API Gateway proxy events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}

			h, err := handler.NewHandler(a.chat, a.reports, a.logger)
			if err != nil {
				a.logger.Error("failed to create handler", "err", err)
				_ = a.Close()
				return err
			}
			// lambda.Start never returns. The app's connections live as long
			// as the execution environment and are released when it shuts down.
			lambda.Start(h.Handle)
			return nil
		},
	}
}

func newChatCmd() *cobra.Command {
	var userID, threadID, timezone string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the agent from the terminal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if userID == "" {
				userID = a.cfg.DefaultUserID
			}
			if threadID == "" {
				threadID = a.cfg.DefaultThreadID
			}
			return runChat(ctx, a.chat, cmd.InOrStdin(), cmd.OutOrStdout(), usecase.ChatInput{
				UserID:   userID,
				ThreadID: threadID,
				Timezone: timezone,
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id (defaults to DEFAULT_USER_ID)")
	cmd.Flags().StringVar(&threadID, "thread", "", "thread id (defaults to DEFAULT_THREAD_ID)")
	cmd.Flags().StringVar(&timezone, "timezone", "", "IANA timezone for this session")
	return cmd
}

type chatSender interface {
	Send(ctx context.Context, in usecase.ChatInput) (usecase.ChatOutput, error)
}

// runChat reads one message per line until EOF or quit/exit.
func runChat(ctx context.Context, chat chatSender, in io.Reader, out io.Writer, base usecase.ChatInput) error {
	fmt.Fprintf(out, "Finance agent (user=%s, thread=%s). Type 'quit' to leave.\n", base.UserID, base.ThreadID)
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(line) {
		case "":
			continue
		case "quit", "exit":
			return nil
		}

		msg := base
		msg.Message = line
		res, err := chat.Send(ctx, msg)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintf(out, "error: %s\n", describe(err))
			continue
		}
		fmt.Fprintln(out, res.Reply)
	}
}

func describe(err error) string {
	var ue *usecase.Error
	if errors.As(err, &ue) {
		return fmt.Sprintf("%s (%s)", ue.Code, ue.Reason)
	}
	return err.Error()
}

func newReportCmd() *cobra.Command {
	var userID, timezone string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print the current week's spending report as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if userID == "" {
				userID = a.cfg.DefaultUserID
			}
			rep, err := a.reports.Weekly(cmd.Context(), usecase.ReportInput{UserID: userID, Timezone: timezone})
			if err != nil {
				return fmt.Errorf("weekly report: %s", describe(err))
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			enc.SetEscapeHTML(false)
			return enc.Encode(rep)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id (defaults to DEFAULT_USER_ID)")
	cmd.Flags().StringVar(&timezone, "timezone", "", "IANA timezone for the week boundaries")
	return cmd
}
