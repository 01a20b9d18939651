package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"google.golang.org/genai"

	"finance-agent/internal/config"
	"finance-agent/internal/events"
	"finance-agent/internal/extract"
	"finance-agent/internal/guard"
	"finance-agent/internal/integrations/gemini"
	"finance-agent/internal/integrations/openai"
	"finance-agent/internal/integrations/paramstore"
	"finance-agent/internal/report"
	"finance-agent/internal/repository"
	"finance-agent/internal/storage"
	"finance-agent/internal/tools"
	"finance-agent/internal/usecase"
)

// model is what both providers offer the agent.
type model interface {
	usecase.Reasoner
	extract.Generator
}

// app holds the wired services. Configuration is read only in main.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	chat    *usecase.ChatService
	reports *usecase.ReportService
	closers []func() error

	awsOnce sync.Once
	awsCfg  aws.Config
	awsErr  error
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if err := a.wire(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	expenses, err := storage.NewExpenseStore(cfg.DBPath, storage.WithLogger(a.logger))
	if err != nil {
		return fmt.Errorf("open expense store: %w", err)
	}
	a.closers = append(a.closers, expenses.Close)

	state, err := a.checkpoints(ctx)
	if err != nil {
		return err
	}

	pool, err := guard.New(cfg.WorkerPoolSize, cfg.ReasoningTimeout, a.logger)
	if err != nil {
		return fmt.Errorf("create invocation guard: %w", err)
	}

	llm, err := a.model(ctx)
	if err != nil {
		return err
	}

	extractor, err := extract.New(llm, pool, cfg.Currency, a.logger)
	if err != nil {
		return fmt.Errorf("create extractor: %w", err)
	}
	aggregator, err := report.New(expenses, cfg.Currency)
	if err != nil {
		return fmt.Errorf("create report aggregator: %w", err)
	}

	var toolOpts []tools.Option
	if cfg.AMQPURL != "" {
		pub, err := events.Dial(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPRoutingKey, a.logger)
		if err != nil {
			return fmt.Errorf("connect event publisher: %w", err)
		}
		a.closers = append(a.closers, pub.Close)
		toolOpts = append(toolOpts, tools.WithNotifier(pub))
	}
	registry, err := tools.New(extractor, expenses, aggregator, cfg.Currency, a.logger, toolOpts...)
	if err != nil {
		return fmt.Errorf("create tool registry: %w", err)
	}

	a.chat, err = usecase.NewChatService(llm, registry, state, pool, usecase.ChatConfig{
		DefaultTimezone: cfg.Timezone,
		Currency:        cfg.Currency,
		MaxIterations:   cfg.MaxAgentIterations,
		MaxMessageLen:   cfg.MaxMessageLength,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("create chat service: %w", err)
	}
	a.reports, err = usecase.NewReportService(aggregator, cfg.Timezone, a.logger)
	if err != nil {
		return fmt.Errorf("create report service: %w", err)
	}
	return nil
}

func (a *app) checkpoints(ctx context.Context) (usecase.StateReadWriter, error) {
	if a.cfg.CheckpointBackend == config.BackendDynamoDB {
		awsCfg, err := a.aws(ctx)
		if err != nil {
			return nil, err
		}
		repo, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), a.cfg.StateTable, repository.WithTTL(a.cfg.StateTTL))
		if err != nil {
			return nil, fmt.Errorf("create dynamodb checkpoints: %w", err)
		}
		return repo, nil
	}
	threads, err := storage.NewThreadStore(a.cfg.GraphStateDB)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	a.closers = append(a.closers, threads.Close)
	return threads, nil
}

func (a *app) model(ctx context.Context) (model, error) {
	cfg := a.cfg
	switch cfg.LLMProvider {
	case config.ProviderOpenAI:
		var keys openai.KeySource = openai.StaticKey(cfg.OpenAIAPIKey)
		if cfg.OpenAIAPIKey == "" {
			tok, err := a.token(ctx, config.ProviderOpenAI)
			if err != nil {
				return nil, err
			}
			keys = tok
		}
		c, err := openai.NewClient(keys, cfg.LLMModel,
			openai.WithBaseURL(cfg.OpenAIBaseURL),
			openai.WithTemperature(cfg.LLMTemperature),
			openai.WithMaxTokens(cfg.LLMMaxOutputTokens),
		)
		if err != nil {
			return nil, fmt.Errorf("create openai client: %w", err)
		}
		a.logger.Info("model provider ready", "provider", cfg.LLMProvider, "model", c.Model())
		return c, nil
	default:
		gc := gemini.Config{
			APIKey:          cfg.GeminiAPIKey,
			UseVertex:       cfg.GeminiUseVertex,
			Project:         cfg.GoogleProject,
			Location:        cfg.GoogleLocation,
			Model:           cfg.LLMModel,
			Temperature:     genai.Ptr(float32(cfg.LLMTemperature)),
			MaxOutputTokens: int32(cfg.LLMMaxOutputTokens),
		}
		if !gc.UseVertex && gc.APIKey == "" {
			// genai takes the key at construction, so resolve it now.
			tok, err := a.token(ctx, config.ProviderGemini)
			if err != nil {
				return nil, err
			}
			if gc.APIKey, err = tok.APIKey(ctx); err != nil {
				return nil, fmt.Errorf("resolve gemini token: %w", err)
			}
		}
		c, err := gemini.New(ctx, gc)
		if err != nil {
			return nil, fmt.Errorf("create gemini client: %w", err)
		}
		a.logger.Info("model provider ready", "provider", cfg.LLMProvider, "model", c.Model())
		return c, nil
	}
}

func (a *app) token(ctx context.Context, provider string) (*paramstore.Token, error) {
	awsCfg, err := a.aws(ctx)
	if err != nil {
		return nil, err
	}
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, fmt.Errorf("create SSM client: %w", err)
	}
	tok, err := paramstore.NewToken(ssmClient, paramstore.TokenName(a.cfg.ParamPrefix, provider))
	if err != nil {
		return nil, fmt.Errorf("create %s token source: %w", provider, err)
	}
	return tok, nil
}

func (a *app) aws(ctx context.Context) (aws.Config, error) {
	a.awsOnce.Do(func() {
		a.awsCfg, a.awsErr = awsconfig.LoadDefaultConfig(ctx)
		if a.awsErr != nil {
			a.awsErr = fmt.Errorf("load AWS config: %w", a.awsErr)
		}
	})
	return a.awsCfg, a.awsErr
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
