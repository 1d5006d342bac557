package saled

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"halloffame/core/events"
	"halloffame/integrations/webhooks"
	"halloffame/native/bank"
	"halloffame/native/mint"
	"halloffame/native/sale"
	"halloffame/observability"
	"halloffame/storage"
	"halloffame/storage/receipts"
)

// App is a fully wired sale daemon.
type App struct {
	Server      *Server
	Engine      *sale.Engine
	Bank        *bank.Memory
	Receipts    *receipts.Store
	Broadcaster *events.Broadcaster

	db         storage.Database
	mintDB     storage.Database
	dispatcher *webhooks.Dispatcher
	tokens     interface{ Wait() }
}

// Build wires storage, the coordinator and the HTTP API from cfg.
func Build(cfg Config, logger *slog.Logger) (app *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	app = &App{}
	defer func() {
		if err != nil {
			app.Close()
			app = nil
		}
	}()

	if strings.TrimSpace(cfg.LedgerPath) == "" {
		app.db = storage.NewMemDB()
	} else {
		ldb, err := storage.NewLevelDB(cfg.LedgerPath)
		if err != nil {
			return app, fmt.Errorf("open ledger: %w", err)
		}
		app.db = ldb
	}

	initial, err := cfg.InitialSale()
	if err != nil {
		return app, fmt.Errorf("sale config: %w", err)
	}
	ledger, err := sale.NewLedger(sale.NewKVState(app.db), initial, cfg.Sale.Operators...)
	if err != nil {
		return app, fmt.Errorf("open sale ledger: %w", err)
	}

	app.Broadcaster = events.NewBroadcaster()
	emitters := events.Multi{app.Broadcaster}
	if cfg.Webhook.Endpoint != "" {
		opts := []webhooks.Option{webhooks.WithLogger(logger.With("component", "webhooks"))}
		topics := cfg.Webhook.Topics
		if len(topics) == 0 {
			topics = []string{sale.EventTypePurchaseSettled, sale.EventTypePurchaseCompensated, sale.EventTypeSettlementFault}
		}
		opts = append(opts, webhooks.WithTopics(topics...))
		if cfg.Webhook.MaxAttempts > 0 {
			opts = append(opts, webhooks.WithRetryPolicy(cfg.Webhook.MaxAttempts, 0, 0))
		}
		app.dispatcher, err = webhooks.NewDispatcher(cfg.Webhook.Endpoint, []byte(cfg.Webhook.Secret), opts...)
		if err != nil {
			return app, err
		}
		emitters = append(emitters, app.dispatcher)
	}
	ledger.SetEmitter(emitters)

	app.Bank, err = bank.NewMemory(cfg.Coordinator)
	if err != nil {
		return app, err
	}
	for account, balance := range cfg.Balances {
		amount, err := sale.ParseAmount(balance)
		if err != nil {
			return app, fmt.Errorf("balance for %s: %w", account, err)
		}
		if err := app.Bank.Fund(account, amount); err != nil {
			return app, fmt.Errorf("fund %s: %w", account, err)
		}
	}

	app.Receipts, err = receipts.Open(cfg.Receipts.Driver, cfg.Receipts.DSN)
	if err != nil {
		return app, fmt.Errorf("open receipts: %w", err)
	}

	registryDB := app.db
	if path := strings.TrimSpace(cfg.Mint.Local.Path); path != "" && cfg.Mint.Endpoint == "" {
		ldb, err := storage.NewLevelDB(path)
		if err != nil {
			return app, fmt.Errorf("open mint registry: %w", err)
		}
		app.mintDB = ldb
		registryDB = ldb
	}
	tokens, err := buildTokenService(cfg, registryDB, emitters, logger)
	if err != nil {
		return app, err
	}
	app.tokens = tokens

	params, err := cfg.SaleParams()
	if err != nil {
		return app, fmt.Errorf("sale params: %w", err)
	}
	app.Engine, err = sale.NewEngine(ledger, tokens, app.Bank,
		sale.WithLogger(logger.With("component", "engine")),
		sale.WithEmitter(emitters),
		sale.WithMetrics(observability.Sale()),
		sale.WithJournal(app.Receipts),
		sale.WithParams(params),
	)
	if err != nil {
		return app, err
	}
	if cfg.PauseOnStart {
		app.Engine.Pause()
	}

	auth, err := NewAuthenticator(cfg.Auth, logger)
	if err != nil {
		return app, err
	}
	app.Server, err = NewServer(Deps{
		Engine:      app.Engine,
		Receipts:    app.Receipts,
		Broadcaster: app.Broadcaster,
		Bank:        app.Bank,
		Auth:        auth,
		Limiter:     NewRateLimiter(cfg.RateLimit),
		Logger:      logger,
		WaitTimeout: cfg.WaitTimeout.Duration,
		RequireGas:  cfg.RequirePrepaidGas,
	})
	if err != nil {
		return app, err
	}
	logger.Info("sale engine ready", "owner", ledger.Config().Owner, "params", params.String())
	return app, nil
}

type waitingTokenService interface {
	sale.TokenService
	Wait()
}

func buildTokenService(cfg Config, db storage.Database, emitter events.Emitter, logger *slog.Logger) (waitingTokenService, error) {
	if cfg.Mint.Endpoint != "" {
		return NewMintClient(cfg.Mint.Endpoint, cfg.Mint.APIToken, cfg.Mint.Timeout.Duration,
			WithMintLogger(logger.With("component", "mint-client")),
			WithMintRetry(cfg.Mint.MaxAttempts, 0, 0))
	}
	registry, err := mint.NewRegistry(db, mint.Options{
		Owner:     cfg.Sale.TokenService,
		Operators: []string{cfg.Coordinator},
		MaxSupply: cfg.Mint.Local.MaxSupply,
		Partial:   cfg.Mint.Local.Partial,
	})
	if err != nil {
		return nil, fmt.Errorf("open mint registry: %w", err)
	}
	registry.SetEmitter(emitter)
	return mint.NewService(registry, cfg.Coordinator,
		mint.WithDelay(cfg.Mint.Local.Delay.Duration),
		mint.WithLogger(logger.With("component", "mint")),
		mint.WithMetrics(observability.Mintd())), nil
}

// Close waits for outstanding mint calls and releases storage.
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	if a.tokens != nil {
		a.tokens.Wait()
	}
	if a.dispatcher != nil {
		a.dispatcher.Close()
	}
	var errs []error
	if a.Receipts != nil {
		errs = append(errs, a.Receipts.Close())
	}
	if a.mintDB != nil {
		errs = append(errs, a.mintDB.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}
