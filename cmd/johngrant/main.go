package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dropDatabas3/johngrant/internal/ciba"
	"github.com/dropDatabas3/johngrant/internal/client"
	"github.com/dropDatabas3/johngrant/internal/config"
	"github.com/dropDatabas3/johngrant/internal/crypto"
	"github.com/dropDatabas3/johngrant/internal/grant"
	"github.com/dropDatabas3/johngrant/internal/httpapi"
	"github.com/dropDatabas3/johngrant/internal/oauth2"
	"github.com/dropDatabas3/johngrant/internal/observability/logger"
	"github.com/dropDatabas3/johngrant/internal/rate"
	"github.com/dropDatabas3/johngrant/internal/storage"
	"github.com/dropDatabas3/johngrant/internal/storage/memory"
	"github.com/dropDatabas3/johngrant/internal/storage/pg"
	"github.com/dropDatabas3/johngrant/internal/storage/redis"
	"github.com/dropDatabas3/johngrant/internal/token"
	"github.com/dropDatabas3/johngrant/internal/uma"
)

var version = "dev"

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	var cfgPath string

	root := &cobra.Command{
		Use:   "johngrant",
		Short: "OAuth2/OIDC/UMA grant & token lifecycle engine",
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "ruta del config YAML")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Levanta el servidor HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cfgPath)
		},
	}

	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Barre registros vencidos una vez y sale",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPurge(cfgPath)
		},
	}

	var secretPlain string
	hashSecretCmd := &cobra.Command{
		Use:   "hash-secret",
		Short: "Genera el PHC argon2id de un client secret para el YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secretPlain == "" {
				return fmt.Errorf("--secret es requerido")
			}
			phc, err := client.HashSecret(client.DefaultSecretParams, secretPlain)
			if err != nil {
				return err
			}
			fmt.Println(phc)
			return nil
		},
	}
	hashSecretCmd.Flags().StringVar(&secretPlain, "secret", "", "secreto plano a hashear")

	root.AddCommand(serveCmd, purgeCmd, hashSecretCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Init(logger.Config{
		Env:         cfg.App.Env,
		Level:       cfg.Log.Level,
		ServiceName: "johngrant",
		Version:     version,
	})
	defer func() { _ = logger.Sync() }()
	log := logger.L()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = backend.Close() }()

	keys := crypto.NewKeystore()
	if err := keys.EnsureBootstrap(crypto.AlgEdDSA, crypto.AlgES256); err != nil {
		return fmt.Errorf("bootstrap keys: %w", err)
	}

	factory := token.NewFactory(token.Deps{
		Issuer:     cfg.Tokens.Issuer,
		Keys:       keys,
		DefaultAlg: crypto.Alg(cfg.Tokens.DefaultAlg),
		AccessTTL:  config.Dur(cfg.Tokens.AccessTTL),
		RefreshTTL: config.Dur(cfg.Tokens.RefreshTTL),
		IDTTL:      config.Dur(cfg.Tokens.IDTTL),
		RPTTTL:     config.Dur(cfg.Tokens.RPTTTL),
	})

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	store := grant.NewStore(backend)
	engine := grant.NewEngine(grant.Deps{
		Store:                  store,
		Clients:                registry,
		Factory:                factory,
		CodeTTL:                config.Dur(cfg.Grants.CodeTTL),
		GrantTTL:               config.Dur(cfg.Grants.GrantTTL),
		DisableRefreshRotation: cfg.Grants.DisableRefreshRotation,
	})

	var box *crypto.SecretBox
	if cfg.Security.SecretBoxMasterKey != "" {
		box, err = crypto.NewSecretBox(cfg.Security.SecretBoxMasterKey)
		if err != nil {
			return fmt.Errorf("secretbox: %w", err)
		}
	}

	cibaCtrl := ciba.NewController(ciba.Deps{
		Backend:         backend,
		Clients:         registry,
		Engine:          engine,
		Notifier:        ciba.NewHTTPNotifier(config.Dur(cfg.CIBA.NotifyTimeout)),
		Box:             box,
		DefaultInterval: config.Dur(cfg.CIBA.DefaultInterval),
		MaxLifetime:     config.Dur(cfg.CIBA.MaxLifetime),
		GrantTTL:        config.Dur(cfg.Grants.GrantTTL),
	})

	umaCtrl := uma.NewController(uma.Deps{
		Backend:   backend,
		Clients:   registry,
		Grants:    store,
		Factory:   factory,
		Policy:    uma.AllowAll,
		TicketTTL: config.Dur(cfg.UMA.TicketTTL),
		RPTTTL:    config.Dur(cfg.Tokens.RPTTTL),
		GrantTTL:  config.Dur(cfg.Grants.GrantTTL),
	})

	sweeper := grant.NewSweeper(store, config.Dur(cfg.Grants.SweepInterval))
	go sweeper.Run(ctx)

	srv := httpapi.NewServer(httpapi.Deps{
		Engine:  engine,
		CIBA:    cibaCtrl,
		UMA:     umaCtrl,
		Keys:    keys,
		Clients: registry,
		Limiter: buildLimiter(cfg, backend),
	})

	log.Info("server starting", logger.String("addr", cfg.Server.Addr))
	return srv.Start(ctx, cfg.Server.Addr)
}

func runPurge(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Init(logger.Config{Env: cfg.App.Env, Level: cfg.Log.Level, ServiceName: "johngrant"})
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = backend.Close() }()

	n, err := grant.NewStore(backend).PurgeExpired(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	fmt.Printf("purged %d expired records\n", n)
	return nil
}

func openBackend(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		p, err := pg.New(ctx, cfg.Storage.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		if cfg.Flags.Migrate {
			if err := p.Migrate(ctx); err != nil {
				_ = p.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		return p, nil
	case "redis":
		return redis.New(redis.Config{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
			Prefix:   cfg.Storage.Redis.Prefix,
		})
	default:
		return memory.New(), nil
	}
}

// buildLimiter arma el rate limiter de los endpoints de emisión. Con
// backend redis comparte la conexión; si no, fixed window in-process.
func buildLimiter(cfg *config.Config, backend storage.Backend) rate.Limiter {
	max := cfg.Server.RateLimit.Max
	if max <= 0 {
		return nil
	}
	window := config.Dur(cfg.Server.RateLimit.Window)
	if r, ok := backend.(*redis.Redis); ok {
		return rate.NewRedisLimiter(r.Client(), cfg.Storage.Redis.Prefix+"rl:", max, window)
	}
	return rate.NewMemoryLimiter(max, window)
}

// buildRegistry arma el registro estático desde el YAML.
func buildRegistry(cfg *config.Config) (client.Registry, error) {
	clients := make([]*client.Client, 0, len(cfg.Clients))
	for i := range cfg.Clients {
		cc := &cfg.Clients[i]
		grants := make([]oauth2.GrantType, 0, len(cc.GrantTypes))
		for _, g := range cc.GrantTypes {
			grants = append(grants, oauth2.GrantType(g))
		}
		clients = append(clients, &client.Client{
			ClientID:            cc.ClientID,
			Name:                cc.Name,
			Type:                client.Type(cc.Type),
			AuthMethod:          client.AuthMethod(cc.AuthMethod),
			SecretHash:          cc.SecretHash,
			GrantTypes:          grants,
			RedirectURIs:        cc.RedirectURIs,
			Scopes:              cc.Scopes,
			RequirePKCE:         cc.RequirePKCE,
			TokenAlg:            crypto.Alg(cc.TokenAlg),
			AccessTokenTTL:      config.Dur(cc.AccessTokenTTL),
			RefreshTokenTTL:     config.Dur(cc.RefreshTokenTTL),
			IDTokenTTL:          config.Dur(cc.IDTokenTTL),
			Backchannel:         client.BackchannelMode(cc.Backchannel),
			BackchannelEndpoint: cc.BackchannelEndpoint,
		})
	}
	return client.NewStaticRegistry(clients...), nil
}
