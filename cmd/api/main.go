package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"larabbs.org/internal/auth"
	"larabbs.org/internal/captcha"
	"larabbs.org/internal/config"
	"larabbs.org/internal/grpcapi"
	"larabbs.org/internal/httpapi"
	"larabbs.org/internal/migrate"
	"larabbs.org/internal/obs"
	"larabbs.org/internal/ratelimit"
	"larabbs.org/internal/sms"
	"larabbs.org/internal/social"
	"larabbs.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

const sweepInterval = time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Metrics registry and JSON logger.
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		db      *sql.DB
		store   auth.Store
		limiter ratelimit.Limiter
	)
	if cfg.DatabaseDSN != "" {
		db, err = pg.Open(ctx, cfg.DatabaseDSN, pg.PoolOptions{})
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		if cfg.AutoMigrate {
			mgr, err := migrate.NewManager(db)
			if err != nil {
				log.Fatalf("migrate: %v", err)
			}
			if _, err := mgr.Up(ctx); err != nil {
				log.Fatalf("migrate: %v", err)
			}
		}
		store = auth.NewPGStore(db)
		pgLimiter, err := ratelimit.NewPostgres(db, cfg.RateLimits)
		if err != nil {
			log.Fatalf("rate limiter: %v", err)
		}
		limiter = pgLimiter
		go pruneWindows(ctx, pgLimiter)
	} else {
		obs.Warn("memory_store_in_use", "reason", "LARABBS_PG_DSN is not set")
		mem := auth.NewMemoryStore()
		store = mem
		go sweep(ctx, func() {
			if n := mem.Prune(time.Now()); n > 0 {
				obs.Info("memory_store_pruned", "removed", n)
			}
		})
		memLimiter, err := ratelimit.NewMemory(cfg.RateLimits)
		if err != nil {
			log.Fatalf("rate limiter: %v", err)
		}
		limiter = memLimiter
		go memLimiter.Run(ctx, sweepInterval)
	}

	var sender sms.Sender = sms.LogSender{}
	if cfg.SMS.URL != "" {
		sender, err = sms.NewHTTPSender(sms.HTTPSenderConfig{URL: cfg.SMS.URL, Token: cfg.SMS.Token, Timeout: cfg.SMS.Timeout})
		if err != nil {
			log.Fatalf("sms: %v", err)
		}
	}

	tokens, err := auth.NewTokens(store.Tokens(), []byte(cfg.Auth.Secret),
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithTokenTTL(cfg.Auth.TokenTTL),
	)
	if err != nil {
		log.Fatalf("tokens: %v", err)
	}
	svc, err := auth.NewService(auth.ServiceConfig{
		Store:     store,
		Tokens:    tokens,
		Codes:     auth.NewCodes(store.Codes(), sender, auth.WithCodeTTL(cfg.Auth.CodeTTL)),
		Providers: providers(cfg.Social),
	})
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	captchas := captcha.NewMemoryStore()
	go sweep(ctx, func() { captchas.Prune() })

	proxies, err := cfg.HTTP.TrustedProxyPrefixes()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ready := httpapi.ReadyProbe{DB: db}
	api := httpapi.New(httpapi.Deps{
		Auth:    svc,
		Captcha: captcha.NewService(captchas, captcha.WithTTL(cfg.Auth.CaptchaTTL)),
		Limiter: limiter,
		Ready:   ready,
		Version: version,
	},
		httpapi.WithIPLimit(cfg.IPLimit.RPS, cfg.IPLimit.Burst),
		httpapi.WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes),
		httpapi.WithCORSOrigins(cfg.HTTP.CORSOrigins),
		httpapi.WithTrustedProxies(proxies),
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcSrv := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcapi.UnaryLogging))
	verifier := grpcapi.NewServer(tokens, ready)
	verifier.Register(grpcSrv)
	go verifier.WatchReadiness(ctx, 10*time.Second)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("grpc listen: %v", err)
	}

	obs.Info("starting", "service", "larabbs-api", "version", version, "env", cfg.Env,
		"http_addr", cfg.HTTPAddr, "grpc_addr", cfg.GRPCAddr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()
	go func() {
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Fatalf("grpc serve: %v", err)
		}
	}()

	<-ctx.Done()
	obs.Info("shutting_down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	stopGRPC(shutdownCtx, grpcSrv)
	if db != nil {
		_ = db.Close()
	}
	obs.Info("stopped")
}

func providers(cfg config.SocialConfig) *social.Registry {
	opts := social.ClientOptions{Timeout: cfg.Timeout, MaxRetries: cfg.MaxRetries}
	reg := social.NewRegistry()
	if cfg.Weixin.Enabled() {
		reg.Register(social.NewWeixin(social.WeixinConfig{
			AppID:     cfg.Weixin.ClientID,
			AppSecret: cfg.Weixin.ClientSecret,
			BaseURL:   cfg.Weixin.BaseURL,
		}, opts))
	}
	if cfg.GitHub.Enabled() {
		reg.Register(social.NewGitHub(social.GitHubConfig{
			ClientID:     cfg.GitHub.ClientID,
			ClientSecret: cfg.GitHub.ClientSecret,
			OAuthURL:     cfg.GitHub.BaseURL,
			APIURL:       cfg.GitHub.BaseURL,
		}, opts))
	}
	return reg
}

func pruneWindows(ctx context.Context, p *ratelimit.Postgres) {
	sweep(ctx, func() {
		if _, err := p.Prune(ctx); err != nil && ctx.Err() == nil {
			obs.Warn("rate_limit_prune_failed", "error", err)
		}
	})
}

func sweep(ctx context.Context, fn func()) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// stopGRPC drains in-flight calls, falling back to a hard stop at the deadline.
func stopGRPC(ctx context.Context, s *grpc.Server) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.Stop()
	}
}
