// Package app はゲートウェイの起動処理とサブコマンドを提供する。
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/poglygate/internal/auth"
	"github.com/hitoshi/poglygate/internal/config"
	"github.com/hitoshi/poglygate/internal/database"
	"github.com/hitoshi/poglygate/internal/handler"
	"github.com/hitoshi/poglygate/internal/logger"
	"github.com/hitoshi/poglygate/internal/metrics"
	"github.com/hitoshi/poglygate/internal/middleware"
	"github.com/hitoshi/poglygate/internal/proxy"
	"github.com/hitoshi/poglygate/internal/repository"
	"github.com/hitoshi/poglygate/internal/rewrite"
	"github.com/hitoshi/poglygate/internal/route"
	"github.com/hitoshi/poglygate/internal/security"
	"github.com/hitoshi/poglygate/internal/user"
	"github.com/hitoshi/poglygate/internal/worker/cleanup"
)

// shutdownTimeout はグレースフルシャットダウンの待ち時間。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, os.Getenv("LOG_LEVEL"))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("METRICS_PORT")
		if port == "" {
			port = "9090"
		}
		return runHealthcheck(fmt.Sprintf("http://localhost:%s/healthz", port))
	}

	var provision ProvisionArgs
	switch cmd {
	case CommandProvision:
		var ok bool
		if provision, ok = ParseProvisionArgs(args[1:]); !ok {
			return errors.New("usage: provision <user-id> <upstream-token> [username]")
		}
	case CommandRevoke:
		if len(args) != 2 || args[1] == "" {
			return errors.New("usage: revoke <user-id>")
		}
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("addr", cfg.ListenAddr()),
		slog.String("upstream", cfg.UpstreamURL),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandCleanup:
		return runCleanup(cfg)
	case CommandProvision:
		return runProvision(cfg, provision)
	case CommandRevoke:
		return runRevoke(cfg, args[1])
	default:
		return runServe(cfg)
	}
}

// runServe はゲートウェイを起動する。
// マイグレーション適用後に全依存関係をワイヤリングし、ゲートウェイとメトリクスのHTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続とマイグレーション
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	// 2. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	// 3. ゲートウェイの構築
	gw, err := newGateway(cfg, db, collector)
	if err != nil {
		return err
	}
	defer gw.connector.Close()

	server := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           gw.handler,
		ReadHeaderTimeout: 15 * time.Second,
		// WebSocket中継を切断しないよう、WriteTimeoutは設定しない
		IdleTimeout: 60 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           metrics.SetupMetricsRoute(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. 期限切れセッションの定期削除
	cleanupJob := cleanup.NewCleanupJob(repository.NewPostgresSessionRepo(db), slog.Default())
	go cleanupJob.Start(ctx, cfg.SessionCleanupInterval)

	errc := make(chan error, 2)
	for _, srv := range []*http.Server{server, metricsServer} {
		go func() {
			slog.Info("server starting", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("failed to listen on %s: %w", srv.Addr, err)
			}
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down gateway...")
	case serveErr = <-errc:
		slog.Error("server listen error", slog.String("error", serveErr.Error()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}

	if serveErr != nil {
		return serveErr
	}
	slog.Info("gateway stopped gracefully")
	return nil
}

// gateway はrunServeが起動するHTTPハンドラーとその後始末対象。
type gateway struct {
	handler   http.Handler
	connector *proxy.Connector
}

// newGateway は設定とDBからルーター一式を組み立てる。
// DBへの接続はリクエスト処理時まで行わない。
func newGateway(cfg *config.Config, db *sql.DB, collector *metrics.Collector) (*gateway, error) {
	// リポジトリ
	sessionRepo := repository.NewPostgresSessionRepo(db)
	credentialStore := repository.NewPostgresCredentialStore(db)

	// IdPクライアント（SSRF防止、レート制限付き）
	provider := auth.NewTwitchOAuthProvider(auth.TwitchOAuthConfig{
		ClientID:     cfg.TwitchClientID,
		ClientSecret: cfg.TwitchClientSecret,
		HTTPClient:   security.NewSafeClient(cfg.IDPTimeout),
		RateLimit:    cfg.IDPRateLimit,
		RateBurst:    cfg.IDPRateBurst,
	})

	// セッション
	signer := auth.NewCookieSigner(cfg.SessionSecret)
	manager := auth.NewManager(credentialStore, sessionRepo, provider, signer, collector, auth.ManagerConfig{
		RevalidateInterval: cfg.RevalidateInterval,
	})
	authService := auth.NewService(provider, credentialStore, sessionRepo, security.NewDisplayNameSanitizer(),
		auth.ServiceConfig{SessionMaxAge: cfg.SessionMaxAge},
	)

	// アップストリーム
	connector, err := proxy.NewConnector(proxy.Config{
		UpstreamURL:  cfg.UpstreamURL,
		Timeout:      cfg.UpstreamTimeout,
		MaxIdleConns: cfg.UpstreamMaxIdleConns,
		StripCookies: []string{middleware.SessionCookieName},
		ForceSecure:  cfg.ForceSecure,
		TrustProxy:   cfg.TrustProxy,
	}, collector, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream connector: %w", err)
	}

	resolver := middleware.NewSessionResolver(manager, cfg.ForceSecure)
	gatewayHandler := handler.NewGatewayHandler(handler.GatewayConfig{
		Classifier: route.NewClassifier(cfg.HealthPaths, cfg.UpstreamModules),
		Resolver:   resolver,
		Upstream:   connector,
		Rewriter:   rewrite.New(cfg.RewriteMaxBytes),
		Recorder:   collector,
		Addressing: route.Addressing{ForceSecure: cfg.ForceSecure, TrustProxy: cfg.TrustProxy},
	})

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:      slog.Default(),
		AuthService: authService,
		Cookies:     signer,
		AuthConfig: handler.AuthHandlerConfig{
			PublicURL:    cfg.PublicURL,
			CookieSecure: cfg.ForceSecure,
			TrustProxy:   cfg.TrustProxy,
		},
		Resolver: resolver,
		Gateway:  gatewayHandler,
	})

	return &gateway{handler: router, connector: connector}, nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runCleanup は期限切れセッションを1回だけ削除する。
func runCleanup(cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	job := cleanup.NewCleanupJob(repository.NewPostgresSessionRepo(db), slog.Default())
	return job.Run(context.Background())
}

// runProvision はユーザーのアップストリームトークンを登録する。
func runProvision(cfg *config.Config, args ProvisionArgs) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	svc := newUserService(db)
	return svc.Provision(context.Background(), args.UserID, args.UpstreamToken, args.Username)
}

// runRevoke はユーザーのアップストリームトークンを取り消し、ログイン中のセッションを破棄する。
func runRevoke(cfg *config.Config, userID string) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	svc := newUserService(db)
	return svc.Revoke(context.Background(), userID)
}

func newUserService(db *sql.DB) *user.Service {
	return user.NewService(
		repository.NewPostgresCredentialStore(db),
		repository.NewPostgresSessionRepo(db),
	)
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")
	return db, nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// メトリクスサーバーの /healthz にHTTPリクエストを送り、結果を返す。
func runHealthcheck(url string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
