package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/anthropics/feishu-matrix-bridge/internal/admin"
	"github.com/anthropics/feishu-matrix-bridge/internal/conf"
	"github.com/anthropics/feishu-matrix-bridge/internal/deadletter"
	"github.com/anthropics/feishu-matrix-bridge/internal/dispatch"
	"github.com/anthropics/feishu-matrix-bridge/internal/feishugw"
	"github.com/anthropics/feishu-matrix-bridge/internal/flow"
	"github.com/anthropics/feishu-matrix-bridge/internal/matrixas"
	"github.com/anthropics/feishu-matrix-bridge/internal/metrics"
	"github.com/anthropics/feishu-matrix-bridge/internal/runtime"
	"github.com/anthropics/feishu-matrix-bridge/internal/store"
	"github.com/anthropics/feishu-matrix-bridge/internal/webhook"
)

var configPath string
var generateConfig bool

var rootCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Matrix <-> Feishu chat bridge",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "config.yaml", "path to the bridge's YAML config file")
	rootCmd.Flags().BoolVar(&generateConfig, "generate-config", false, "write a default config to --config and exit")
}

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Println("[bridge] no .env file found, using environment variables")
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if generateConfig {
		return writeDefaultConfig(configPath)
	}

	cfg, err := conf.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := newLogger(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	stores, err := store.Open(cfg.Appservice.Database.URI, 10, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer stores.Close()

	storeBundle := &store.Stores{
		Rooms:       stores,
		Users:       stores,
		Messages:    stores,
		Events:      stores,
		DeadLetters: stores,
		Media:       stores,
	}

	feishu := feishugw.NewGateway(cfg.Bridge.AppID, cfg.Bridge.AppSecret, feishugw.RetryConfig{
		MaxAttempts: cfg.Feishu.MaxRetries,
		BaseDelay:   time.Duration(cfg.Feishu.RetryBaseMS) * time.Millisecond,
		MaxDelay:    8 * time.Second,
	}, log)

	matrixOut := matrixas.NewHomeserverClient(cfg.Homeserver.Address, cfg.Appservice.ASToken, cfg.Appservice.BotUser, 25<<20, log)

	policy := dispatch.Policy{
		BlockedMatrixMsgTypes:  cfg.Bridge.BlockedMatrixMsgTypes,
		MaxTextLength:          cfg.Bridge.MaxTextLength,
		MaxMediaSize:           cfg.Bridge.MaxMediaSize,
		BridgeMatrixReply:      cfg.Bridge.BridgeMatrixReply,
		BridgeMatrixEdit:       cfg.Bridge.BridgeMatrixEdit,
		BridgeMatrixReactions:  cfg.Bridge.BridgeMatrixReactions,
		BridgeMatrixRedactions: cfg.Bridge.BridgeMatrixRedactions,
		AllowImages:            cfg.Bridge.AllowImages,
		AllowAudio:             cfg.Bridge.AllowAudio,
		AllowVideos:            cfg.Bridge.AllowVideos,
		AllowFiles:             cfg.Bridge.AllowFiles,
		EnableFailureDegrade:   cfg.Bridge.EnableFailureDegrade,
		RateLimitPerRoom:       cfg.Bridge.RateLimitPerRoom,
		RateLimitWindow:        cfg.Bridge.RateLimitWindow,
		UserProfileTTL:         cfg.Bridge.UserProfileTTL,
	}

	translator := flow.Translator{}
	reg := metrics.NewRegistry()

	matrixDispatcher := dispatch.NewMatrixDispatcher(storeBundle, feishu, matrixOut, translator, policy, log)
	matrixDispatcher.SetMetrics(reg)
	feishuDispatcher := dispatch.NewFeishuDispatcher(storeBundle, feishu, matrixOut, translator, policy, log)
	replayer := deadletter.NewReplayer(storeBundle, feishuDispatcher, log)

	webhookHandler := webhook.NewHandler(webhook.Config{
		ListenSecret:      cfg.Bridge.ListenSecret,
		EncryptKey:        cfg.Bridge.EncryptKey,
		VerificationToken: cfg.Bridge.VerificationToken,
	}, feishuDispatcher, replayer, storeBundle.Events, reg, log)

	txnHandler := webhook.NewTxnHandler(storeBundle, matrixDispatcher, matrixOut, policy, cfg.Bridge.SelfServiceEnabled, log)
	appserviceAdapter := matrixas.NewAdapter(cfg.Appservice.HSToken, txnHandler, log)

	pending := admin.NewPendingCoordinator()

	deleteToken := cfg.Provision.DeleteToken
	if deleteToken == "" {
		deleteToken = cfg.Provision.AdminToken
	}
	adminSrv := admin.NewServer(admin.Config{
		Tokens: admin.Tokens{
			Read:   cfg.Provision.ReadToken,
			Write:  cfg.Provision.WriteToken,
			Delete: deleteToken,
		},
	}, storeBundle, replayer, pending, log)

	rt := runtime.New(matrixDispatcher.Limiter(), pending, storeBundle, log)
	rt.PendingApprovalTTL = cfg.Provision.ApprovalTTL

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("start runtime sweeps: %w", err)
	}
	defer rt.Stop()

	mux := http.NewServeMux()
	mux.Handle("/webhook", webhookHandler)
	health := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/health", health)
	mux.Handle("/healthz", health)
	mux.Handle("/_matrix/app/v1/", adminSrv.Handler())
	mux.Handle("/_matrix/app/v1/transactions/", appserviceAdapter.Mux())
	mux.Handle("/_matrix/app/v1/users/", appserviceAdapter.Mux())
	mux.Handle("/_matrix/app/v1/rooms/", appserviceAdapter.Mux())
	mux.Handle("/_matrix/app/v1/thirdparty/", appserviceAdapter.Mux())
	mux.Handle("/_matrix/app/transactions/", appserviceAdapter.Mux())
	mux.Handle("/admin/", adminSrv.Handler())

	server := &http.Server{Addr: cfg.Bridge.ListenAddress, Handler: mux}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
		cancel()
	}()

	log.Info("bridge listening", zap.String("address", cfg.Bridge.ListenAddress))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func writeDefaultConfig(path string) error {
	data, err := yaml.Marshal(conf.Default())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Printf("[bridge] wrote default config to %s\n", path)
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if l, err := zap.ParseAtomicLevel(level); err == nil {
		cfg.Level = l
	}
	return cfg.Build()
}
