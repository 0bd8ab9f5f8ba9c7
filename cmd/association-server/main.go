// Package main provides the association registry server entry point.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/golang/glog"
	"github.com/spf13/viper"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/carconnect/association-registry/pkg/adapters/deviceregistry"
	"github.com/carconnect/association-registry/pkg/adapters/identity"
	"github.com/carconnect/association-registry/pkg/adapters/notify"
	"github.com/carconnect/association-registry/pkg/association"
)

func main() {
	var (
		listenAddr string
		configPath string
		policyPath string
	)

	flag.StringVar(&listenAddr, "listen", ":8080", "Address to listen on")
	flag.StringVar(&configPath, "config", "", "Path to server config file (YAML)")
	flag.StringVar(&policyPath, "policy", "/config/policy.yaml", "Path to engine policy file")
	flag.Parse()

	_ = flag.Set("logtostderr", "true")

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	v := viper.New()
	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", "associations.db")
	v.SetDefault("identity.url", "http://localhost:9090")
	v.SetDefault("notify.mode", "none")
	v.SetDefault("auth.mode", "none")
	v.SetDefault("audit.retentionDays", 90)
	v.SetDefault("registry.cacheSize", 1024)
	v.SetDefault("registry.cacheTtlSeconds", 60)
	v.SetEnvPrefix("ASSOC")
	v.AutomaticEnv()
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			glog.Fatalf("Failed to read config %s: %v", configPath, err)
		}
	}

	policy, err := association.LoadPolicy(policyPath)
	if err != nil {
		glog.Fatalf("Failed to load policy: %v", err)
	}

	logger.Info("starting association registry",
		"listen", listenAddr,
		"dbType", v.GetString("database.type"),
		"manyToMany", policy.ManyToMany,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	gormDB, err := setupDatabase(v.GetString("database.type"), v.GetString("database.dsn"))
	if err != nil {
		glog.Fatalf("Failed to connect to database: %v", err)
	}

	store := association.NewStore(gormDB)
	if err := store.AutoMigrate(); err != nil {
		glog.Fatalf("Failed to migrate association tables: %v", err)
	}
	auditStore := association.NewAuditStore(gormDB)

	registry := deviceregistry.NewStore(gormDB)
	if err := registry.AutoMigrate(); err != nil {
		glog.Fatalf("Failed to migrate device registry table: %v", err)
	}

	identityClient := identity.NewClient(v.GetString("identity.url"))

	var notifier association.NotificationAdapter
	switch mode := v.GetString("notify.mode"); mode {
	case "mqtt":
		mqttNotifier, err := notify.ConnectMQTT(notify.MQTTConfig{
			BrokerURL:   v.GetString("notify.mqtt.brokerUrl"),
			ClientID:    v.GetString("notify.mqtt.clientId"),
			Username:    v.GetString("notify.mqtt.username"),
			Password:    v.GetString("notify.mqtt.password"),
			TopicPrefix: v.GetString("notify.mqtt.topicPrefix"),
		}, logger)
		if err != nil {
			glog.Fatalf("Failed to connect to MQTT broker: %v", err)
		}
		defer mqttNotifier.Close()
		notifier = mqttNotifier
		logger.Info("using MQTT notifier", "broker", v.GetString("notify.mqtt.brokerUrl"))
	case "webhook":
		notifier = notify.NewWebhookNotifier(v.GetString("notify.webhook.url"))
		logger.Info("using webhook notifier", "url", v.GetString("notify.webhook.url"))
	case "none", "":
		notifier = notify.NoopNotifier{}
		logger.Info("lifecycle notifications disabled")
	default:
		glog.Fatalf("Unknown notify mode: %q (expected mqtt, webhook, or none)", mode)
	}

	engine := association.NewEngine(store, auditStore, registry, identityClient, notifier, policy)
	engine.SetLogger(logger)
	engine.SetIdentityReader(deviceregistry.NewCachedReader(registry,
		v.GetInt("registry.cacheSize"),
		time.Duration(v.GetInt("registry.cacheTtlSeconds"))*time.Second))
	orchestrator := association.NewWipeOrchestrator(engine)

	retention := association.NewRetentionWorker(auditStore, v.GetInt("audit.retentionDays"), logger)
	go retention.Run(ctx)

	var actors association.ActorExtractor
	switch mode := v.GetString("auth.mode"); mode {
	case "jwt":
		actors, err = association.NewJWTActorExtractor(association.ActorExtractorConfig{
			SubjectClaim:   v.GetString("auth.jwt.subjectClaim"),
			RoleClaim:      v.GetString("auth.jwt.roleClaim"),
			AdminRoleValue: v.GetString("auth.jwt.adminValue"),
			PublicKeyPath:  v.GetString("auth.jwt.publicKeyPath"),
			Issuer:         v.GetString("auth.jwt.issuer"),
			Audience:       v.GetString("auth.jwt.audience"),
			Logger:         logger,
		})
		if err != nil {
			glog.Fatalf("Failed to configure JWT auth: %v", err)
		}
		logger.Info("using JWT auth")
	case "header":
		// Development mode: trust X-User-Id and X-User-Role headers.
		actors = func(r *http.Request) association.Actor {
			return association.Actor{
				UserID:  r.Header.Get("X-User-Id"),
				IsAdmin: r.Header.Get("X-User-Role") == "admin",
			}
		}
		logger.Info("using header-based auth (X-User-Id, X-User-Role)")
	case "none", "":
		logger.Warn("auth disabled, callers are anonymous")
	default:
		glog.Fatalf("Unknown auth mode: %q (expected jwt, header, or none)", mode)
	}

	root := chi.NewRouter()
	root.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-User-Id", "X-User-Role"},
	}))
	root.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	root.Mount("/api/v1", association.NewRouter(engine, orchestrator, auditStore, actors))

	httpServer := &http.Server{
		Addr:    listenAddr,
		Handler: root,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			glog.Fatalf("HTTP server error: %v", err)
		}
	}()

	logger.Info("association registry ready", "listen", listenAddr)

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("association registry stopped")
}

func setupDatabase(dbType, dsn string) (*gorm.DB, error) {
	if dsn == "" {
		dsn = os.Getenv("DATABASE_DSN")
		if dsn == "" {
			return nil, fmt.Errorf("database DSN is required (config database.dsn or DATABASE_DSN)")
		}
	}

	cfg := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	}

	switch dbType {
	case "sqlite", "":
		return gorm.Open(sqlite.Open(dsn), cfg)
	case "mysql":
		return gorm.Open(mysql.Open(dsn), cfg)
	case "postgres":
		return gorm.Open(postgres.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("unsupported database type %q (expected sqlite, mysql, or postgres)", dbType)
	}
}
