package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arzzra/webphone/pkg/conference"
	"github.com/arzzra/webphone/pkg/config"
	"github.com/arzzra/webphone/pkg/sipsignal"
	"github.com/arzzra/webphone/pkg/webphone"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("загрузка конфигурации", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics := webphone.NewMetrics(registry)

	transport, err := sipsignal.NewTransport(sipsignal.Config{
		Server:      cfg.SIP.Server,
		Domain:      cfg.SIP.Domain,
		User:        cfg.SIP.User,
		DisplayName: cfg.SIP.DisplayName,
		ListenAddr:  cfg.SIP.ListenAddr,
		Network:     cfg.SIP.Network,
		Expires:     cfg.SIP.Expires,
		Logger:      logger,
	})
	if err != nil {
		logger.Error("создание SIP-транспорта", "error", err)
		os.Exit(1)
	}

	alert := &logAlert{logger: logger}
	validator := &regexValidator{}

	manager, err := webphone.NewCallManager(webphone.Config{
		Transport: transport,
		Alert:     alert,
		Validator: validator,
		Logger:    logger,
		Metrics:   metrics,
	})
	if err != nil {
		logger.Error("создание менеджера звонков", "error", err)
		os.Exit(1)
	}

	connection, err := webphone.NewConnectionManager(webphone.ConnectionConfig{
		Transport:   transport,
		Auth:        staticAuth{},
		Alert:       alert,
		Permissions: staticPermissions{},
		Provisioner: &staticProvisioner{user: cfg.SIP.User},
		Sessions:    manager,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		logger.Error("создание менеджера подключения", "error", err)
		os.Exit(1)
	}

	apiClient := conference.NewHTTPClient(cfg.API.BaseURL, staticToken(cfg.API.Token), &http.Client{
		Timeout: cfg.API.Timeout,
	})
	coordinator, err := conference.NewCoordinator(conference.Config{
		Client:         apiClient,
		Alert:          alert,
		Dialer:         dialerAdapter{manager: manager},
		Sessions:       manager,
		Logger:         logger,
		Metrics:        metrics,
		Capacity:       cfg.Conference.Capacity,
		SettleDelay:    cfg.Conference.SettleDelay,
		PollTTL:        cfg.Conference.PollTTL,
		PollingEnabled: cfg.Conference.PollingEnabled,
	})
	if err != nil {
		logger.Error("создание координатора конференций", "error", err)
		os.Exit(1)
	}
	manager.OnCallEnd(coordinator.OnSessionEnded)

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: router,
	}
	go func() {
		logger.Info("HTTP сервер метрик запущен", "addr", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP сервер остановлен", "error", err)
		}
	}()

	if err := connection.Connect(context.Background()); err != nil {
		logger.Error("подключение не выполнено", "error", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("завершение работы")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := connection.Disconnect(ctx); err != nil {
		logger.Warn("отключение завершилось с ошибкой", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("остановка HTTP сервера", "error", err)
	}
	logger.Info("работа завершена")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// logAlert выводит пользовательские уведомления в лог
type logAlert struct {
	logger *slog.Logger
}

func (a *logAlert) Info(code webphone.Code, payload map[string]any) {
	a.logger.Info("уведомление", "code", string(code), "payload", payload)
}

func (a *logAlert) Warning(code webphone.Code, payload map[string]any) {
	a.logger.Warn("уведомление", "code", string(code), "payload", payload)
}

func (a *logAlert) Danger(code webphone.Code, payload map[string]any) {
	a.logger.Error("уведомление", "code", string(code), "payload", payload)
}

// staticAuth автономный запуск всегда аутентифицирован
type staticAuth struct{}

func (staticAuth) LoggedIn() bool { return true }

// staticPermissions автономный запуск с полными правами
type staticPermissions struct{}

func (staticPermissions) WebphoneEnabled() bool   { return true }
func (staticPermissions) CallingEnabled() bool    { return true }
func (staticPermissions) RefreshServiceFeatures() {}

// staticProvisioner возвращает линию пользователя из конфигурации
type staticProvisioner struct {
	user string
}

func (p *staticProvisioner) PhoneLines(ctx context.Context) ([]webphone.PhoneLine, error) {
	return []webphone.PhoneLine{{ID: "line-1", Number: p.user}}, nil
}

func (p *staticProvisioner) Provision(ctx context.Context) error { return nil }

// regexValidator базовая проверка номеров без внешнего сервиса.
// Помимо телефонных номеров пропускает токены конференц-моста.
type regexValidator struct{}

var (
	numberPattern = regexp.MustCompile(`^\+?[0-9*#]{2,15}$`)
	tokenPattern  = regexp.MustCompile(`^[A-Za-z0-9._\-]{2,128}$`)
)

func (regexValidator) ValidateNumbers(ctx context.Context, numbers []string) (*webphone.ValidationResult, error) {
	result := &webphone.ValidationResult{Valid: true}
	for _, number := range numbers {
		if !numberPattern.MatchString(number) && !tokenPattern.MatchString(number) {
			result.Valid = false
			result.Errors = append(result.Errors, webphone.NumberError{
				PhoneNumber: number,
				Reason:      "invalidNumber",
			})
			continue
		}
		result.Numbers = append(result.Numbers, webphone.ValidatedNumber{Original: number, E164: number})
	}
	return result, nil
}

// staticToken неизменяемый токен доступа из конфигурации
type staticToken string

func (t staticToken) AccessToken(ctx context.Context) (string, error) {
	return string(t), nil
}

// dialerAdapter выполняет звонок на конференц-мост через менеджер звонков
type dialerAdapter struct {
	manager *webphone.CallManager
}

func (d dialerAdapter) Dial(ctx context.Context, to string) (string, error) {
	session, err := d.manager.MakeCall(ctx, webphone.InviteRequest{To: to})
	if err != nil {
		return "", err
	}
	return session.ID(), nil
}
