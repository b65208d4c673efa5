package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"

	"chatguard/audit"
	"chatguard/config"
	"chatguard/crypto"
	"chatguard/docstore/firestore"
	"chatguard/identity"
	"chatguard/messaging"
	"chatguard/models"
	"chatguard/push"
	"chatguard/ratelimit"
	"chatguard/storage"
)

const sessionCheckInterval = time.Minute

func main() {
	var (
		email       = flag.String("email", "", "sign in with this email when no session is cached")
		password    = flag.String("password", "", "password for -email")
		to          = flag.String("to", "", "user id to chat with")
		message     = flag.String("message", "", "send this message to -to after signing in")
		deviceToken = flag.String("device-token", "", "push token registered for this device")
		metricsAddr = flag.String("metrics", "", "serve Prometheus metrics on this address")
		verbose     = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	log := logrus.WithField("component", "main")

	cfg, cfgPath, dataDir, err := config.LoadOrCreate()
	if err != nil {
		log.WithError(err).Fatal("startup failed while loading config")
	}

	masterKey, err := crypto.EnsureMasterKey(cfg.MasterKeyPath)
	if err != nil {
		log.WithError(err).Fatal("startup failed while preparing master key")
	}
	fingerprint := crypto.KeyFingerprint(masterKey)
	if cfg.KeyFingerprint != fingerprint {
		cfg.KeyFingerprint = fingerprint
		if err := config.Save(cfgPath, cfg); err != nil {
			log.WithError(err).Fatal("startup failed while persisting key fingerprint")
		}
	}

	fmt.Printf("Device ID:       %s\n", cfg.DeviceID)
	fmt.Printf("Device Name:     %s\n", cfg.DeviceName)
	fmt.Printf("Fingerprint:     %s\n", crypto.FormatFingerprint(cfg.KeyFingerprint))
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Data Directory:  %s\n", dataDir)

	store, dbPath, err := storage.Open(dataDir, masterKey)
	if err != nil {
		log.WithError(err).Fatal("startup failed while opening database")
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Warn("database close error")
		}
	}()
	store.SetSecurityEventRetention(cfg.SecurityEventRetention())
	fmt.Printf("Database File:   %s\n", dbPath)

	if cfg.ProjectID == "" || cfg.APIKey == "" {
		fmt.Println("Status:          not connected (set project_id and api_key in the config file)")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	if *metricsAddr != "" {
		go serveMetrics(log, *metricsAddr, reg)
	}

	var storeOpts []option.ClientOption
	if cfg.ServiceAccountPath != "" {
		storeOpts = append(storeOpts, option.WithCredentialsFile(cfg.ServiceAccountPath))
	}
	docs, err := firestore.NewStore(ctx, cfg.ProjectID, storeOpts...)
	if err != nil {
		log.WithError(err).Fatal("startup failed while connecting to the document store")
	}
	defer docs.Close()

	provider, err := identity.NewRESTProvider(identity.RESTOptions{
		BaseURL: cfg.IdentityBaseURL,
		APIKey:  cfg.APIKey,
		Store:   store,
	})
	if err != nil {
		log.WithError(err).Fatal("startup failed while preparing identity provider")
	}

	notifier, err := newNotifier(cfg, store, reg)
	if err != nil {
		log.WithError(err).Warn("push notifications disabled")
	}

	recorder, err := audit.NewRecorder(audit.Options{Local: store, Remote: docs, DeviceInfo: cfg.DeviceName})
	if err != nil {
		log.WithError(err).Fatal("startup failed while preparing audit log")
	}
	defer recorder.Close()

	limiterMetrics := ratelimit.NewMetrics(reg)
	messageLimiter, err := ratelimit.New(ratelimit.Options{
		Action:  ratelimit.ActionSendMessage,
		Limit:   cfg.MessageLimit,
		Window:  cfg.MessageWindow(),
		Store:   store,
		Metrics: limiterMetrics,
	})
	if err != nil {
		log.WithError(err).Fatal("startup failed while preparing message limiter")
	}
	loginLimiter, err := ratelimit.New(ratelimit.Options{
		Action:  ratelimit.ActionLoginAttempt,
		Limit:   cfg.LoginLimit,
		Window:  cfg.LoginWindow(),
		Store:   store,
		Metrics: limiterMetrics,
	})
	if err != nil {
		log.WithError(err).Fatal("startup failed while preparing login limiter")
	}

	opts := messaging.ClientOptions{
		Docs:           docs,
		Identity:       provider,
		Local:          store,
		MessageLimiter: messageLimiter,
		LoginLimiter:   loginLimiter,
		Audit:          recorder,
		AppName:        cfg.AppName,
		DeviceID:       cfg.DeviceID,
		DeviceToken:    *deviceToken,
		PoolSize:       cfg.PoolSize,
	}
	if notifier != nil {
		opts.Notifier = notifier
	}
	client, err := messaging.NewClient(opts)
	if err != nil {
		log.WithError(err).Fatal("startup failed while preparing client")
	}
	defer client.Close()

	user, err := client.Restore(ctx)
	if errors.Is(err, messaging.ErrNotSignedIn) && *email != "" {
		user, err = client.SignIn(ctx, *email, *password)
	}
	if err != nil {
		var denied *ratelimit.DeniedError
		if errors.As(err, &denied) {
			log.WithField("retry_after", denied.RetryAfter.Round(time.Second)).Error("too many sign-in attempts")
			return
		}
		log.WithError(err).Error("not signed in")
		return
	}
	fmt.Printf("Signed In As:    %s (%s)\n", user.Name, user.ID)

	go logSessionEvents(log, client)
	go checkSession(ctx, log, client)

	if *to != "" {
		stream, err := client.Conversation(ctx, *to)
		if err != nil {
			log.WithError(err).Error("open conversation")
		} else {
			defer stream.Close()
			go printConversation(user.ID, stream)
		}

		if *message != "" {
			sendOnce(ctx, log, client, models.User{ID: *to}, *message)
		}
	}

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
}

func newNotifier(cfg *config.ClientConfig, store *storage.Store, reg prometheus.Registerer) (*push.Notifier, error) {
	if cfg.ServiceAccountPath == "" {
		return nil, push.ErrCredentialUnavailable
	}

	account, err := push.LoadServiceAccount(cfg.ServiceAccountPath)
	if err != nil {
		return nil, err
	}
	if cfg.TokenURI != "" {
		account.TokenURI = cfg.TokenURI
	}
	refresher, err := push.NewServiceAccountRefresher(account, nil)
	if err != nil {
		return nil, err
	}

	metrics := push.NewMetrics(reg)
	tokens := push.NewTokenProvider(push.TokenProviderOptions{Refresher: refresher, Cache: store, Metrics: metrics})

	endpoint := cfg.PushEndpoint
	if endpoint == "" {
		endpoint = push.EndpointForProject(cfg.ProjectID)
	}
	dispatcher, err := push.NewDispatcher(push.DispatcherOptions{Endpoint: endpoint, Timeout: cfg.DispatchTimeout(), Metrics: metrics})
	if err != nil {
		return nil, err
	}
	return push.NewNotifier(tokens, dispatcher, nil), nil
}

func sendOnce(ctx context.Context, log *logrus.Entry, client *messaging.Client, receiver models.User, text string) {
	receipt, err := client.Send(receiver, text).Wait(ctx)
	if err != nil {
		log.WithError(err).Error("message not sent")
		return
	}
	fmt.Printf("Sent:            %s\n", receipt.MessageID)

	if receipt.Notification == nil {
		return
	}
	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := receipt.Notification.Wait(waitCtx); err != nil {
		log.WithError(err).Info("receiver not notified")
	}
}

func printConversation(self string, stream *messaging.Stream) {
	for batch := range stream.Messages() {
		for _, m := range batch {
			direction := "<-"
			if m.Outgoing(self) {
				direction = "->"
			}
			if m.Err != nil {
				fmt.Printf("%s %s [undecryptable]\n", m.Message.Timestamp.Format(time.DateTime), direction)
				continue
			}
			fmt.Printf("%s %s %s\n", m.Message.Timestamp.Format(time.DateTime), direction, m.Text)
		}
	}
}

func logSessionEvents(log *logrus.Entry, client *messaging.Client) {
	for event := range client.Events() {
		log.WithFields(logrus.Fields{
			"identity": event.Identity,
			"state":    event.State.String(),
		}).WithError(event.Cause).Warn("session ended, sign in again")
	}
}

func checkSession(ctx context.Context, log *logrus.Entry, client *messaging.Client) {
	ticker := time.NewTicker(sessionCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := client.CheckSession(ctx); err != nil && !errors.Is(err, messaging.ErrNotSignedIn) {
				log.WithError(err).Warn("session check failed")
			}
		}
	}
}

func serveMetrics(log *logrus.Entry, addr string, reg *prometheus.Registry) {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	if err := http.ListenAndServe(addr, r); err != nil {
		log.WithError(err).Warn("metrics server stopped")
	}
}
