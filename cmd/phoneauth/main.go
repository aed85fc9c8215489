package main

import (
	"context"
	"net/http"
	"time"

	"github.com/adaokul/phoneauth/internal/otp"
	"github.com/adaokul/phoneauth/internal/ratelimit"
	"github.com/adaokul/phoneauth/internal/store"
	"github.com/adaokul/phoneauth/internal/store/redis"
	"github.com/adaokul/phoneauth/internal/token"
	"github.com/go-chi/chi/v5"
	"github.com/knadh/koanf/v2"
	"github.com/zerodha/logf"
)

// App is the global app context that groups the necessary controls
// (store, services, config etc.) to be injected into the HTTP handlers.
type App struct {
	otp    *otp.Service
	store  store.Store
	tokens *token.Manager
	lo     logf.Logger

	constants constants
}

type constants struct {
	CookieName   string
	CookieSecure bool
}

var (
	lo logf.Logger
	ko = koanf.New(".")

	// Version of the build injected at build time.
	buildString = "unknown"
)

func main() {
	initConfig()
	lo = initLogger(ko.Bool("app.verbose"))

	// Load the store.
	var rc redis.Conf
	ko.UnmarshalWithConf("store.redis", &rc, koanf.UnmarshalConf{Tag: "json"})
	st := redis.New(rc)
	defer st.Close()

	{
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := st.Ping(ctx); err != nil {
			lo.Fatal("couldn't connect to store", "error", err)
		}
	}

	// Load the SMS delivery channel.
	prov, err := initProvider(ko.String("app.provider"))
	if err != nil {
		lo.Fatal("couldn't initialise provider", "error", err)
	}

	svc, err := otp.New(otp.Opt{
		TTL:              ko.Duration("app.otp_ttl"),
		IssueWindow:      ko.Duration("app.issue_window"),
		MaxAttempts:      ko.Int("app.otp_max_attempts"),
		DeliveryPolicy:   ko.String("app.delivery_failure_policy"),
		SweepProbability: ko.Float64("app.sweep_probability"),
		MessageTemplate:  ko.String("sms.template"),
	}, st, ratelimit.New(st), prov, lo)
	if err != nil {
		lo.Fatal("couldn't initialise OTP service", "error", err)
	}

	tokens, err := token.New(ko.String("jwt.secret"), ko.Duration("jwt.ttl"))
	if err != nil {
		lo.Fatal("couldn't initialise token manager", "error", err)
	}

	app := &App{
		otp:    svc,
		store:  st,
		tokens: tokens,
		lo:     lo,
		constants: constants{
			CookieName:   "auth-token",
			CookieSecure: ko.Bool("jwt.cookie_secure"),
		},
	}

	// Startup sweep of expired records.
	{
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if n, err := svc.Sweep(ctx); err != nil {
			lo.Error("startup sweep failed", "error", err)
		} else if n > 0 {
			lo.Info("swept expired codes", "count", n)
		}
		cancel()
	}

	// Register handles.
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("phoneauth"))
	})
	r.Get("/api/health", wrap(app, handleHealthCheck))
	r.Post("/api/otp/send", wrap(app, handleSendOTP))
	r.Post("/api/otp/verify", wrap(app, handleVerifyOTP))
	r.Get("/api/auth/session", wrap(app, handleSession))
	r.Post("/api/auth/logout", wrap(app, handleLogout))

	// HTTP Server.
	timeout := ko.Duration("app.server_timeout")
	if timeout.Seconds() < 1 {
		timeout = time.Second * 5
	}

	srv := &http.Server{
		Addr:         ko.String("app.address"),
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		Handler:      r,
	}

	lo.Info("starting server", "address", srv.Addr, "provider", prov.ID())
	if err := srv.ListenAndServe(); err != nil {
		lo.Fatal("couldn't start server", "error", err)
	}
}
