package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"bourse/internal/api"
	"bourse/internal/auth"
	"bourse/internal/config"
	"bourse/internal/db"
	"bourse/internal/exchange"
	"bourse/internal/instruments"
	"bourse/internal/ledger"
	"bourse/internal/models"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// Main entry point: wires the ledger, directory, engine and HTTP server.
func main() {
	cfg := config.Load()

	log, err := config.NewLogger()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx := context.Background()

	led := ledger.New(log)
	dir := instruments.New(cfg.CashTicker)

	var (
		userStore auth.UserStore
		journal   exchange.Journal
		persist   api.Persister
	)
	if cfg.DatabaseURL != "" {
		database, err := db.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal("failed to connect to database", zap.Error(err))
		}
		defer database.Close()
		userStore = database
		journal = database
		persist = database
	} else {
		log.Warn("no database configured, running fully in-memory")
		userStore = auth.NewMemoryStore()
	}

	eng := exchange.New(cfg.CashTicker, led, dir, journal, log)

	if database, ok := journal.(*db.DB); ok {
		if err := restore(ctx, database, dir, led, eng); err != nil {
			log.Fatal("failed to restore persisted state", zap.Error(err))
		}
	}

	authSvc := auth.NewService(userStore, cfg.JWTSecret)
	hub := api.NewHub(log)
	handler := api.NewHandler(eng, led, dir, authSvc, persist, hub, log)

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Mount("/", handler.Routes())

	go broadcastBooks(eng, hub, cfg.BroadcastInterval, log)

	log.Info("starting server", zap.String("addr", cfg.Addr), zap.String("cash_ticker", cfg.CashTicker))
	if err := http.ListenAndServe(cfg.Addr, r); err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
}

// restore reloads instruments, balances, orders and executions from the
// database before the server starts accepting requests.
func restore(ctx context.Context, database *db.DB, dir *instruments.Directory, led *ledger.Ledger, eng *exchange.Engine) error {
	insts, err := database.ListInstruments(ctx)
	if err != nil {
		return err
	}
	for _, inst := range insts {
		if _, err := dir.Get(inst.Ticker); err == nil {
			continue // cash ticker is pre-seeded
		}
		if err := dir.Add(inst); err != nil {
			return err
		}
	}

	balances, err := database.LoadBalances(ctx)
	if err != nil {
		return err
	}
	for _, row := range balances {
		led.Restore(row.UserID, row.Ticker, row.Balance)
	}

	orders, err := database.LoadOrders(ctx)
	if err != nil {
		return err
	}
	execs, err := database.LoadExecutions(ctx)
	if err != nil {
		return err
	}
	eng.Restore(orders, execs)
	return nil
}

// broadcastBooks periodically pushes every instrument's aggregated book
// to websocket subscribers.
func broadcastBooks(eng *exchange.Engine, hub *api.Hub, interval time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		if hub.Clients() == 0 {
			continue
		}
		snapshot := make(map[string]models.L2Book)
		for _, t := range eng.Tickers() {
			book, err := eng.OrderBook(t, 10)
			if err != nil {
				continue
			}
			snapshot[t] = book
		}
		if len(snapshot) == 0 {
			continue
		}
		data, err := json.Marshal(snapshot)
		if err != nil {
			log.Error("failed to marshal order books", zap.Error(err))
			continue
		}
		hub.Broadcast(data)
	}
}
