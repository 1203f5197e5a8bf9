package main

import (
	"context"
	"fmt"
	"os"

	"bourse/internal/config"
	"bourse/internal/db"
	"bourse/internal/models"

	"golang.org/x/crypto/bcrypt"
)

// Seed the database with an admin user, a demo instrument and funded
// demo traders. Safe to re-run: existing rows are left alone.
func main() {
	cfg := config.Load()
	if cfg.DatabaseURL == "" {
		fmt.Fprintln(os.Stderr, "BOURSE_DATABASE_URL is required for seeding")
		os.Exit(1)
	}

	ctx := context.Background()
	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer database.Close()

	migration, err := os.ReadFile("migrations/001_init.sql")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read migration: %v\n", err)
		os.Exit(1)
	}
	if _, err := database.Pool.Exec(ctx, string(migration)); err != nil {
		fmt.Fprintf(os.Stderr, "failed to apply migration: %v\n", err)
		os.Exit(1)
	}

	adminPassword := getenv("BOURSE_ADMIN_PASSWORD", "admin")
	admin, err := ensureUser(ctx, database, "admin", adminPassword, models.RoleAdmin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to seed admin: %v\n", err)
		os.Exit(1)
	}

	if err := database.SaveInstrument(ctx, models.Instrument{Ticker: cfg.CashTicker, Name: cfg.CashTicker, IsActive: true}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to seed cash instrument: %v\n", err)
		os.Exit(1)
	}
	if err := database.SaveInstrument(ctx, models.Instrument{Ticker: "TEST", Name: "Test Instrument", IsActive: true}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to seed instrument: %v\n", err)
		os.Exit(1)
	}

	trader1, err := ensureUser(ctx, database, "trader1", "password1", models.RoleUser)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to seed trader1: %v\n", err)
		os.Exit(1)
	}
	trader2, err := ensureUser(ctx, database, "trader2", "password2", models.RoleUser)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to seed trader2: %v\n", err)
		os.Exit(1)
	}

	balances := []struct {
		userID int64
		ticker string
		amount int64
	}{
		{trader1.ID, cfg.CashTicker, 1_000_000},
		{trader1.ID, "TEST", 100},
		{trader2.ID, cfg.CashTicker, 1_000_000},
		{trader2.ID, "TEST", 100},
	}
	for _, b := range balances {
		err := database.SaveBalance(ctx, b.userID, b.ticker, models.Balance{Amount: b.amount})
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to seed balance: %v\n", err)
			os.Exit(1)
		}
	}

	fmt.Printf("seeded admin (id=%d), trader1 (id=%d), trader2 (id=%d) and instrument TEST\n",
		admin.ID, trader1.ID, trader2.ID)
}

// ensureUser creates the user unless it already exists.
func ensureUser(ctx context.Context, database *db.DB, name, password string, role models.Role) (models.User, error) {
	if user, err := database.GetUserByName(ctx, name); err == nil {
		return user, nil
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, err
	}
	return database.CreateUser(ctx, name, string(hashed), role)
}

func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
