package main

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/tandemlabs/tandem/internal/auth"
	"github.com/tandemlabs/tandem/internal/billing"
	"github.com/tandemlabs/tandem/internal/cache"
	"github.com/tandemlabs/tandem/internal/deck"
	"github.com/tandemlabs/tandem/internal/insights"
	"github.com/tandemlabs/tandem/internal/room"
)

type Services struct {
	Rooms    *room.Service
	Insights *insights.Service
	Billing  *billing.Service
}

// setupServices wires the dependency chain: pool → repository → app → service.
func setupServices(pool *pgxpool.Pool, redisClient *redis.Client, config *Config) *Services {
	authSvc := auth.NewService()
	joinURL := getEnv("JOIN_BASE_URL", "http://localhost:8080")

	// Rooms
	roomRepo := room.NewPgRepository(pool)
	roomCache := cache.NewRoomCache(redisClient)
	roomApp := room.NewApp(roomRepo, deck.Default(), roomCache, config.Game)
	roomService := room.NewService(roomApp, authSvc, joinURL)

	// Billing
	creditRepo := billing.NewRepository(pool)
	paymentClient := billing.NewPaymentClient(billing.PaymentConfigFromEnv())
	billingService := billing.NewService(creditRepo, paymentClient, authSvc)

	// Insights
	oracle := insights.NewClient(insights.ConfigFromEnv())
	insightsService := insights.NewService(roomRepo, oracle, creditRepo, authSvc)

	return &Services{
		Rooms:    roomService,
		Insights: insightsService,
		Billing:  billingService,
	}
}
