package seeder

import (
	"context"
	"log"

	"github.com/nexusai/billing-engine/internal/account"
)

const (
	TestAPIKey       = "nxk_test-api-key-12345"
	TestAccountEmail = "test@billing.local"
	TestCredits      = 5000
)

// SeedTestAccount creates a funded account with a known API key for local
// development and smoke tests.
func SeedTestAccount(ctx context.Context, store account.Store) {
	acct := &account.Account{
		Email:         TestAccountEmail,
		CreditBalance: TestCredits,
	}
	if err := store.Create(ctx, acct); err != nil {
		log.Printf("[Seeder] test account may already exist, skipping: %v", err)
		return
	}

	key := &account.APIKey{
		AccountID: acct.ID,
		KeyHash:   account.HashKey(TestAPIKey),
	}
	if err := store.IssueKey(ctx, key); err != nil {
		log.Printf("[Seeder] failed to issue test api key: %v", err)
		return
	}

	log.Printf("[Seeder] test account created successfully")
	log.Printf("[Seeder] AccountID: %s (%d credits)", acct.ID, TestCredits)
	log.Printf("[Seeder] Key: %s (id %s)", TestAPIKey, key.ID)
}
