package persistence

import "binance-grid-trader-go/internal/models"

// StateRepository defines the interface for runtime state persistence.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the rest of the application. Runtime state is the per-bot operational
// data that must survive restarts but does not belong in the order ledger:
// cooldown timestamps, daily counters and the trailing stop snapshot.
type StateRepository interface {
	// SaveState atomically saves the runtime state for one bot.
	SaveState(botName string, state *models.RuntimeState) error

	// LoadState loads the runtime state for one bot.
	// If no state is found, it returns (nil, nil).
	LoadState(botName string) (*models.RuntimeState, error)

	// Close gracefully closes the connection to the database.
	Close() error
}
