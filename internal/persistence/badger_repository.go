package persistence

import (
	"encoding/json"
	"errors"

	"github.com/dgraph-io/badger/v3"

	"binance-grid-trader-go/internal/models"
)

// badgerRepository is the BadgerDB implementation of the StateRepository.
type badgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository creates and returns a new repository instance connected to a BadgerDB database.
func NewBadgerRepository(dbPath string) (StateRepository, error) {
	opts := badger.DefaultOptions(dbPath)
	// Disable Badger's own logging to keep the app's logs clean.
	// Errors will still be returned from DB operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &badgerRepository{db: db}, nil
}

func stateKey(botName string) []byte {
	return []byte("runtime_state/" + botName)
}

// SaveState atomically saves the runtime state for one bot.
// The state is marshalled to JSON and written under a per-bot key.
func (r *badgerRepository) SaveState(botName string, state *models.RuntimeState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}

	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(stateKey(botName), data)
	})
}

// LoadState loads the runtime state for one bot.
// If the key is not found, it returns (nil, nil) to indicate no state is present.
func (r *badgerRepository) LoadState(botName string) (*models.RuntimeState, error) {
	var state models.RuntimeState

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(stateKey(botName))
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("state value is empty in database")
			}
			return json.Unmarshal(val, &state)
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil // The expected "no state found" case.
	}
	if err != nil {
		return nil, err
	}

	return &state, nil
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}

// memoryRepository is an in-memory StateRepository used in tests.
type memoryRepository struct {
	states map[string][]byte
}

// NewMemoryRepository returns a StateRepository backed by a plain map.
// It is not safe for concurrent use and exists for unit tests only.
func NewMemoryRepository() StateRepository {
	return &memoryRepository{states: make(map[string][]byte)}
}

func (r *memoryRepository) SaveState(botName string, state *models.RuntimeState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	r.states[botName] = data
	return nil
}

func (r *memoryRepository) LoadState(botName string) (*models.RuntimeState, error) {
	data, ok := r.states[botName]
	if !ok {
		return nil, nil
	}
	var state models.RuntimeState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (r *memoryRepository) Close() error { return nil }
