// Package storage provides persistent state for the option desk.
// It uses BoltDB as the underlying storage engine to keep positions, the
// trade log, re-entry cooldowns and confirmations, and the paper wallet
// balance across restarts.
//
// Each record kind lives in its own bucket as JSON. A ledger mutation and the
// trade it produces are written in one transaction.
package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"optiondesk/internal/flags"
	"optiondesk/internal/ledger"
	"optiondesk/internal/reentry"

	"github.com/shopspring/decimal"
	"go.etcd.io/bbolt"
)

const (
	positionsBucket     = "positions"     // Position records keyed by id
	tradesBucket        = "trades"        // Trade log keyed by mode_timestamp_id
	cooldownsBucket     = "cooldowns"     // Cooldown records keyed by cycle key
	confirmationsBucket = "confirmations" // Re-entry confirmations keyed by id
	metaBucket          = "meta"          // Scalar settings such as the paper balance

	paperBalanceKey = "paper_balance"
)

var buckets = []string{positionsBucket, tradesBucket, cooldownsBucket, confirmationsBucket, metaBucket}

// Store provides persistent storage using BoltDB.
type Store struct {
	db *bbolt.DB // BoltDB database instance
}

// New opens (or creates) the database under dataPath and makes sure every
// bucket exists.
func New(dataPath string) (*Store, error) {
	dbPath := filepath.Join(dataPath, "optiondesk.db")

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database connection gracefully.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Commit writes a position and, when present, the trade it produced in a
// single transaction.
func (s *Store) Commit(p ledger.Position, t *ledger.Trade) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := putJSON(tx, positionsBucket, p.ID, p); err != nil {
			return err
		}
		if t != nil {
			if err := putJSON(tx, tradesBucket, tradeKey(t.Mode, t.Timestamp, t.ID), t); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteTrades removes the trade log of one mode.
func (s *Store) DeleteTrades(mode flags.Mode) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(tradesBucket)).Cursor()
		prefix := []byte(string(mode) + "_")
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Seek(prefix) {
			if err := c.Delete(); err != nil {
				return fmt.Errorf("delete trade %s: %w", k, err)
			}
		}
		return nil
	})
}

// LoadPositions returns every stored position.
func (s *Store) LoadPositions() ([]ledger.Position, error) {
	var out []ledger.Position
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(positionsBucket)).ForEach(func(_, v []byte) error {
			var p ledger.Position
			if err := json.Unmarshal(v, &p); err != nil {
				return nil // Skip malformed records
			}
			out = append(out, p)
			return nil
		})
	})
	return out, err
}

// LoadTrades returns the trade log of every mode, oldest first per mode.
func (s *Store) LoadTrades() ([]ledger.Trade, error) {
	var out []ledger.Trade
	for _, mode := range []flags.Mode{flags.ModePaper, flags.ModeLive} {
		trades, err := s.GetTrades(mode, time.Time{}, time.Now().AddDate(100, 0, 0))
		if err != nil {
			return nil, err
		}
		out = append(out, trades...)
	}
	return out, nil
}

// GetTrades retrieves the trades of mode within a time range. The range is
// inclusive of both start and end.
func (s *Store) GetTrades(mode flags.Mode, start, end time.Time) ([]ledger.Trade, error) {
	var out []ledger.Trade

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(tradesBucket)).Cursor()

		prefix := []byte(string(mode) + "_")
		startKey := []byte(fmt.Sprintf("%s_%020d", mode, unixNano(start)))
		endKey := []byte(fmt.Sprintf("%s_%020d~", mode, unixNano(end)))

		for k, v := c.Seek(startKey); k != nil && bytes.Compare(k, endKey) <= 0; k, v = c.Next() {
			if !bytes.HasPrefix(k, prefix) {
				break
			}
			var t ledger.Trade
			if err := json.Unmarshal(v, &t); err != nil {
				continue // Skip malformed records
			}
			out = append(out, t)
		}
		return nil
	})
	return out, err
}

func (s *Store) SaveCooldown(c reentry.Cooldown) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx, cooldownsBucket, c.Key, c)
	})
}

func (s *Store) DeleteCooldown(key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(cooldownsBucket)).Delete([]byte(key))
	})
}

func (s *Store) LoadCooldowns() ([]reentry.Cooldown, error) {
	var out []reentry.Cooldown
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(cooldownsBucket)).ForEach(func(_, v []byte) error {
			var c reentry.Cooldown
			if err := json.Unmarshal(v, &c); err != nil {
				return nil
			}
			out = append(out, c)
			return nil
		})
	})
	return out, err
}

func (s *Store) SaveConfirmation(c reentry.Confirmation) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx, confirmationsBucket, c.ID, c)
	})
}

func (s *Store) DeleteConfirmation(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(confirmationsBucket)).Delete([]byte(id))
	})
}

func (s *Store) LoadConfirmations() ([]reentry.Confirmation, error) {
	var out []reentry.Confirmation
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(confirmationsBucket)).ForEach(func(_, v []byte) error {
			var c reentry.Confirmation
			if err := json.Unmarshal(v, &c); err != nil {
				return nil
			}
			out = append(out, c)
			return nil
		})
	})
	return out, err
}

// SaveBalance stores the paper wallet balance.
func (s *Store) SaveBalance(balance decimal.Decimal) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(metaBucket)).Put([]byte(paperBalanceKey), []byte(balance.String()))
	})
}

// LoadBalance returns the stored paper balance and whether one was found.
func (s *Store) LoadBalance() (decimal.Decimal, bool, error) {
	var (
		balance decimal.Decimal
		found   bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(metaBucket)).Get([]byte(paperBalanceKey))
		if v == nil {
			return nil
		}
		d, err := decimal.NewFromString(string(v))
		if err != nil {
			return fmt.Errorf("parse paper balance: %w", err)
		}
		balance, found = d, true
		return nil
	})
	return balance, found, err
}

func putJSON(tx *bbolt.Tx, bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s record: %w", bucket, err)
	}
	if err := tx.Bucket([]byte(bucket)).Put([]byte(key), data); err != nil {
		return fmt.Errorf("put %s/%s: %w", bucket, key, err)
	}
	return nil
}

func tradeKey(mode flags.Mode, ts time.Time, id string) string {
	return fmt.Sprintf("%s_%020d_%s", mode, unixNano(ts), id)
}

func unixNano(t time.Time) int64 {
	if t.IsZero() || t.UnixNano() < 0 {
		return 0
	}
	return t.UnixNano()
}
