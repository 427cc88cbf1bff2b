package boltstore

import (
	"strings"

	"github.com/google/uuid"
	bbolt "go.etcd.io/bbolt"

	"github.com/crystal-mush/chanserv/pkg/channel"
)

// Store also serves as the channel index: lookups read committed records,
// so a rename becomes visible to LookupByName after the next Commit.

// LookupByID returns the committed details of a channel.
func (s *Store) LookupByID(channelID int) (channel.Details, error) {
	var out channel.Details
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		rec, err := getRecord(tx, channelID)
		if err != nil {
			return err
		}
		out = rec.details()
		return nil
	})
	return out, err
}

// LookupByName resolves a channel by case-insensitive name.
func (s *Store) LookupByName(name string) (channel.Details, error) {
	return s.lookupVia(bucketNames, []byte(strings.ToLower(strings.TrimSpace(name))))
}

// LookupByUUID resolves a channel by its public UUID.
func (s *Store) LookupByUUID(id uuid.UUID) (channel.Details, error) {
	return s.lookupVia(bucketUUIDs, id[:])
}

func (s *Store) lookupVia(bucket, key []byte) (channel.Details, error) {
	var out channel.Details
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucket).Get(key)
		if v == nil {
			return channel.ErrChannelNotFound
		}
		rec, err := getRecord(tx, keyToInt(v))
		if err != nil {
			return err
		}
		out = rec.details()
		return nil
	})
	return out, err
}

// Search returns channels whose name contains term, ordered by name. A
// non-positive limit returns every match.
func (s *Store) Search(term string, limit int) ([]channel.Details, error) {
	term = strings.ToLower(strings.TrimSpace(term))
	var out []channel.Details
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		names := tx.Bucket(bucketNames)
		c := names.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if !strings.Contains(string(k), term) {
				continue
			}
			rec, err := getRecord(tx, keyToInt(v))
			if err != nil {
				return err
			}
			out = append(out, rec.details())
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}
