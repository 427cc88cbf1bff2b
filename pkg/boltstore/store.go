package boltstore

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	bbolt "go.etcd.io/bbolt"

	"github.com/crystal-mush/chanserv/pkg/channel"
)

var (
	_ channel.Store = (*Store)(nil)
	_ channel.Index = (*Store)(nil)
)

// ErrNameTaken is returned by CreateChannel when the name is already in use.
var ErrNameTaken = errors.New("boltstore: channel name taken")

// Store persists channels in a bbolt database. Member, ban, group and
// attribute edits are written immediately; details updates are staged and
// written together by Commit.
type Store struct {
	bolt *bbolt.DB

	mu      sync.Mutex
	pending map[int]channel.Details
}

// Open opens or creates a bbolt database file and ensures all buckets exist.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		meta := tx.Bucket(bucketMeta)
		if meta.Get(keyVersion) == nil {
			return meta.Put(keyVersion, intToKey(schemaVersion))
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("boltstore: create buckets: %w", err)
	}

	return &Store{
		bolt:    db,
		pending: make(map[int]channel.Details),
	}, nil
}

// Close commits staged changes and closes the underlying bbolt database.
func (s *Store) Close() error {
	if s.bolt == nil {
		return nil
	}
	if err := s.Commit(); err != nil {
		log.Error().Err(err).Str("module", "boltstore").Msg("commit on close failed")
	}
	return s.bolt.Close()
}

// Path returns the filesystem path of the underlying bbolt database.
func (s *Store) Path() string {
	if s.bolt != nil {
		return s.bolt.Path()
	}
	return ""
}

// Backup creates a hot snapshot of the bbolt database using tx.WriteTo().
func (s *Store) Backup(path string) error {
	return s.bolt.View(func(tx *bbolt.Tx) error {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("boltstore: create backup %s: %w", path, err)
		}
		defer f.Close()
		if _, err := tx.WriteTo(f); err != nil {
			return fmt.Errorf("boltstore: write backup: %w", err)
		}
		log.Info().Str("module", "boltstore").Str("path", path).Msg("backup written")
		return nil
	})
}

// ChannelCount returns the number of stored channels.
func (s *Store) ChannelCount() int {
	n := 0
	s.bolt.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketChannels).Stats().KeyN
		return nil
	})
	return n
}

func getRecord(tx *bbolt.Tx, channelID int) (*channelRecord, error) {
	v := tx.Bucket(bucketChannels).Get(intToKey(channelID))
	if v == nil {
		return nil, channel.ErrChannelNotFound
	}
	rec, err := decode[channelRecord](v)
	if err != nil {
		return nil, fmt.Errorf("boltstore: decode channel %d: %w", channelID, err)
	}
	return rec, nil
}

func putRecord(tx *bbolt.Tx, rec *channelRecord) error {
	data, err := encode(rec)
	if err != nil {
		return fmt.Errorf("boltstore: encode channel %d: %w", rec.ID, err)
	}
	return tx.Bucket(bucketChannels).Put(intToKey(rec.ID), data)
}

// ChannelDetails returns the stored details, including any staged update.
func (s *Store) ChannelDetails(channelID int) (channel.Details, error) {
	s.mu.Lock()
	d, staged := s.pending[channelID]
	s.mu.Unlock()
	if staged {
		return d, nil
	}

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

// CreateChannel assigns the next channel id and a fresh UUID and stores d.
func (s *Store) CreateChannel(d channel.Details) (channel.Details, error) {
	name := strings.ToLower(strings.TrimSpace(d.Name))
	if name == "" {
		return channel.Details{}, errors.New("boltstore: channel name required")
	}
	err := s.bolt.Update(func(tx *bbolt.Tx) error {
		names := tx.Bucket(bucketNames)
		if names.Get([]byte(name)) != nil {
			return ErrNameTaken
		}
		meta := tx.Bucket(bucketMeta)
		next := 1
		if v := meta.Get(keyNextChannel); v != nil {
			next = keyToInt(v)
		}
		d.ID = next
		d.UUID = uuid.New()
		if err := meta.Put(keyNextChannel, intToKey(next+1)); err != nil {
			return err
		}

		rec := recordFromDetails(d)
		rec.Created = time.Now().UTC()
		if err := putRecord(tx, &rec); err != nil {
			return err
		}
		if err := names.Put([]byte(name), intToKey(d.ID)); err != nil {
			return err
		}
		return tx.Bucket(bucketUUIDs).Put(d.UUID[:], intToKey(d.ID))
	})
	if err != nil {
		if errors.Is(err, ErrNameTaken) {
			return channel.Details{}, err
		}
		return channel.Details{}, fmt.Errorf("boltstore: create channel %q: %w", d.Name, err)
	}
	log.Info().Str("module", "boltstore").Int("channel", d.ID).Str("name", d.Name).Msg("channel created")
	return d, nil
}

// RemoveChannel deletes a channel and every row that belongs to it.
func (s *Store) RemoveChannel(channelID int) error {
	s.mu.Lock()
	delete(s.pending, channelID)
	s.mu.Unlock()

	return s.bolt.Update(func(tx *bbolt.Tx) error {
		rec, err := getRecord(tx, channelID)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketChannels).Delete(intToKey(channelID)); err != nil {
			return err
		}
		tx.Bucket(bucketNames).Delete([]byte(strings.ToLower(rec.Name)))
		tx.Bucket(bucketUUIDs).Delete(rec.UUID[:])
		for _, name := range [][]byte{bucketAttributes, bucketGroups, bucketMembers, bucketBans} {
			if err := deletePrefix(tx.Bucket(name), channelID); err != nil {
				return err
			}
		}
		return nil
	})
}

// deletePrefix removes every row of channelID from b.
func deletePrefix(b *bbolt.Bucket, channelID int) error {
	prefix := intToKey(channelID)
	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && hasChannelPrefix(k, channelID); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// UpdateDetails stages d to be written by the next Commit.
func (s *Store) UpdateDetails(d channel.Details) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[d.ID] = d
	return nil
}

// Commit writes all staged details updates in one transaction. Renames
// keep the name index in step.
func (s *Store) Commit() error {
	s.mu.Lock()
	batch := s.pending
	s.pending = make(map[int]channel.Details)
	s.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	err := s.bolt.Update(func(tx *bbolt.Tx) error {
		names := tx.Bucket(bucketNames)
		for id, d := range batch {
			rec, err := getRecord(tx, id)
			if errors.Is(err, channel.ErrChannelNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if oldName, newName := strings.ToLower(rec.Name), strings.ToLower(d.Name); oldName != newName {
				names.Delete([]byte(oldName))
				if err := names.Put([]byte(newName), intToKey(id)); err != nil {
					return err
				}
			}
			next := recordFromDetails(d)
			next.UUID = rec.UUID
			next.Created = rec.Created
			if err := putRecord(tx, &next); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// Restage so the next commit retries.
		s.mu.Lock()
		for id, d := range batch {
			if _, newer := s.pending[id]; !newer {
				s.pending[id] = d
			}
		}
		s.mu.Unlock()
		return fmt.Errorf("boltstore: commit: %w", err)
	}
	log.Debug().Str("module", "boltstore").Int("channels", len(batch)).Msg("committed")
	return nil
}
