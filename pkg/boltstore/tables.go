package boltstore

import (
	"fmt"
	"sort"

	bbolt "go.etcd.io/bbolt"

	"github.com/crystal-mush/chanserv/pkg/channel"
)

// --- Attributes ---

// ChannelAttributes returns the stored attribute values of a channel.
func (s *Store) ChannelAttributes(channelID int) (map[string]string, error) {
	out := make(map[string]string)
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketAttributes).Cursor()
		for k, v := c.Seek(intToKey(channelID)); k != nil && hasChannelPrefix(k, channelID); k, v = c.Next() {
			out[string(k[8:])] = string(v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("boltstore: load attributes %d: %w", channelID, err)
	}
	return out, nil
}

// AddAttribute stores an attribute value.
func (s *Store) AddAttribute(channelID int, key, value string) error {
	return s.putAttribute(channelID, key, value)
}

// UpdateAttribute replaces an attribute value.
func (s *Store) UpdateAttribute(channelID int, key, value string) error {
	return s.putAttribute(channelID, key, value)
}

func (s *Store) putAttribute(channelID int, key, value string) error {
	return s.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAttributes).Put(channelKey(channelID, []byte(key)), []byte(value))
	})
}

// ClearAttribute removes a stored attribute, restoring its default.
func (s *Store) ClearAttribute(channelID int, key string) error {
	return s.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAttributes).Delete(channelKey(channelID, []byte(key)))
	})
}

// --- Groups ---

// ChannelGroups returns the stored group overrides ordered by id.
func (s *Store) ChannelGroups(channelID int) ([]channel.GroupData, error) {
	var out []channel.GroupData
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketGroups).Cursor()
		for k, v := c.Seek(intToKey(channelID)); k != nil && hasChannelPrefix(k, channelID); k, v = c.Next() {
			rec, err := decode[groupRecord](v)
			if err != nil {
				return fmt.Errorf("decode group %d/%d: %w", channelID, keyToInt(k[8:]), err)
			}
			out = append(out, rec.data(channelID))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("boltstore: load groups %d: %w", channelID, err)
	}
	return out, nil
}

// AddGroup stores a group override.
func (s *Store) AddGroup(channelID int, g channel.GroupData) error {
	return s.putGroup(channelID, g)
}

// UpdateGroup replaces a group override.
func (s *Store) UpdateGroup(channelID int, g channel.GroupData) error {
	return s.putGroup(channelID, g)
}

func (s *Store) putGroup(channelID int, g channel.GroupData) error {
	rec := recordFromGroup(g)
	data, err := encode(&rec)
	if err != nil {
		return fmt.Errorf("boltstore: encode group %d/%d: %w", channelID, g.ID, err)
	}
	return s.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketGroups).Put(pairKey(channelID, g.ID), data)
	})
}

// RemoveGroup deletes a group override; the template group applies again.
func (s *Store) RemoveGroup(channelID, groupID int) error {
	return s.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketGroups).Delete(pairKey(channelID, groupID))
	})
}

// --- Members ---

// ChannelMembers returns the stored member table.
func (s *Store) ChannelMembers(channelID int) (map[int]int, error) {
	out := make(map[int]int)
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketMembers).Cursor()
		for k, v := c.Seek(intToKey(channelID)); k != nil && hasChannelPrefix(k, channelID); k, v = c.Next() {
			out[keyToInt(k[8:])] = keyToInt(v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("boltstore: load members %d: %w", channelID, err)
	}
	return out, nil
}

// AddMember stores a member row.
func (s *Store) AddMember(channelID, userID, groupID int) error {
	return s.putMember(channelID, userID, groupID)
}

// UpdateMember changes a member's group.
func (s *Store) UpdateMember(channelID, userID, groupID int) error {
	return s.putMember(channelID, userID, groupID)
}

func (s *Store) putMember(channelID, userID, groupID int) error {
	return s.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMembers).Put(pairKey(channelID, userID), intToKey(groupID))
	})
}

// RemoveMember deletes a member row.
func (s *Store) RemoveMember(channelID, userID int) error {
	return s.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMembers).Delete(pairKey(channelID, userID))
	})
}

// --- Bans ---

// ChannelBans returns the permanently banned user ids in ascending order.
func (s *Store) ChannelBans(channelID int) ([]int, error) {
	var out []int
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketBans).Cursor()
		for k, _ := c.Seek(intToKey(channelID)); k != nil && hasChannelPrefix(k, channelID); k, _ = c.Next() {
			out = append(out, keyToInt(k[8:]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("boltstore: load bans %d: %w", channelID, err)
	}
	sort.Ints(out)
	return out, nil
}

// AddBan stores a permanent ban.
func (s *Store) AddBan(channelID, userID int) error {
	return s.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBans).Put(pairKey(channelID, userID), []byte{})
	})
}

// RemoveBan deletes a permanent ban.
func (s *Store) RemoveBan(channelID, userID int) error {
	return s.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBans).Delete(pairKey(channelID, userID))
	})
}
