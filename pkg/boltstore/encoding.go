package boltstore

import (
	"bytes"
	"encoding/gob"
	"time"

	"github.com/google/uuid"

	"github.com/crystal-mush/chanserv/pkg/channel"
)

// channelRecord is the stored form of a channel's details.
type channelRecord struct {
	ID            int
	UUID          uuid.UUID
	Name          string
	Alias         string
	Description   string
	Owner         int
	TrackMessages bool
	Created       time.Time
}

func recordFromDetails(d channel.Details) channelRecord {
	return channelRecord{
		ID:            d.ID,
		UUID:          d.UUID,
		Name:          d.Name,
		Alias:         d.Alias,
		Description:   d.Description,
		Owner:         d.Owner,
		TrackMessages: d.TrackMessages,
	}
}

func (r channelRecord) details() channel.Details {
	return channel.Details{
		ID:            r.ID,
		UUID:          r.UUID,
		Name:          r.Name,
		Alias:         r.Alias,
		Description:   r.Description,
		Owner:         r.Owner,
		TrackMessages: r.TrackMessages,
	}
}

// groupRecord is the stored form of a group override.
type groupRecord struct {
	ID          int
	Name        string
	Description string
	IconURL     string
	Type        int
	Permissions []string
}

func recordFromGroup(g channel.GroupData) groupRecord {
	return groupRecord{
		ID:          g.ID,
		Name:        g.Name,
		Description: g.Description,
		IconURL:     g.IconURL,
		Type:        int(g.Type),
		Permissions: g.Permissions,
	}
}

func (r groupRecord) data(channelID int) channel.GroupData {
	return channel.GroupData{
		ID:          r.ID,
		ChannelID:   channelID,
		Name:        r.Name,
		Description: r.Description,
		IconURL:     r.IconURL,
		Type:        channel.GroupType(r.Type),
		Permissions: r.Permissions,
	}
}

// encode serializes v using gob.
func encode[T any](v *T) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decode deserializes gob bytes into a T.
func decode[T any](data []byte) (*T, error) {
	var v T
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return nil, err
	}
	return &v, nil
}
