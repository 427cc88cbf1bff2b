package boltstore

import (
	"bytes"
	"encoding/binary"
)

// Bucket name constants for bbolt storage.
var (
	bucketMeta       = []byte("meta")
	bucketChannels   = []byte("channels")
	bucketNames      = []byte("names")
	bucketUUIDs      = []byte("uuids")
	bucketAttributes = []byte("attributes")
	bucketGroups     = []byte("groups")
	bucketMembers    = []byte("members")
	bucketBans       = []byte("bans")
)

var allBuckets = [][]byte{
	bucketMeta, bucketChannels, bucketNames, bucketUUIDs,
	bucketAttributes, bucketGroups, bucketMembers, bucketBans,
}

// Meta key constants.
var (
	keyNextChannel = []byte("nextchannel")
	keyVersion     = []byte("version")
)

// schemaVersion is written to the meta bucket on creation.
const schemaVersion = 1

// intToKey converts an int to an 8-byte big-endian key.
func intToKey(n int) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(n))
	return buf
}

// keyToInt converts an 8-byte big-endian key back to an int.
func keyToInt(b []byte) int {
	return int(binary.BigEndian.Uint64(b))
}

// channelKey returns the 8-byte channel prefix followed by suffix. Rows of
// the per-channel buckets (attributes, groups, members, bans) are keyed
// this way so that one cursor seek finds every row of a channel.
func channelKey(channelID int, suffix []byte) []byte {
	return append(intToKey(channelID), suffix...)
}

// pairKey is channelKey with an integer suffix.
func pairKey(channelID, n int) []byte {
	return channelKey(channelID, intToKey(n))
}

// hasChannelPrefix reports whether k belongs to channelID.
func hasChannelPrefix(k []byte, channelID int) bool {
	return len(k) >= 8 && bytes.Equal(k[:8], intToKey(channelID))
}
