package channel

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/crystal-mush/chanserv/pkg/events"
	"github.com/crystal-mush/chanserv/pkg/scheduler"
)

// ErrChannelNotFound is returned by Index and Store lookups for an id, name
// or uuid that does not exist.
var ErrChannelNotFound = errors.New("channel not found")

// NoChannel is the current-channel pointer of a user who is in no channel.
const NoChannel = -1

// UnknownUsername is displayed for user ids that cannot be resolved.
const UnknownUsername = "[user not found]"

// Details is the durable identity and metadata of a channel.
type Details struct {
	ID            int
	UUID          uuid.UUID
	Name          string
	Alias         string
	Description   string
	Owner         int
	TrackMessages bool
}

// Store is the persistence port. Implementations must be safe for
// concurrent calls for different channels; calls for one channel's member
// table or ban set are serialized by the Channel.
type Store interface {
	ChannelDetails(channelID int) (Details, error)
	ChannelAttributes(channelID int) (map[string]string, error)
	ChannelGroups(channelID int) ([]GroupData, error)
	ChannelMembers(channelID int) (map[int]int, error)
	ChannelBans(channelID int) ([]int, error)

	CreateChannel(d Details) (Details, error)
	RemoveChannel(channelID int) error
	UpdateDetails(d Details) error

	AddMember(channelID, userID, groupID int) error
	UpdateMember(channelID, userID, groupID int) error
	RemoveMember(channelID, userID int) error

	AddBan(channelID, userID int) error
	RemoveBan(channelID, userID int) error

	AddGroup(channelID int, g GroupData) error
	UpdateGroup(channelID int, g GroupData) error
	RemoveGroup(channelID, groupID int) error

	AddAttribute(channelID int, key, value string) error
	UpdateAttribute(channelID int, key, value string) error
	ClearAttribute(channelID int, key string) error

	// Commit flushes any batched writes.
	Commit() error
}

// Index resolves channels independently of whether they are loaded.
type Index interface {
	LookupByID(channelID int) (Details, error)
	LookupByName(name string) (Details, error)
	LookupByUUID(id uuid.UUID) (Details, error)
	Search(term string, limit int) ([]Details, error)
}

// User is the capability surface of a connected user.
type User interface {
	ID() int
	Name() string
	ChannelID() int
	SetChannelID(channelID int)
	// SendMessage delivers a notification. It must not block.
	SendMessage(t events.Type, channelID int, payload map[string]any)
}

// UserLookup resolves online users and display names.
type UserLookup interface {
	// User returns the online user with the given id.
	User(userID int) (User, bool)
	// Username returns the display name, or UnknownUsername.
	Username(userID int) string
}

// Scheduler is the task runner the manager registers its sweep and
// shutdown work with.
type Scheduler interface {
	ScheduleRecurring(name string, task func(), initialDelay, period time.Duration)
	AddShutdownTask(name string, task func(), priority scheduler.Priority)
}

// Publisher receives one channel-level record per broadcast, for consumers
// such as scrollback that must see each message exactly once.
type Publisher interface {
	Emit(ev events.Event)
}

// Observer receives lifecycle and outcome notifications, typically to feed
// metrics.
type Observer interface {
	ChannelLoaded(channelID int)
	ChannelUnloaded(channelID int)
	SweepCompleted(loaded, unloaded int, took time.Duration)
	OperationCompleted(op string, result ResponseType)
}

type nopObserver struct{}

func (nopObserver) ChannelLoaded(int) {}
func (nopObserver) ChannelUnloaded(int) {}
func (nopObserver) SweepCompleted(int, int, time.Duration) {}
func (nopObserver) OperationCompleted(string, ResponseType) {}
