package channel

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crystal-mush/chanserv/pkg/clock"
	"github.com/crystal-mush/chanserv/pkg/events"
	"github.com/crystal-mush/chanserv/pkg/scheduler"
)

var errStoreDown = errors.New("store unavailable")

// memStore is an in-memory Store and Index. Setting fail makes every write
// return errStoreDown.
type memStore struct {
	mu       sync.Mutex
	nextID   int
	details  map[int]Details
	attrs    map[int]map[string]string
	groups   map[int]map[int]GroupData
	members  map[int]map[int]int
	bans     map[int]map[int]bool
	commits  int
	updates  int
	fail     bool
	loadFail bool
}

func newMemStore() *memStore {
	return &memStore{
		nextID:  100,
		details: make(map[int]Details),
		attrs:   make(map[int]map[string]string),
		groups:  make(map[int]map[int]GroupData),
		members: make(map[int]map[int]int),
		bans:    make(map[int]map[int]bool),
	}
}

// seed registers a channel with the given id and owner.
func (s *memStore) seed(id int, name string, owner int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.details[id] = Details{ID: id, UUID: uuid.New(), Name: name, Alias: name, Owner: owner}
	s.attrs[id] = make(map[string]string)
	s.groups[id] = make(map[int]GroupData)
	s.members[id] = make(map[int]int)
	s.bans[id] = make(map[int]bool)
}

func (s *memStore) setMember(channelID, userID, groupID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[channelID][userID] = groupID
}

func (s *memStore) setBan(channelID, userID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bans[channelID][userID] = true
}

func (s *memStore) setGroup(channelID int, g GroupData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[channelID][g.ID] = g
}

func (s *memStore) setFail(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = v
}

func (s *memStore) storedMember(channelID, userID int) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.members[channelID][userID]
	return g, ok
}

func (s *memStore) storedBan(channelID, userID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bans[channelID][userID]
}

func (s *memStore) commitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

func (s *memStore) writeErr() error {
	if s.fail {
		return errStoreDown
	}
	return nil
}

func (s *memStore) ChannelDetails(id int) (Details, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadFail {
		return Details{}, errStoreDown
	}
	d, ok := s.details[id]
	if !ok {
		return Details{}, ErrChannelNotFound
	}
	return d, nil
}

func (s *memStore) ChannelAttributes(id int) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	for k, v := range s.attrs[id] {
		out[k] = v
	}
	return out, nil
}

func (s *memStore) ChannelGroups(id int) ([]GroupData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []GroupData
	for _, g := range s.groups[id] {
		out = append(out, g)
	}
	return out, nil
}

func (s *memStore) ChannelMembers(id int) (map[int]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]int)
	for u, g := range s.members[id] {
		out[u] = g
	}
	return out, nil
}

func (s *memStore) ChannelBans(id int) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for u := range s.bans[id] {
		out = append(out, u)
	}
	sort.Ints(out)
	return out, nil
}

func (s *memStore) CreateChannel(d Details) (Details, error) {
	s.mu.Lock()
	if err := s.writeErr(); err != nil {
		s.mu.Unlock()
		return Details{}, err
	}
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	s.seed(id, d.Name, d.Owner)
	s.mu.Lock()
	defer s.mu.Unlock()
	d.ID = id
	d.UUID = s.details[id].UUID
	s.details[id] = d
	return d, nil
}

func (s *memStore) RemoveChannel(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.details, id)
	return nil
}

func (s *memStore) UpdateDetails(d Details) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeErr(); err != nil {
		return err
	}
	s.details[d.ID] = d
	s.updates++
	return nil
}

func (s *memStore) AddMember(channelID, userID, groupID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeErr(); err != nil {
		return err
	}
	s.members[channelID][userID] = groupID
	return nil
}

func (s *memStore) UpdateMember(channelID, userID, groupID int) error {
	return s.AddMember(channelID, userID, groupID)
}

func (s *memStore) RemoveMember(channelID, userID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeErr(); err != nil {
		return err
	}
	delete(s.members[channelID], userID)
	return nil
}

func (s *memStore) AddBan(channelID, userID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeErr(); err != nil {
		return err
	}
	s.bans[channelID][userID] = true
	return nil
}

func (s *memStore) RemoveBan(channelID, userID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeErr(); err != nil {
		return err
	}
	delete(s.bans[channelID], userID)
	return nil
}

func (s *memStore) AddGroup(channelID int, g GroupData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeErr(); err != nil {
		return err
	}
	s.groups[channelID][g.ID] = g
	return nil
}

func (s *memStore) UpdateGroup(channelID int, g GroupData) error {
	return s.AddGroup(channelID, g)
}

func (s *memStore) RemoveGroup(channelID, groupID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups[channelID], groupID)
	return nil
}

func (s *memStore) AddAttribute(channelID int, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeErr(); err != nil {
		return err
	}
	s.attrs[channelID][key] = value
	return nil
}

func (s *memStore) UpdateAttribute(channelID int, key, value string) error {
	return s.AddAttribute(channelID, key, value)
}

func (s *memStore) ClearAttribute(channelID int, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attrs[channelID], key)
	return nil
}

func (s *memStore) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
	return nil
}

func (s *memStore) LookupByID(id int) (Details, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.details[id]
	if !ok {
		return Details{}, ErrChannelNotFound
	}
	return d, nil
}

func (s *memStore) LookupByName(name string) (Details, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.details {
		if strings.EqualFold(d.Name, name) {
			return d, nil
		}
	}
	return Details{}, ErrChannelNotFound
}

func (s *memStore) LookupByUUID(id uuid.UUID) (Details, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.details {
		if d.UUID == id {
			return d, nil
		}
	}
	return Details{}, ErrChannelNotFound
}

func (s *memStore) Search(term string, limit int) ([]Details, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Details
	for _, d := range s.details {
		if strings.Contains(strings.ToLower(d.Name), strings.ToLower(term)) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type sentMessage struct {
	Type    events.Type
	Channel int
	Payload map[string]any
}

// fakeUser records every message it is sent.
type fakeUser struct {
	id   int
	name string

	mu      sync.Mutex
	channel int
	inbox   []sentMessage
}

func newFakeUser(id int, name string) *fakeUser {
	return &fakeUser{id: id, name: name, channel: NoChannel}
}

func (u *fakeUser) ID() int      { return u.id }
func (u *fakeUser) Name() string { return u.name }

func (u *fakeUser) ChannelID() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.channel
}

func (u *fakeUser) SetChannelID(id int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.channel = id
}

func (u *fakeUser) SendMessage(t events.Type, channelID int, payload map[string]any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.inbox = append(u.inbox, sentMessage{Type: t, Channel: channelID, Payload: payload})
}

func (u *fakeUser) received(t events.Type) []sentMessage {
	u.mu.Lock()
	defer u.mu.Unlock()
	var out []sentMessage
	for _, m := range u.inbox {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (u *fakeUser) clear() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.inbox = nil
}

// fakeUsers is a UserLookup over a fixed set of users and names.
type fakeUsers struct {
	mu     sync.Mutex
	online map[int]*fakeUser
	names  map[int]string
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{online: make(map[int]*fakeUser), names: make(map[int]string)}
}

func (f *fakeUsers) add(id int, name string) *fakeUser {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := newFakeUser(id, name)
	f.online[id] = u
	f.names[id] = name
	return u
}

func (f *fakeUsers) User(id int) (User, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.online[id]
	if !ok {
		return nil, false
	}
	return u, true
}

func (f *fakeUsers) Username(id int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.names[id]; ok {
		return n
	}
	return UnknownUsername
}

// recordingPublisher captures channel-level events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Emit(ev events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) ofType(t events.Type) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, ev := range p.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// countingObserver tallies observer callbacks.
type countingObserver struct {
	mu       sync.Mutex
	loaded   int
	unloaded int
	sweeps   int
	results  map[string][]ResponseType
}

func (o *countingObserver) ChannelLoaded(int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.loaded++
}

func (o *countingObserver) ChannelUnloaded(int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.unloaded++
}

func (o *countingObserver) SweepCompleted(int, int, time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sweeps++
}

func (o *countingObserver) OperationCompleted(op string, r ResponseType) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.results == nil {
		o.results = make(map[string][]ResponseType)
	}
	o.results[op] = append(o.results[op], r)
}

// recordingScheduler captures registrations without running anything.
type recordingScheduler struct {
	recurring []string
	shutdown  map[string]scheduler.Priority
	tasks     map[string]func()
}

func (s *recordingScheduler) ScheduleRecurring(name string, task func(), _, _ time.Duration) {
	s.recurring = append(s.recurring, name)
	if s.tasks == nil {
		s.tasks = make(map[string]func())
	}
	s.tasks[name] = task
}

func (s *recordingScheduler) AddShutdownTask(name string, task func(), p scheduler.Priority) {
	if s.shutdown == nil {
		s.shutdown = make(map[string]scheduler.Priority)
	}
	if s.tasks == nil {
		s.tasks = make(map[string]func())
	}
	s.shutdown[name] = p
	s.tasks[name] = task
}

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// fixture bundles a manager with its fakes.
type fixture struct {
	store    *memStore
	users    *fakeUsers
	clock    *clock.FakeClock
	pub      *recordingPublisher
	observer *countingObserver
	mgr      *Manager
}

const testChannel = 101

func newFixture(t interface{ Fatalf(string, ...any) }) *fixture {
	f := &fixture{
		store:    newMemStore(),
		users:    newFakeUsers(),
		clock:    clock.Fake(epoch),
		pub:      &recordingPublisher{},
		observer: &countingObserver{},
	}
	f.store.seed(testChannel, "Lobby", 1)
	mgr, err := NewManager(Options{
		Store:       f.store,
		Index:       f.store,
		Users:       f.users,
		Clock:       f.clock,
		Publisher:   f.pub,
		Observer:    f.observer,
		SweepPeriod: 30 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	f.mgr = mgr
	return f
}

// load loads the test channel and returns it.
func (f *fixture) load(t interface{ Fatalf(string, ...any) }) *Channel {
	if err := f.mgr.LoadChannel(testChannel); err != nil {
		t.Fatalf("LoadChannel: %v", err)
	}
	c, _ := f.mgr.Channel(testChannel)
	return c
}
