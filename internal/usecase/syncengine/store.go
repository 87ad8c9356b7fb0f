package syncengine

import (
	"slices"
	"sort"
	"sync"
	"time"

	"whisperlink/internal/domain"
)

// Store is the local, eventually consistent mirror of worker state: the
// connection set, the contact list and per-conversation message history.
type Store struct {
	mu          sync.RWMutex
	connections map[string]domain.Connection
	contacts    []domain.Contact
	histories   map[domain.ConversationKey][]domain.HistoryEntry
	seq         uint64
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		connections: make(map[string]domain.Connection),
		histories:   make(map[domain.ConversationKey][]domain.HistoryEntry),
	}
}

// ReplaceConnections swaps the connection mirror for conns wholesale and
// returns the peer IDs that appeared and disappeared.
func (s *Store) ReplaceConnections(conns []domain.Connection) (added, removed []string) {
	next := make(map[string]domain.Connection, len(conns))
	for _, c := range conns {
		if c.PeerID == "" {
			continue
		}
		next[c.PeerID] = c
	}

	s.mu.Lock()
	prev := s.connections
	s.connections = next
	s.mu.Unlock()

	for id := range next {
		if _, ok := prev[id]; !ok {
			added = append(added, id)
		}
	}
	for id := range prev {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
		}
	}
	slices.Sort(added)
	slices.Sort(removed)
	return added, removed
}

// Connections returns the mirrored connections ordered by peer ID.
func (s *Store) Connections() []domain.Connection {
	s.mu.RLock()
	out := make([]domain.Connection, 0, len(s.connections))
	for _, c := range s.connections {
		out = append(out, c)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// SetContacts replaces the contact list.
func (s *Store) SetContacts(contacts []domain.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts = append([]domain.Contact(nil), contacts...)
}

// Contacts returns the last fetched contact list.
func (s *Store) Contacts() []domain.Contact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Contact(nil), s.contacts...)
}

// AppendSent records a locally sent message.
func (s *Store) AppendSent(env domain.Envelope) domain.HistoryEntry {
	return s.append(domain.DirectionSent, env)
}

// AppendReceived records a message drained from the worker.
func (s *Store) AppendReceived(env domain.Envelope) domain.HistoryEntry {
	return s.append(domain.DirectionReceived, env)
}

// append inserts the entry keeping the history ordered by timestamp, then
// by sequence. Entries are never de-duplicated.
func (s *Store) append(dir domain.Direction, env domain.Envelope) domain.HistoryEntry {
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	entry := domain.HistoryEntry{Seq: s.seq, Direction: dir, Envelope: env}
	key := env.Key()
	h := s.histories[key]
	// seq is the largest so far, so the entry goes after every entry with
	// an equal or earlier timestamp.
	i := sort.Search(len(h), func(i int) bool {
		return h[i].Envelope.Timestamp.After(env.Timestamp)
	})
	s.histories[key] = slices.Insert(h, i, entry)
	return entry
}

// History returns a copy of one conversation's history.
func (s *Store) History(key domain.ConversationKey) []domain.HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.HistoryEntry(nil), s.histories[key]...)
}

// Conversations returns every conversation with at least one entry, most
// recently active first. Activity is the last entry's timestamp, with its
// sequence number breaking ties.
func (s *Store) Conversations() []domain.ConversationKey {
	type activity struct {
		key  domain.ConversationKey
		last domain.HistoryEntry
	}
	s.mu.RLock()
	all := make([]activity, 0, len(s.histories))
	for k, h := range s.histories {
		if len(h) == 0 {
			continue
		}
		all = append(all, activity{key: k, last: h[len(h)-1]})
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		a, b := all[i].last, all[j].last
		if !a.Envelope.Timestamp.Equal(b.Envelope.Timestamp) {
			return a.Envelope.Timestamp.After(b.Envelope.Timestamp)
		}
		return a.Seq > b.Seq
	})
	keys := make([]domain.ConversationKey, len(all))
	for i, a := range all {
		keys[i] = a.key
	}
	return keys
}

// Reset forgets everything. Called when the session closes.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections = make(map[string]domain.Connection)
	s.contacts = nil
	s.histories = make(map[domain.ConversationKey][]domain.HistoryEntry)
}
