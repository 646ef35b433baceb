// Package registry keeps the channel membership index the delivery protocol
// reads on every publish. Writers are outside the protocol (admin tooling, the
// store loader); readers get copies, never live slices.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"quantrelay/internal/domain"
)

// Registry is an in-memory channel membership index, safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*entry
	byMember map[string]map[string]struct{}
}

type entry struct {
	kind    domain.ChannelKind
	members map[string]struct{}
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		channels: make(map[string]*entry),
		byMember: make(map[string]map[string]struct{}),
	}
}

// Put creates or replaces a channel
func (r *Registry) Put(ch domain.Channel) error {
	if err := ch.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.putLocked(ch)
	return nil
}

func (r *Registry) putLocked(ch domain.Channel) {
	r.removeLocked(ch.ID)
	e := &entry{kind: ch.Kind, members: make(map[string]struct{}, len(ch.Members))}
	for _, m := range ch.Members {
		e.members[m] = struct{}{}
		r.indexLocked(m, ch.ID)
	}
	r.channels[ch.ID] = e
}

func (r *Registry) removeLocked(channelID string) {
	e, ok := r.channels[channelID]
	if !ok {
		return
	}
	for m := range e.members {
		r.unindexLocked(m, channelID)
	}
	delete(r.channels, channelID)
}

// AddMember adds identityID to a group channel
func (r *Registry) AddMember(channelID, identityID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.channels[channelID]
	if !ok {
		return fmt.Errorf("channel %s: %w", channelID, domain.ErrNotFound)
	}
	if e.kind == domain.ChannelDirect {
		return fmt.Errorf("channel %s is direct, membership is fixed", channelID)
	}
	e.members[identityID] = struct{}{}
	r.indexLocked(identityID, channelID)
	return nil
}

// RemoveMember removes identityID from a group channel
func (r *Registry) RemoveMember(channelID, identityID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.channels[channelID]
	if !ok {
		return fmt.Errorf("channel %s: %w", channelID, domain.ErrNotFound)
	}
	if e.kind == domain.ChannelDirect {
		return fmt.Errorf("channel %s is direct, membership is fixed", channelID)
	}
	delete(e.members, identityID)
	r.unindexLocked(identityID, channelID)
	return nil
}

// IsMember reports whether identityID belongs to channelID
func (r *Registry) IsMember(channelID, identityID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.channels[channelID]
	if !ok {
		return false
	}
	_, ok = e.members[identityID]
	return ok
}

// Members returns a sorted snapshot of a channel's members
func (r *Registry) Members(channelID string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.channels[channelID]
	if !ok {
		return nil, false
	}
	return sortedKeys(e.members), true
}

// ChannelsOf returns a sorted snapshot of the channels identityID belongs to
func (r *Registry) ChannelsOf(identityID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.byMember[identityID])
}

// Len is the number of channels
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// Replace swaps the whole index for channels in one step. Invalid channels
// are skipped and reported.
func (r *Registry) Replace(channels []domain.Channel) error {
	var bad []error
	valid := make([]domain.Channel, 0, len(channels))
	for _, ch := range channels {
		if err := ch.Validate(); err != nil {
			bad = append(bad, err)
			continue
		}
		valid = append(valid, ch)
	}

	r.mu.Lock()
	r.channels = make(map[string]*entry, len(valid))
	r.byMember = make(map[string]map[string]struct{})
	for _, ch := range valid {
		r.putLocked(ch)
	}
	r.mu.Unlock()

	if len(bad) > 0 {
		return fmt.Errorf("registry: skipped %d invalid channels: %v", len(bad), bad[0])
	}
	return nil
}

// Loader supplies the authoritative channel list
type Loader interface {
	ListChannels(ctx context.Context) ([]domain.Channel, error)
}

// Sync reloads the index from src every interval until ctx is done.
// Readers see an eventually consistent snapshot in between.
func (r *Registry) Sync(ctx context.Context, src Loader, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			channels, err := src.ListChannels(ctx)
			if err != nil {
				log.Warn("membership refresh failed", "error", err)
				continue
			}
			if err := r.Replace(channels); err != nil {
				log.Warn("membership refresh partial", "error", err)
			}
		}
	}
}

func (r *Registry) indexLocked(identityID, channelID string) {
	set, ok := r.byMember[identityID]
	if !ok {
		set = make(map[string]struct{})
		r.byMember[identityID] = set
	}
	set[channelID] = struct{}{}
}

func (r *Registry) unindexLocked(identityID, channelID string) {
	set, ok := r.byMember[identityID]
	if !ok {
		return
	}
	delete(set, channelID)
	if len(set) == 0 {
		delete(r.byMember, identityID)
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
