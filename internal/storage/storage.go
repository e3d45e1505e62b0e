package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"relaycast/internal/keystore"
	"relaycast/internal/models"
)

// dataset is the on-disk layout of the JSON store. Keystores are kept in
// their sealed form when a sealer is configured.
type dataset struct {
	Streams        map[string]models.Stream        `json:"streams"`
	Accounts       map[string]models.Account       `json:"accounts"`
	StreamAccounts map[string]models.StreamAccount `json:"streamAccounts"`
	Webhooks       map[string]models.Webhook       `json:"webhooks"`
	StreamShares   map[string]models.StreamShare   `json:"streamShares"`
	AccountShares  map[string]models.AccountShare  `json:"accountShares"`
}

// Storage is a Repository persisted as a single JSON document. Every write
// rewrites the file through a temp file and rename.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
	sealer          *keystore.Sealer
	now             func() time.Time
}

func newDataset() dataset {
	return dataset{
		Streams:        make(map[string]models.Stream),
		Accounts:       make(map[string]models.Account),
		StreamAccounts: make(map[string]models.StreamAccount),
		Webhooks:       make(map[string]models.Webhook),
		StreamShares:   make(map[string]models.StreamShare),
		AccountShares:  make(map[string]models.AccountShare),
	}
}

func (s *Storage) ensureDatasetInitializedLocked() {
	if s.data.Streams == nil {
		s.data.Streams = make(map[string]models.Stream)
	}
	if s.data.Accounts == nil {
		s.data.Accounts = make(map[string]models.Account)
	}
	if s.data.StreamAccounts == nil {
		s.data.StreamAccounts = make(map[string]models.StreamAccount)
	}
	if s.data.Webhooks == nil {
		s.data.Webhooks = make(map[string]models.Webhook)
	}
	if s.data.StreamShares == nil {
		s.data.StreamShares = make(map[string]models.StreamShare)
	}
	if s.data.AccountShares == nil {
		s.data.AccountShares = make(map[string]models.AccountShare)
	}
}

// NewJSONRepository opens the JSON-backed datastore and returns it as a
// Repository.
func NewJSONRepository(path string, opts ...Option) (Repository, error) {
	return NewStorage(path, opts...)
}

func NewStorage(path string, opts ...Option) (*Storage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("json store path is required")
	}
	store := &Storage{
		filePath: path,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}

	s.ensureDatasetInitializedLocked()

	return nil
}

func (s *Storage) persist() error {
	return s.persistDataset(s.data)
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(data); err != nil {
			return err
		}
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

// mutate applies fn to the dataset and persists the result. The in-memory
// state is rolled back when persisting fails.
func (s *Storage) mutate(fn func(*dataset) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := cloneDataset(s.data)
	if err := fn(&s.data); err != nil {
		s.data = snapshot
		return err
	}
	if err := s.persist(); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

func cloneDataset(src dataset) dataset {
	clone := newDataset()
	for id, stream := range src.Streams {
		clone.Streams[id] = cloneStream(stream)
	}
	for id, account := range src.Accounts {
		account.Keystore = account.Keystore.Clone()
		clone.Accounts[id] = account
	}
	for id, link := range src.StreamAccounts {
		link.Metadata = cloneMetadata(link.Metadata)
		link.Keystore = link.Keystore.Clone()
		clone.StreamAccounts[id] = link
	}
	for id, hook := range src.Webhooks {
		hook.Events = append([]string(nil), hook.Events...)
		clone.Webhooks[id] = hook
	}
	for id, share := range src.StreamShares {
		clone.StreamShares[id] = share
	}
	for id, share := range src.AccountShares {
		clone.AccountShares[id] = share
	}
	return clone
}

func linkKey(streamID, accountID string) string {
	return streamID + "/" + accountID
}

func shareKey(targetID, userID string) string {
	return targetID + "/" + userID
}

func (s *Storage) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := os.Stat(filepath.Dir(s.filePath)); err != nil {
		return fmt.Errorf("json store directory: %w", err)
	}
	return nil
}

func (s *Storage) Close(context.Context) error { return nil }

func (s *Storage) CreateStream(_ context.Context, params CreateStreamParams) (models.Stream, error) {
	if err := validateStreamParams(params); err != nil {
		return models.Stream{}, err
	}
	id, err := generateID()
	if err != nil {
		return models.Stream{}, err
	}
	streamUUID, err := generateStreamUUID()
	if err != nil {
		return models.Stream{}, err
	}
	now := s.now()
	stream := models.Stream{
		ID:              id,
		UUID:            streamUUID,
		Name:            strings.TrimSpace(params.Name),
		Slug:            Slugify(params.Name),
		OwnerID:         strings.TrimSpace(params.OwnerID),
		PreviewRequired: params.PreviewRequired,
		PullArgs:        params.PullArgs,
		Metadata:        cloneMetadata(params.Metadata),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err = s.mutate(func(data *dataset) error {
		data.Streams[id] = stream
		return nil
	})
	if err != nil {
		return models.Stream{}, err
	}
	return cloneStream(stream), nil
}

func (s *Storage) StreamByID(_ context.Context, id string) (models.Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stream, ok := s.data.Streams[id]
	if !ok {
		return models.Stream{}, fmt.Errorf("stream %s: %w", id, ErrNotFound)
	}
	return cloneStream(stream), nil
}

func (s *Storage) StreamByUUID(_ context.Context, value string) (models.Stream, error) {
	canonical, ok := NormalizeUUID(value)
	if !ok {
		return models.Stream{}, fmt.Errorf("stream uuid %q: %w", value, ErrNotFound)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, stream := range s.data.Streams {
		if stream.UUID == canonical {
			return cloneStream(stream), nil
		}
	}
	return models.Stream{}, fmt.Errorf("stream uuid %s: %w", canonical, ErrNotFound)
}

func (s *Storage) ListStreams(context.Context) ([]models.Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	streams := make([]models.Stream, 0, len(s.data.Streams))
	for _, stream := range s.data.Streams {
		streams = append(streams, cloneStream(stream))
	}
	sort.Slice(streams, func(i, j int) bool {
		if streams[i].CreatedAt.Equal(streams[j].CreatedAt) {
			return streams[i].ID < streams[j].ID
		}
		return streams[i].CreatedAt.Before(streams[j].CreatedAt)
	})
	return streams, nil
}

func (s *Storage) UpdateStreamMetadata(_ context.Context, id string, metadata map[string]string) (models.Stream, error) {
	var updated models.Stream
	err := s.mutate(func(data *dataset) error {
		stream, ok := data.Streams[id]
		if !ok {
			return fmt.Errorf("stream %s: %w", id, ErrNotFound)
		}
		stream.Metadata = cloneMetadata(metadata)
		stream.UpdatedAt = s.now()
		data.Streams[id] = stream
		updated = cloneStream(stream)
		return nil
	})
	return updated, err
}

func (s *Storage) DeleteStream(_ context.Context, id string) error {
	return s.mutate(func(data *dataset) error {
		if _, ok := data.Streams[id]; !ok {
			return fmt.Errorf("stream %s: %w", id, ErrNotFound)
		}
		delete(data.Streams, id)
		for key, link := range data.StreamAccounts {
			if link.StreamID == id {
				delete(data.StreamAccounts, key)
			}
		}
		for key, hook := range data.Webhooks {
			if hook.StreamID == id {
				delete(data.Webhooks, key)
			}
		}
		for key, share := range data.StreamShares {
			if share.StreamID == id {
				delete(data.StreamShares, key)
			}
		}
		return nil
	})
}

func (s *Storage) CreateAccount(_ context.Context, params CreateAccountParams) (models.Account, error) {
	if err := validateAccountParams(params); err != nil {
		return models.Account{}, err
	}
	id, err := generateID()
	if err != nil {
		return models.Account{}, err
	}
	sealed, err := s.sealer.Seal(params.Keystore)
	if err != nil {
		return models.Account{}, err
	}
	account := models.Account{
		ID:        id,
		Network:   strings.ToLower(strings.TrimSpace(params.Network)),
		Name:      strings.TrimSpace(params.Name),
		OwnerID:   strings.TrimSpace(params.OwnerID),
		Keystore:  sealed,
		Args:      params.Args,
		CreatedAt: s.now(),
	}
	if err := s.mutate(func(data *dataset) error {
		data.Accounts[id] = account
		return nil
	}); err != nil {
		return models.Account{}, err
	}
	account.Keystore = params.Keystore.Clone()
	return account, nil
}

func (s *Storage) AccountByID(_ context.Context, id string) (models.Account, error) {
	s.mu.RLock()
	account, ok := s.data.Accounts[id]
	s.mu.RUnlock()
	if !ok {
		return models.Account{}, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return s.openAccount(account)
}

func (s *Storage) UpdateAccountKeystore(_ context.Context, id string, ks models.Keystore) (models.Account, error) {
	sealed, err := s.sealer.Seal(ks)
	if err != nil {
		return models.Account{}, err
	}
	var updated models.Account
	err = s.mutate(func(data *dataset) error {
		account, ok := data.Accounts[id]
		if !ok {
			return fmt.Errorf("account %s: %w", id, ErrNotFound)
		}
		account.Keystore = sealed
		data.Accounts[id] = account
		updated = account
		return nil
	})
	if err != nil {
		return models.Account{}, err
	}
	updated.Keystore = ks.Clone()
	return updated, nil
}

func (s *Storage) openAccount(account models.Account) (models.Account, error) {
	opened, err := s.sealer.Open(account.Keystore)
	if err != nil {
		return models.Account{}, fmt.Errorf("account %s keystore: %w", account.ID, err)
	}
	account.Keystore = opened
	return account, nil
}

func (s *Storage) LinkAccount(_ context.Context, params LinkParams) (models.StreamAccount, error) {
	if err := validateLinkParams(params); err != nil {
		return models.StreamAccount{}, err
	}
	sealed, err := s.sealer.Seal(params.Keystore)
	if err != nil {
		return models.StreamAccount{}, err
	}
	link := models.StreamAccount{
		StreamID:  params.StreamID,
		AccountID: params.AccountID,
		Position:  params.Position,
		Enabled:   params.Enabled,
		Preview:   params.Preview,
		Args:      params.Args,
		Metadata:  cloneMetadata(params.Metadata),
		Keystore:  sealed,
		CreatedAt: s.now(),
	}
	err = s.mutate(func(data *dataset) error {
		if _, ok := data.Streams[params.StreamID]; !ok {
			return fmt.Errorf("stream %s: %w", params.StreamID, ErrNotFound)
		}
		if _, ok := data.Accounts[params.AccountID]; !ok {
			return fmt.Errorf("account %s: %w", params.AccountID, ErrNotFound)
		}
		key := linkKey(params.StreamID, params.AccountID)
		if existing, ok := data.StreamAccounts[key]; ok {
			link.RTMPURL = existing.RTMPURL
			link.CreatedAt = existing.CreatedAt
		}
		data.StreamAccounts[key] = link
		return nil
	})
	if err != nil {
		return models.StreamAccount{}, err
	}
	link.Keystore = params.Keystore.Clone()
	return link, nil
}

func (s *Storage) Destinations(_ context.Context, streamID string) ([]models.Destination, error) {
	s.mu.RLock()
	if _, ok := s.data.Streams[streamID]; !ok {
		s.mu.RUnlock()
		return nil, fmt.Errorf("stream %s: %w", streamID, ErrNotFound)
	}
	var raw []models.Destination
	for _, link := range s.data.StreamAccounts {
		if link.StreamID != streamID {
			continue
		}
		account, ok := s.data.Accounts[link.AccountID]
		if !ok {
			continue
		}
		link.Metadata = cloneMetadata(link.Metadata)
		raw = append(raw, models.Destination{Account: account, Link: link})
	}
	s.mu.RUnlock()

	dests := make([]models.Destination, 0, len(raw))
	for _, dest := range raw {
		account, err := s.openAccount(dest.Account)
		if err != nil {
			return nil, err
		}
		linkKeystore, err := s.sealer.Open(dest.Link.Keystore)
		if err != nil {
			return nil, fmt.Errorf("destination %s keystore: %w", dest.Link.AccountID, err)
		}
		dest.Account = account
		dest.Link.Keystore = linkKeystore
		dests = append(dests, dest)
	}
	models.SortDestinations(dests)
	return dests, nil
}

func (s *Storage) SetDestinationURL(_ context.Context, streamID, accountID, url string) error {
	return s.mutate(func(data *dataset) error {
		key := linkKey(streamID, accountID)
		link, ok := data.StreamAccounts[key]
		if !ok {
			return fmt.Errorf("destination %s on stream %s: %w", accountID, streamID, ErrNotFound)
		}
		link.RTMPURL = url
		data.StreamAccounts[key] = link
		return nil
	})
}

func (s *Storage) CreateWebhook(_ context.Context, params CreateWebhookParams) (models.Webhook, error) {
	if err := validateWebhookParams(params); err != nil {
		return models.Webhook{}, err
	}
	id, err := generateID()
	if err != nil {
		return models.Webhook{}, err
	}
	hook := models.Webhook{
		ID:        id,
		StreamID:  params.StreamID,
		URL:       strings.TrimSpace(params.URL),
		Type:      normalizeWebhookType(params.Type),
		Events:    append([]string(nil), params.Events...),
		Notes:     params.Notes,
		Secret:    params.Secret,
		CreatedAt: s.now(),
	}
	err = s.mutate(func(data *dataset) error {
		if _, ok := data.Streams[params.StreamID]; !ok {
			return fmt.Errorf("stream %s: %w", params.StreamID, ErrNotFound)
		}
		data.Webhooks[id] = hook
		return nil
	})
	if err != nil {
		return models.Webhook{}, err
	}
	return hook, nil
}

func (s *Storage) ListWebhooks(_ context.Context, streamID string) ([]models.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var hooks []models.Webhook
	for _, hook := range s.data.Webhooks {
		if hook.StreamID == streamID {
			hook.Events = append([]string(nil), hook.Events...)
			hooks = append(hooks, hook)
		}
	}
	sort.Slice(hooks, func(i, j int) bool {
		if hooks[i].CreatedAt.Equal(hooks[j].CreatedAt) {
			return hooks[i].ID < hooks[j].ID
		}
		return hooks[i].CreatedAt.Before(hooks[j].CreatedAt)
	})
	return hooks, nil
}

func (s *Storage) ShareStream(_ context.Context, share models.StreamShare) error {
	return s.mutate(func(data *dataset) error {
		if _, ok := data.Streams[share.StreamID]; !ok {
			return fmt.Errorf("stream %s: %w", share.StreamID, ErrNotFound)
		}
		data.StreamShares[shareKey(share.StreamID, share.UserID)] = share
		return nil
	})
}

func (s *Storage) ShareAccount(_ context.Context, share models.AccountShare) error {
	return s.mutate(func(data *dataset) error {
		if _, ok := data.Accounts[share.AccountID]; !ok {
			return fmt.Errorf("account %s: %w", share.AccountID, ErrNotFound)
		}
		data.AccountShares[shareKey(share.AccountID, share.UserID)] = share
		return nil
	})
}

func (s *Storage) StreamShares(_ context.Context, streamID string) ([]models.StreamShare, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var shares []models.StreamShare
	for _, share := range s.data.StreamShares {
		if share.StreamID == streamID {
			shares = append(shares, share)
		}
	}
	sort.Slice(shares, func(i, j int) bool { return shares[i].UserID < shares[j].UserID })
	return shares, nil
}

func (s *Storage) AccountShares(_ context.Context, accountID string) ([]models.AccountShare, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var shares []models.AccountShare
	for _, share := range s.data.AccountShares {
		if share.AccountID == accountID {
			shares = append(shares, share)
		}
	}
	sort.Slice(shares, func(i, j int) bool { return shares[i].UserID < shares[j].UserID })
	return shares, nil
}
