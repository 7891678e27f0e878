package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/nuetzliches/eventpipe/internal/atomicfile"
	"github.com/nuetzliches/eventpipe/internal/payload"
)

// User is the locally known profile merged into outgoing events.
type User struct {
	Identifiers payload.Map `json:"identifiers,omitempty"`
	Attributes  payload.Map `json:"attributes,omitempty"`
	Consent     payload.Map `json:"consent,omitempty"`
}

func (u User) clone() User {
	return User{
		Identifiers: u.Identifiers.Clone(),
		Attributes:  u.Attributes.Clone(),
		Consent:     u.Consent.Clone(),
	}
}

// Identity owns the current user.
type Identity interface {
	Current() User
	Merge(identifiers, attributes, consent payload.Map) User
	// Forget drops identifier keys from the user.
	Forget(keys ...string) User
	// Reset replaces the user with a fresh anonymous one.
	Reset() User
	// AnonymousKey names the identifier that holds the anonymous id.
	AnonymousKey() string
}

// OptInStore is implemented by identities that remember the opt-in decision.
// known is false until a decision was recorded.
type OptInStore interface {
	OptedIn() (value, known bool)
	SetOptedIn(bool)
}

// AdvertisingIDStore is implemented by identities that remember whether the
// advertising id is attached to events.
type AdvertisingIDStore interface {
	AdvertisingIDEnabled() (value, known bool)
	SetAdvertisingIDEnabled(bool)
}

// MemoryIdentity keeps the user in process memory.
type MemoryIdentity struct {
	anonymousKey string
	newID        func() string

	mu            sync.Mutex
	user          User
	optedIn       *bool
	advertisingID *bool
}

func NewMemoryIdentity(anonymousKey string) *MemoryIdentity {
	if strings.TrimSpace(anonymousKey) == "" {
		anonymousKey = payload.AnonymousIdentifier
	}
	m := &MemoryIdentity{
		anonymousKey: anonymousKey,
		newID:        func() string { return uuid.NewString() },
	}
	m.user = m.ensureAnonymous(User{})
	return m
}

func (m *MemoryIdentity) ensureAnonymous(u User) User {
	if v, ok := u.Identifiers[m.anonymousKey]; ok && !v.IsBlank() {
		return u
	}
	u.Identifiers = u.Identifiers.Merge(payload.Map{m.anonymousKey: payload.String(m.newID())})
	return u
}

func (m *MemoryIdentity) Current() User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.user.clone()
}

func (m *MemoryIdentity) Merge(identifiers, attributes, consent payload.Map) User {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.user = User{
		Identifiers: m.user.Identifiers.Merge(identifiers),
		Attributes:  m.user.Attributes.Merge(attributes),
		Consent:     m.user.Consent.Merge(consent),
	}
	return m.user.clone()
}

func (m *MemoryIdentity) Forget(keys ...string) User {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.user.Identifiers.Clone()
	for _, k := range keys {
		if k != m.anonymousKey {
			delete(ids, k)
		}
	}
	m.user.Identifiers = ids
	return m.user.clone()
}

func (m *MemoryIdentity) AnonymousKey() string { return m.anonymousKey }

func (m *MemoryIdentity) Reset() User {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.user = m.ensureAnonymous(User{})
	return m.user.clone()
}

func (m *MemoryIdentity) OptedIn() (bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.optedIn == nil {
		return false, false
	}
	return *m.optedIn, true
}

func (m *MemoryIdentity) SetOptedIn(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.optedIn = &v
}

func (m *MemoryIdentity) AdvertisingIDEnabled() (bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.advertisingID == nil {
		return false, false
	}
	return *m.advertisingID, true
}

func (m *MemoryIdentity) SetAdvertisingIDEnabled(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advertisingID = &v
}

type identityFile struct {
	User          User  `json:"user"`
	OptedIn       *bool `json:"opted_in,omitempty"`
	AdvertisingID *bool `json:"advertising_id_enabled,omitempty"`
}

// FileIdentity persists the user, the opt-in decision and the advertising id
// switch as a JSON document.
// Write failures are logged; the in-memory state stays authoritative.
type FileIdentity struct {
	*MemoryIdentity
	path   string
	logger *slog.Logger
	saveMu sync.Mutex
}

// OpenFileIdentity loads path, or starts a fresh anonymous user when the file
// does not exist. An unreadable document is replaced.
func OpenFileIdentity(path, anonymousKey string, logger *slog.Logger) (*FileIdentity, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("empty identity path")
	}
	if logger == nil {
		logger = slog.Default()
	}
	f := &FileIdentity{MemoryIdentity: NewMemoryIdentity(anonymousKey), path: path, logger: logger}

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		f.save()
		return f, nil
	case err != nil:
		return nil, fmt.Errorf("read identity: %w", err)
	}

	var doc identityFile
	if err := json.Unmarshal(raw, &doc); err != nil {
		logger.Warn("identity_file_invalid", slog.String("path", path), slog.Any("err", err))
		f.save()
		return f, nil
	}
	f.mu.Lock()
	f.user = f.ensureAnonymous(doc.User)
	f.optedIn = doc.OptedIn
	f.advertisingID = doc.AdvertisingID
	f.mu.Unlock()
	return f, nil
}

func (f *FileIdentity) Merge(identifiers, attributes, consent payload.Map) User {
	u := f.MemoryIdentity.Merge(identifiers, attributes, consent)
	f.save()
	return u
}

func (f *FileIdentity) Forget(keys ...string) User {
	u := f.MemoryIdentity.Forget(keys...)
	f.save()
	return u
}

func (f *FileIdentity) Reset() User {
	u := f.MemoryIdentity.Reset()
	f.save()
	return u
}

func (f *FileIdentity) SetOptedIn(v bool) {
	f.MemoryIdentity.SetOptedIn(v)
	f.save()
}

func (f *FileIdentity) SetAdvertisingIDEnabled(v bool) {
	f.MemoryIdentity.SetAdvertisingIDEnabled(v)
	f.save()
}

func (f *FileIdentity) save() {
	f.saveMu.Lock()
	defer f.saveMu.Unlock()

	f.mu.Lock()
	doc := identityFile{User: f.user.clone(), OptedIn: f.optedIn, AdvertisingID: f.advertisingID}
	f.mu.Unlock()

	data, err := json.Marshal(doc)
	if err == nil {
		err = atomicfile.Write(f.path, data, 0o600)
	}
	if err != nil {
		f.logger.Warn("identity_save_failed", slog.String("path", f.path), slog.Any("err", err))
	}
}
