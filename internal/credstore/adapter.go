package credstore

import (
	"context"
)

// Adapter binds the store to one session and satisfies the protocol
// client's credential interface.
type Adapter struct {
	store     *Store
	sessionID int64
}

func NewAdapter(store *Store, sessionID int64) *Adapter {
	return &Adapter{store: store, sessionID: sessionID}
}

func (a *Adapter) SessionID() int64 {
	return a.sessionID
}

// LoadCreds returns the static credential blob, or nil when the session has
// never paired.
func (a *Adapter) LoadCreds(ctx context.Context) ([]byte, error) {
	vals, err := a.store.Get(ctx, a.sessionID, StaticCredentialKey, nil)
	if err != nil {
		return nil, err
	}
	return vals[""], nil
}

func (a *Adapter) StoreCreds(ctx context.Context, blob []byte) error {
	return a.store.Set(ctx, a.sessionID, map[string]map[string][]byte{
		StaticCredentialKey: {"": blob},
	})
}

func (a *Adapter) GetKeys(ctx context.Context, category string, ids []string) (map[string][]byte, error) {
	return a.store.Get(ctx, a.sessionID, category, ids)
}

func (a *Adapter) SetKeys(ctx context.Context, batch map[string]map[string][]byte) error {
	return a.store.Set(ctx, a.sessionID, batch)
}

func (a *Adapter) Clear(ctx context.Context) error {
	return a.store.Clear(ctx, a.sessionID)
}
