// Package session manages principal identity and company key custody on one
// device. A passphrase never leaves this package: it is stretched into a
// master key, expanded into purpose-bound subkeys, used to unseal the
// principal's private wrap key, and wiped.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/tallysync/tally/internal/client/store"
	"github.com/tallysync/tally/internal/common"
	"github.com/tallysync/tally/internal/cryptox"
	"github.com/tallysync/tally/internal/logging"
)

// Roles, in decreasing order of privilege. Auditors can read everything but
// mutate nothing.
const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleMember  = "member"
	RoleAuditor = "auditor"
)

// Principal identifies one user on one device.
type Principal struct {
	ID       string
	UserID   string
	DeviceID string
	Role     string
}

// ReadOnly reports whether the principal may not issue mutations.
func (p Principal) ReadOnly() bool {
	return p.Role == RoleAuditor
}

// Session is an unlocked principal: identity plus the unwrapped company key.
type Session struct {
	Principal Principal

	key   *Secret
	epoch int64
}

// CompanyKey returns the unwrapped company key. Valid until Close.
func (s *Session) CompanyKey() []byte {
	return s.key.Bytes()
}

// KeyEpoch returns the epoch of the key this session holds.
func (s *Session) KeyEpoch() int64 {
	return s.epoch
}

// Close zeroizes the company key.
func (s *Session) Close() {
	s.key.Close()
}

// Manager opens, bootstraps and enrolls sessions against one local store.
type Manager struct {
	store  *store.Store
	log    logging.Logger
	params cryptox.KDFParams
}

func NewManager(st *store.Store, log logging.Logger, params cryptox.KDFParams) *Manager {
	return &Manager{store: st, log: log.With("module", "session"), params: params}
}

// Bootstrap creates the company on a fresh store: mints the company key,
// enrolls the founding principal as admin, and returns their open session.
func (m *Manager) Bootstrap(ctx context.Context, p Principal, passphrase []byte) (*Session, error) {
	existing, err := m.store.ListPrincipalKeys(ctx, false)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, fmt.Errorf("store already bootstrapped")
	}

	p.Role = RoleAdmin
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	params, err := json.Marshal(m.params)
	if err != nil {
		return nil, err
	}
	if err := m.store.SetMeta(ctx, store.MetaKDFParams, params); err != nil {
		return nil, err
	}
	if err := m.store.SetMeta(ctx, store.MetaKeyEpoch, []byte("1")); err != nil {
		return nil, err
	}
	if err := m.store.SetMeta(ctx, store.MetaPrincipalID, []byte(p.ID)); err != nil {
		return nil, err
	}

	companyKey := cryptox.GenerateKey()
	if err := m.enroll(ctx, p, passphrase, companyKey, 1); err != nil {
		cryptox.Wipe(companyKey)
		return nil, err
	}

	m.log.Info(ctx, "company bootstrapped", "principal", p.ID)
	return &Session{Principal: p, key: NewSecret(companyKey), epoch: 1}, nil
}

// Enroll authorizes a new principal. Only admins may enroll; the new
// principal's passphrase is used once to seal their private wrap key and is
// not retained.
func (m *Manager) Enroll(ctx context.Context, admin *Session, p Principal, passphrase []byte) (Principal, error) {
	if admin.Principal.Role != RoleAdmin {
		return Principal{}, common.ErrUnauthorized
	}
	switch p.Role {
	case RoleAdmin, RoleManager, RoleMember, RoleAuditor:
	default:
		return Principal{}, fmt.Errorf("unknown role %q", p.Role)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	if err := m.enroll(ctx, p, passphrase, admin.CompanyKey(), admin.KeyEpoch()); err != nil {
		return Principal{}, err
	}
	m.log.Info(ctx, "principal enrolled", "principal", p.ID, "role", p.Role)
	return p, nil
}

// enroll derives the principal's key material and persists their row.
func (m *Manager) enroll(ctx context.Context, p Principal, passphrase, companyKey []byte, epoch int64) error {
	salt := cryptox.GenerateSalt()

	master, err := cryptox.DeriveMasterKey(ctx, passphrase, salt, m.params)
	if err != nil {
		return err
	}
	defer cryptox.Wipe(master)

	wrapKey, err := cryptox.DeriveSubkey(master, cryptox.PurposeEnc)
	if err != nil {
		return err
	}
	defer cryptox.Wipe(wrapKey)

	pub, priv := cryptox.GenerateWrapKeypair()
	defer cryptox.Wipe(priv[:])

	sealedPriv, err := cryptox.WrapKey(wrapKey, priv[:])
	if err != nil {
		return err
	}
	wrapped, err := cryptox.WrapKeyTo(pub, companyKey)
	if err != nil {
		return err
	}

	return m.store.SavePrincipalKey(ctx, store.PrincipalKey{
		PrincipalID:   p.ID,
		UserID:        p.UserID,
		DeviceID:      p.DeviceID,
		Role:          p.Role,
		KDFSalt:       salt,
		PubKey:        pub[:],
		SealedPrivKey: sealedPriv,
		WrappedKey:    wrapped,
		KeyEpoch:      epoch,
	})
}

// Open unlocks a session for an enrolled principal.
//
// Revoked principals and principals whose wrapping predates the current key
// epoch get common.ErrAccessRevoked: after a rotation the old wrapping opens
// nothing. A wrong passphrase surfaces as cryptox.ErrAuthenticationFailed.
func (m *Manager) Open(ctx context.Context, principalID string, passphrase []byte) (*Session, error) {
	row, err := m.store.GetPrincipalKey(ctx, principalID)
	if err != nil {
		return nil, err
	}
	if row.Revoked {
		return nil, common.ErrAccessRevoked
	}

	epoch, err := m.currentEpoch(ctx)
	if err != nil {
		return nil, err
	}
	if row.KeyEpoch < epoch {
		return nil, common.ErrAccessRevoked
	}

	params := m.params
	if raw, err := m.store.GetMeta(ctx, store.MetaKDFParams); err != nil {
		return nil, err
	} else if raw != nil {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, fmt.Errorf("corrupt kdf params: %w", err)
		}
	}

	master, err := cryptox.DeriveMasterKey(ctx, passphrase, row.KDFSalt, params)
	if err != nil {
		return nil, err
	}
	defer cryptox.Wipe(master)

	wrapKey, err := cryptox.DeriveSubkey(master, cryptox.PurposeEnc)
	if err != nil {
		return nil, err
	}
	defer cryptox.Wipe(wrapKey)

	privBytes, err := cryptox.UnwrapKey(wrapKey, row.SealedPrivKey)
	if err != nil {
		return nil, err
	}
	defer cryptox.Wipe(privBytes)

	var pub, priv [32]byte
	copy(pub[:], row.PubKey)
	copy(priv[:], privBytes)
	defer cryptox.Wipe(priv[:])

	companyKey, err := cryptox.UnwrapKeyFrom(&pub, &priv, row.WrappedKey)
	if err != nil {
		return nil, err
	}

	m.log.Debug(ctx, "session opened", "principal", principalID)
	return &Session{
		Principal: Principal{ID: row.PrincipalID, UserID: row.UserID, DeviceID: row.DeviceID, Role: row.Role},
		key:       NewSecret(companyKey),
		epoch:     row.KeyEpoch,
	}, nil
}

// AuthKey derives the relay login subkey for a principal. The relay stores
// only MakeVerifier(authKey), so deriving it is always client-side.
func (m *Manager) AuthKey(ctx context.Context, principalID string, passphrase []byte) ([]byte, error) {
	row, err := m.store.GetPrincipalKey(ctx, principalID)
	if err != nil {
		return nil, err
	}
	master, err := cryptox.DeriveMasterKey(ctx, passphrase, row.KDFSalt, m.params)
	if err != nil {
		return nil, err
	}
	defer cryptox.Wipe(master)
	return cryptox.DeriveSubkey(master, cryptox.PurposeAuth)
}

func (m *Manager) currentEpoch(ctx context.Context) (int64, error) {
	raw, err := m.store.GetMeta(ctx, store.MetaKeyEpoch)
	if err != nil {
		return 0, err
	}
	if raw == nil {
		return 1, nil
	}
	epoch, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt key epoch: %w", err)
	}
	return epoch, nil
}
