package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/codecloud/vps-control-plane/internal/kv"
	"github.com/codecloud/vps-control-plane/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	ErrCorrupt  = errors.New("corrupt record")
)

const (
	sessionPrefix   = "active_vps:"
	sessionIndexKey = "active_vps_keys"
	credentialPool  = "gh_tokens"
	credentialIdx   = "gh_token_last_idx"
	auditLogKey     = "userlogs"

	// AuditLogCap is the number of audit entries retained after each append.
	AuditLogCap = 500
)

func SessionKey(owner, repo string) string {
	return sessionPrefix + owner + ":" + repo
}

func credentialKey(id string) string { return "gh_token:" + id }
func userKey(name string) string { return "user:" + name }
func timeKey(name string) string { return "time:" + name }
func ipKey(addr string) string { return "ip:" + addr }

type Store struct {
	kv kv.Store
}

func New(s kv.Store) *Store {
	return &Store{kv: s}
}

func (s *Store) getJSON(ctx context.Context, key string, v any) error {
	raw, found, err := s.kv.Get(ctx, key)
	if err != nil {
		return err
	}
	if !found || raw == "" {
		return ErrNotFound
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}
	return nil
}

func (s *Store) setJSON(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.kv.Set(ctx, key, string(b))
}

// SaveSession writes the record and adds it to the index.
func (s *Store) SaveSession(ctx context.Context, sess model.Session) error {
	key := SessionKey(sess.Owner, sess.Repo)
	if err := s.setJSON(ctx, key, sess); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if _, err := s.kv.SAdd(ctx, sessionIndexKey, key); err != nil {
		return fmt.Errorf("index session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, owner, repo string) (model.Session, error) {
	var sess model.Session
	if err := s.getJSON(ctx, SessionKey(owner, repo), &sess); err != nil {
		return model.Session{}, err
	}
	return sess, nil
}

func (s *Store) DeleteSession(ctx context.Context, owner, repo string) error {
	return s.dropSessionKey(ctx, SessionKey(owner, repo))
}

func (s *Store) dropSessionKey(ctx context.Context, key string) error {
	if _, err := s.kv.Del(ctx, key); err != nil {
		return fmt.Errorf("delete session %s: %w", key, err)
	}
	if _, err := s.kv.SRem(ctx, sessionIndexKey, key); err != nil {
		return fmt.Errorf("unindex session %s: %w", key, err)
	}
	return nil
}

type SessionScan struct {
	Sessions []model.Session
	// Missing and Corrupt hold index keys that were pruned during the scan.
	Missing []string
	Corrupt []string
}

// ScanSessions resolves every indexed session. Index entries without a record
// are removed, and unparseable records are deleted along with their entry.
func (s *Store) ScanSessions(ctx context.Context) (SessionScan, error) {
	keys, err := s.kv.SMembers(ctx, sessionIndexKey)
	if err != nil {
		return SessionScan{}, fmt.Errorf("read session index: %w", err)
	}
	sort.Strings(keys)
	var out SessionScan
	for _, key := range keys {
		var sess model.Session
		err := s.getJSON(ctx, key, &sess)
		switch {
		case err == nil:
			if sess.Owner == "" || sess.Repo == "" {
				if derr := s.dropSessionKey(ctx, key); derr != nil {
					return out, derr
				}
				out.Corrupt = append(out.Corrupt, key)
				continue
			}
			out.Sessions = append(out.Sessions, sess)
		case errors.Is(err, ErrNotFound):
			if _, rerr := s.kv.SRem(ctx, sessionIndexKey, key); rerr != nil {
				return out, fmt.Errorf("prune session index: %w", rerr)
			}
			out.Missing = append(out.Missing, key)
		case errors.Is(err, ErrCorrupt):
			if derr := s.dropSessionKey(ctx, key); derr != nil {
				return out, derr
			}
			out.Corrupt = append(out.Corrupt, key)
		default:
			return out, err
		}
	}
	return out, nil
}

// ParseSessionKey splits an index key back into owner and repo.
func ParseSessionKey(key string) (string, string, bool) {
	rest, ok := strings.CutPrefix(key, sessionPrefix)
	if !ok {
		return "", "", false
	}
	owner, repo, ok := strings.Cut(rest, ":")
	if !ok || owner == "" || repo == "" {
		return "", "", false
	}
	return owner, repo, true
}

func (s *Store) GetCredential(ctx context.Context, id string) (model.Credential, error) {
	var c model.Credential
	if err := s.getJSON(ctx, credentialKey(id), &c); err != nil {
		return model.Credential{}, err
	}
	c.ID = id
	return c, nil
}

func (s *Store) SaveCredential(ctx context.Context, c model.Credential) error {
	if c.ID == "" {
		return errors.New("credential id is required")
	}
	return s.setJSON(ctx, credentialKey(c.ID), c)
}

// AddCredential stores a new credential and appends its id to the pool.
func (s *Store) AddCredential(ctx context.Context, c model.Credential) error {
	if err := s.SaveCredential(ctx, c); err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	if _, err := s.kv.RPush(ctx, credentialPool, c.ID); err != nil {
		return fmt.Errorf("append credential to pool: %w", err)
	}
	return nil
}

func (s *Store) DeleteCredential(ctx context.Context, id string) error {
	if _, err := s.kv.Del(ctx, credentialKey(id)); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	if _, err := s.kv.LRem(ctx, credentialPool, 0, id); err != nil {
		return fmt.Errorf("remove credential from pool: %w", err)
	}
	return nil
}

func (s *Store) CredentialIDs(ctx context.Context) ([]string, error) {
	ids, err := s.kv.LRange(ctx, credentialPool, 0, -1)
	if err != nil {
		return nil, fmt.Errorf("read credential pool: %w", err)
	}
	return ids, nil
}

// AdvanceCursor bumps the shared round-robin counter and returns its new value.
func (s *Store) AdvanceCursor(ctx context.Context) (int64, error) {
	return s.kv.Incr(ctx, credentialIdx)
}

func (s *Store) GetUser(ctx context.Context, name string) (model.User, error) {
	var u model.User
	if err := s.getJSON(ctx, userKey(name), &u); err != nil {
		return model.User{}, err
	}
	return u, nil
}

func (s *Store) SaveUser(ctx context.Context, u model.User) error {
	return s.setJSON(ctx, userKey(u.Username), u)
}

func (s *Store) ListUsers(ctx context.Context) ([]model.User, error) {
	keys, err := s.kv.Keys(ctx, "user:*")
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	sort.Strings(keys)
	out := make([]model.User, 0, len(keys))
	for _, key := range keys {
		var u model.User
		if err := s.getJSON(ctx, key, &u); err != nil {
			if errors.Is(err, ErrNotFound) || errors.Is(err, ErrCorrupt) {
				continue
			}
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

// GetMinutes returns the stored balance, or zero when none was recorded.
func (s *Store) GetMinutes(ctx context.Context, name string) (int, error) {
	var minutes int
	err := s.getJSON(ctx, timeKey(name), &minutes)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return minutes, nil
}

func (s *Store) SetMinutes(ctx context.Context, name string, minutes int) error {
	if minutes < 0 {
		minutes = 0
	}
	return s.setJSON(ctx, timeKey(name), minutes)
}

func (s *Store) GetIPRegistration(ctx context.Context, addr string) (model.IPRegistration, bool, error) {
	var reg model.IPRegistration
	err := s.getJSON(ctx, ipKey(addr), &reg)
	if errors.Is(err, ErrNotFound) {
		return model.IPRegistration{}, false, nil
	}
	if err != nil {
		return model.IPRegistration{}, false, err
	}
	return reg, true, nil
}

func (s *Store) SaveIPRegistration(ctx context.Context, addr string, reg model.IPRegistration) error {
	return s.setJSON(ctx, ipKey(addr), reg)
}

// AppendAudit pushes entry to the head of the log and trims it to AuditLogCap.
func (s *Store) AppendAudit(ctx context.Context, entry model.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	if _, err := s.kv.LPush(ctx, auditLogKey, string(b)); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	if err := s.kv.LTrim(ctx, auditLogKey, 0, AuditLogCap-1); err != nil {
		return fmt.Errorf("trim audit log: %w", err)
	}
	return nil
}

// RecentAudit returns up to limit entries, newest first. Malformed lines are skipped.
func (s *Store) RecentAudit(ctx context.Context, limit int) ([]model.AuditEntry, error) {
	if limit <= 0 {
		return []model.AuditEntry{}, nil
	}
	raw, err := s.kv.LRange(ctx, auditLogKey, 0, int64(limit-1))
	if err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	out := make([]model.AuditEntry, 0, len(raw))
	for _, line := range raw {
		var e model.AuditEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
