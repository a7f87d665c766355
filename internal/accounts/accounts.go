// Package accounts manages user registration, login, bans and the minute
// balance that pays for VPS time.
package accounts

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"math"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/charmbracelet/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/codecloud/vps-control-plane/internal/model"
	"github.com/codecloud/vps-control-plane/internal/store"
)

type Store interface {
	GetUser(ctx context.Context, name string) (model.User, error)
	SaveUser(ctx context.Context, u model.User) error
	ListUsers(ctx context.Context) ([]model.User, error)
	GetMinutes(ctx context.Context, name string) (int, error)
	SetMinutes(ctx context.Context, name string, minutes int) error
	GetIPRegistration(ctx context.Context, addr string) (model.IPRegistration, bool, error)
	SaveIPRegistration(ctx context.Context, addr string, reg model.IPRegistration) error
	AppendAudit(ctx context.Context, entry model.AuditEntry) error
}

const (
	DefaultFreeMinutes = 30
	// AdminMinutes is the balance reported for admin logins.
	AdminMinutes = 9999
)

var usernamePattern = regexp.MustCompile(`^[a-z0-9_]+$`)

type Options struct {
	Clock clock.Clock
	// Admins maps admin usernames to their passwords.
	Admins      map[string]string
	FreeMinutes int
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
}

type Service struct {
	store  Store
	clock  clock.Clock
	admins map[string]string
	free   int
	cost   int
}

func New(st Store, opts Options) *Service {
	s := &Service{
		store:  st,
		clock:  opts.Clock,
		admins: make(map[string]string, len(opts.Admins)),
		free:   opts.FreeMinutes,
		cost:   opts.BcryptCost,
	}
	for name, pw := range opts.Admins {
		s.admins[strings.ToLower(strings.TrimSpace(name))] = pw
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.free <= 0 {
		s.free = DefaultFreeMinutes
	}
	if s.cost == 0 {
		s.cost = bcrypt.DefaultCost
	}
	return s
}

// Account is the public view of a logged in identity.
type Account struct {
	Username  string    `json:"username"`
	IsAdmin   bool      `json:"isAdmin"`
	CreatedAt time.Time `json:"createdAt"`
}

type LoginResult struct {
	Account Account
	Minutes int
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// IsAdmin reports whether name is a configured admin account.
func (s *Service) IsAdmin(name string) bool {
	_, ok := s.admins[normalize(name)]
	return ok
}

type LoginRequest struct {
	Username string
	Password string
	Client   Client
}

func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	name := normalize(req.Username)
	if name == "" || req.Password == "" {
		return LoginResult{}, fail(KindInvalid, msgMissingLogin)
	}
	now := s.clock.Now().UTC()

	if pw, ok := s.admins[name]; ok && subtle.ConstantTimeCompare([]byte(pw), []byte(req.Password)) == 1 {
		s.audit(ctx, model.AuditEntry{Type: "admin_login", Username: name}, req.Client)
		log.Info("admin login", "username", name, "ip", req.Client.IP)
		return LoginResult{Account: Account{Username: name, IsAdmin: true, CreatedAt: now}, Minutes: AdminMinutes}, nil
	}

	u, err := s.store.GetUser(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return LoginResult{}, fail(KindUnauthorized, msgUnknownAccount)
	}
	if err != nil {
		return LoginResult{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)) != nil {
		return LoginResult{}, fail(KindUnauthorized, msgWrongPassword)
	}
	if u.BanActive(now) {
		return LoginResult{}, fail(KindBanned, banMessage(u, now))
	}
	if u.IsBanned {
		u.ClearBan()
		log.Info("temporary ban elapsed", "username", name)
	}

	u.LastLoginIP = req.Client.IP
	u.LastLoginAt = &now
	if err := s.store.SaveUser(ctx, u); err != nil {
		return LoginResult{}, err
	}
	s.audit(ctx, model.AuditEntry{Type: "login", Username: name}, req.Client)

	minutes, err := s.store.GetMinutes(ctx, name)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{Account: Account{Username: u.Username, CreatedAt: u.CreatedAt}, Minutes: minutes}, nil
}

func banMessage(u model.User, now time.Time) string {
	if u.BanType == model.BanPermanent {
		return msgBannedForever
	}
	if u.BanUntil == nil {
		return msgBanned
	}
	hours := int(math.Ceil(u.BanUntil.Sub(now).Hours()))
	if hours > 24 {
		return fmt.Sprintf("Tài khoản bị khóa. Còn %d ngày", int(math.Ceil(float64(hours)/24)))
	}
	return fmt.Sprintf("Tài khoản bị khóa. Còn %d giờ", hours)
}

type RegisterRequest struct {
	Username string
	Password string
	// Confirm is checked only when set.
	Confirm string
	Client  Client
}

// Register creates an account. A second account from an address that
// already registered one is stored banned with no minutes and reported as
// KindBanned.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (LoginResult, error) {
	name := normalize(req.Username)
	if name == "" || req.Password == "" {
		return LoginResult{}, fail(KindInvalid, msgMissingRegister)
	}
	if len(name) < 3 || len(name) > 20 {
		return LoginResult{}, fail(KindInvalid, msgUsernameLength)
	}
	if !usernamePattern.MatchString(name) {
		return LoginResult{}, fail(KindInvalid, msgUsernameChars)
	}
	if len(req.Password) < 6 {
		return LoginResult{}, fail(KindInvalid, msgPasswordLength)
	}
	if req.Confirm != "" && req.Confirm != req.Password {
		return LoginResult{}, fail(KindInvalid, msgConfirmMismatch)
	}
	if s.IsAdmin(name) {
		return LoginResult{}, fail(KindConflict, msgUsernameTaken)
	}
	if _, err := s.store.GetUser(ctx, name); err == nil {
		return LoginResult{}, fail(KindConflict, msgUsernameTaken)
	} else if !errors.Is(err, store.ErrNotFound) {
		return LoginResult{}, err
	}

	now := s.clock.Now().UTC()
	firstOwner, err := s.registerAddress(ctx, req.Client.IP, name, now)
	if err != nil {
		return LoginResult{}, err
	}
	banned := firstOwner != ""

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return LoginResult{}, fmt.Errorf("hash password: %w", err)
	}
	u := model.User{
		Username:     name,
		PasswordHash: string(hash),
		RegisterIP:   req.Client.IP,
		CreatedAt:    now,
	}
	if banned {
		u.IsBanned = true
		u.BanType = model.BanPermanent
		u.BanReason = fmt.Sprintf("Tài khoản phụ (IP trùng với %s)", firstOwner)
		u.BannedAt = &now
	}
	if err := s.store.SaveUser(ctx, u); err != nil {
		return LoginResult{}, err
	}
	minutes := s.free
	if banned {
		minutes = 0
	}
	if err := s.store.SetMinutes(ctx, name, minutes); err != nil {
		return LoginResult{}, err
	}
	s.audit(ctx, model.AuditEntry{Type: "register", Username: name, Banned: banned}, req.Client)

	if banned {
		log.Warn("secondary account blocked", "username", name, "first_username", firstOwner, "ip", req.Client.IP)
		return LoginResult{}, fail(KindBanned, fmt.Sprintf(
			"Phát hiện tài khoản phụ! IP của bạn đã đăng ký tài khoản \"%s\". Tài khoản mới đã bị khóa.", firstOwner))
	}
	log.Info("account registered", "username", name)
	return LoginResult{Account: Account{Username: name, CreatedAt: now}, Minutes: minutes}, nil
}

// registerAddress records name against ip and returns the first username
// registered from it when name is not the first.
func (s *Service) registerAddress(ctx context.Context, ip, name string, now time.Time) (string, error) {
	if !known(ip) {
		return "", nil
	}
	reg, ok, err := s.store.GetIPRegistration(ctx, ip)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", s.store.SaveIPRegistration(ctx, ip, model.IPRegistration{
			FirstUsername: name,
			AllUsernames:  []string{name},
			AccountCount:  1,
			CreatedAt:     now,
			LastActivity:  now,
		})
	}
	if !slices.Contains(reg.AllUsernames, name) {
		reg.AllUsernames = append(reg.AllUsernames, name)
	}
	reg.AccountCount = max(reg.AccountCount, 1) + 1
	reg.LastActivity = now
	if err := s.store.SaveIPRegistration(ctx, ip, reg); err != nil {
		return "", err
	}
	first := reg.FirstUsername
	if first == "" {
		first = "?"
	}
	return first, nil
}

func (s *Service) Minutes(ctx context.Context, name string) (int, error) {
	name = normalize(name)
	if name == "" {
		return 0, fail(KindInvalid, msgMissingUsername)
	}
	return s.store.GetMinutes(ctx, name)
}

type Operation string

const (
	OpAdd    Operation = "add"
	OpDeduct Operation = "deduct"
	OpSet    Operation = "set"
)

type TimeUpdate struct {
	Username  string
	Operation Operation
	Minutes   int
	Client    Client
}

type TimeChange struct {
	Previous int `json:"previousMinutes"`
	New      int `json:"newMinutes"`
}

// UpdateMinutes adjusts a balance. Deduct and set never go below zero; an
// empty operation means set.
func (s *Service) UpdateMinutes(ctx context.Context, req TimeUpdate) (TimeChange, error) {
	name := normalize(req.Username)
	if name == "" {
		return TimeChange{}, fail(KindInvalid, msgMissingUsername)
	}
	if req.Minutes < 0 {
		return TimeChange{}, fail(KindInvalid, msgInvalidMinutes)
	}
	if err := s.mustExist(ctx, name); err != nil {
		return TimeChange{}, err
	}
	prev, err := s.store.GetMinutes(ctx, name)
	if err != nil {
		return TimeChange{}, err
	}

	op := req.Operation
	if op == "" {
		op = OpSet
	}
	var next int
	switch op {
	case OpAdd:
		next = prev + req.Minutes
	case OpDeduct:
		next = max(0, prev-req.Minutes)
	case OpSet:
		next = max(0, req.Minutes)
	default:
		return TimeChange{}, fail(KindInvalid, msgInvalidOp)
	}
	if err := s.store.SetMinutes(ctx, name, next); err != nil {
		return TimeChange{}, err
	}
	minutes, p, n := req.Minutes, prev, next
	s.audit(ctx, model.AuditEntry{
		Type:            "updateTime",
		Username:        name,
		Operation:       string(op),
		Minutes:         &minutes,
		PreviousMinutes: &p,
		NewMinutes:      &n,
	}, req.Client)
	return TimeChange{Previous: prev, New: next}, nil
}

type BanUnit string

const (
	UnitHours     BanUnit = "hours"
	UnitDays      BanUnit = "days"
	UnitMonths    BanUnit = "months"
	UnitPermanent BanUnit = "permanent"
)

var unitLabels = map[BanUnit]string{
	UnitHours:     "giờ",
	UnitDays:      "ngày",
	UnitMonths:    "tháng",
	UnitPermanent: "vĩnh viễn",
}

type BanRequest struct {
	Username string
	Unit     BanUnit
	Duration int
	Client   Client
}

type BanResult struct {
	Username string     `json:"username"`
	Until    *time.Time `json:"banUntil"`
	Reason   string     `json:"reason"`
}

func banLength(unit BanUnit, n int) time.Duration {
	switch unit {
	case UnitHours:
		return time.Duration(n) * time.Hour
	case UnitDays:
		return time.Duration(n) * 24 * time.Hour
	default:
		return time.Duration(n) * 30 * 24 * time.Hour
	}
}

// Ban blocks an account. Months count as 30 days; the default is a
// permanent ban, and a missing duration counts as one unit.
func (s *Service) Ban(ctx context.Context, req BanRequest) (BanResult, error) {
	name := normalize(req.Username)
	if name == "" {
		return BanResult{}, fail(KindInvalid, msgMissingUsername)
	}
	unit := req.Unit
	if unit == "" {
		unit = UnitPermanent
	}
	if _, ok := unitLabels[unit]; !ok {
		return BanResult{}, fail(KindInvalid, msgInvalidUnit)
	}
	duration := req.Duration
	if duration <= 0 {
		duration = 1
	}
	u, err := s.user(ctx, name)
	if err != nil {
		return BanResult{}, err
	}

	now := s.clock.Now().UTC()
	res := BanResult{Username: name, Reason: "Khóa vĩnh viễn bởi Admin"}
	u.IsBanned = true
	u.BanType = model.BanPermanent
	u.BanUntil = nil
	if unit != UnitPermanent {
		until := now.Add(banLength(unit, duration))
		res.Until = &until
		res.Reason = fmt.Sprintf("Khóa %d %s bởi Admin", duration, unitLabels[unit])
		u.BanType = model.BanTemporary
		u.BanUntil = &until
	}
	u.BanReason = res.Reason
	u.BannedAt = &now
	if err := s.store.SaveUser(ctx, u); err != nil {
		return BanResult{}, err
	}
	s.audit(ctx, model.AuditEntry{
		Type:     "ban",
		Target:   name,
		Unit:     string(unit),
		Duration: duration,
		BanUntil: res.Until,
		Reason:   res.Reason,
	}, req.Client)
	log.Info("user banned", "username", name, "unit", unit, "duration", duration)
	return res, nil
}

func (s *Service) Unban(ctx context.Context, username string, client Client) error {
	name := normalize(username)
	if name == "" {
		return fail(KindInvalid, msgMissingUsername)
	}
	u, err := s.user(ctx, name)
	if err != nil {
		return err
	}
	u.ClearBan()
	if err := s.store.SaveUser(ctx, u); err != nil {
		return err
	}
	s.audit(ctx, model.AuditEntry{Type: "unban", Target: name}, client)
	log.Info("user unbanned", "username", name)
	return nil
}

// UserSummary is the admin view of an account. The password hash is never
// included.
type UserSummary struct {
	Username    string        `json:"username"`
	CreatedAt   time.Time     `json:"createdAt"`
	RegisterIP  string        `json:"registerIP,omitempty"`
	IsBanned    bool          `json:"isBanned"`
	BanType     model.BanType `json:"banType,omitempty"`
	BanUntil    *time.Time    `json:"banUntil,omitempty"`
	BanReason   string        `json:"banReason,omitempty"`
	LastLoginIP string        `json:"lastLoginIP,omitempty"`
	LastLoginAt *time.Time    `json:"lastLoginAt,omitempty"`
	Minutes     int           `json:"timeMinutes"`
}

func (s *Service) ListUsers(ctx context.Context) ([]UserSummary, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]UserSummary, 0, len(users))
	for _, u := range users {
		minutes, err := s.store.GetMinutes(ctx, u.Username)
		if err != nil {
			return nil, err
		}
		out = append(out, UserSummary{
			Username:    u.Username,
			CreatedAt:   u.CreatedAt,
			RegisterIP:  u.RegisterIP,
			IsBanned:    u.IsBanned,
			BanType:     u.BanType,
			BanUntil:    u.BanUntil,
			BanReason:   u.BanReason,
			LastLoginIP: u.LastLoginIP,
			LastLoginAt: u.LastLoginAt,
			Minutes:     minutes,
		})
	}
	return out, nil
}

func (s *Service) user(ctx context.Context, name string) (model.User, error) {
	u, err := s.store.GetUser(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return model.User{}, fail(KindNotFound, msgUnknownUser)
	}
	return u, err
}

func (s *Service) mustExist(ctx context.Context, name string) error {
	_, err := s.user(ctx, name)
	return err
}

// audit appends entry stamped with the client details. Failures are logged
// and otherwise ignored.
func (s *Service) audit(ctx context.Context, entry model.AuditEntry, c Client) {
	entry.At = s.clock.Now().UTC()
	entry.IP = c.IP
	entry.IPRaw = c.IPRaw
	entry.UA = c.UA
	if err := s.store.AppendAudit(ctx, entry); err != nil {
		log.Warn("audit account event", "type", entry.Type, "err", err)
	}
}
