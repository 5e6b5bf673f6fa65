package privileged

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/haasonsaas/kapy/pkg/models"
)

// Reason codes surfaced verbatim to the chat for privileged failures.
const (
	ReasonOK                     = "ok"
	ReasonTwoFactorDisabled      = "two_factor_disabled"
	ReasonNotEnrolled            = "not_enrolled"
	ReasonChallengeNotFound      = "challenge_not_found"
	ReasonChallengeExpired       = "challenge_expired"
	ReasonChallengeOwnerMismatch = "challenge_owner_mismatch"
	ReasonChallengeApproved      = "challenge_already_approved"
	ReasonChallengeNotApproved   = "challenge_not_approved"
	ReasonTOTPInvalid            = "totp_code_invalid"
	ReasonActionHashMismatch     = "action_hash_mismatch"
	ReasonNoPendingInput         = "no_pending_input"
	ReasonEnrollmentNotFound     = "enrollment_not_found"
)

var codePattern = regexp.MustCompile(`^[0-9]{6}$`)

// IsCode reports whether text looks like a 6-digit TOTP code.
func IsCode(text string) bool { return codePattern.MatchString(text) }

// Challenge is one pending privileged-action approval.
type Challenge struct {
	ChallengeID string         `json:"challenge_id"`
	UserID      string         `json:"user_id"`
	Action      map[string]any `json:"action"`
	ActionHash  string         `json:"action_hash"`
	CreatedAt   time.Time      `json:"created_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
	Approved    bool           `json:"approved"`
}

// Enrollment tracks an in-progress TOTP setup.
type Enrollment struct {
	PendingSecret string    `json:"pending_secret"`
	URI           string    `json:"uri"`
	CreatedAt     time.Time `json:"created_at"`
}

// PendingInput marks that the user's next message must be a 6-digit
// code approving the stored challenge.
type PendingInput struct {
	ChallengeID string    `json:"challenge_id"`
	RetryCmd    string    `json:"retry_cmd"`
	CreatedAt   time.Time `json:"created_at"`
}

type approvalWindow struct {
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TwoFactor implements interactive TOTP approval for privileged
// actions. Secrets, enrollments and pending-input markers persist to
// a JSON state file; challenges and approval windows are ephemeral.
type TwoFactor struct {
	mu sync.Mutex

	enabled      bool
	secrets      map[string]string // user_id -> base32 secret
	enrollments  map[string]*Enrollment
	pendingInput map[string]*PendingInput
	challenges   map[string]*Challenge
	windows      map[string]*approvalWindow

	issuer       string
	challengeTTL time.Duration
	windowTTL    time.Duration
	validWindow  uint

	statePath string
	logger    *slog.Logger
	now       func() time.Time
}

// TwoFactorConfig configures the service.
type TwoFactorConfig struct {
	Enabled      bool
	StatePath    string
	Issuer       string
	ChallengeTTL time.Duration
	WindowTTL    time.Duration

	// ValidWindow is the accepted TOTP period drift (default 1).
	ValidWindow uint

	Logger *slog.Logger
}

// NewTwoFactor loads state and returns the service.
func NewTwoFactor(cfg TwoFactorConfig) (*TwoFactor, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = 5 * time.Minute
	}
	if cfg.WindowTTL <= 0 {
		cfg.WindowTTL = 600 * time.Second
	}
	if cfg.ValidWindow == 0 {
		cfg.ValidWindow = 1
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "kapy"
	}
	t := &TwoFactor{
		enabled:      cfg.Enabled,
		secrets:      make(map[string]string),
		enrollments:  make(map[string]*Enrollment),
		pendingInput: make(map[string]*PendingInput),
		challenges:   make(map[string]*Challenge),
		windows:      make(map[string]*approvalWindow),
		issuer:       cfg.Issuer,
		challengeTTL: cfg.ChallengeTTL,
		windowTTL:    cfg.WindowTTL,
		validWindow:  cfg.ValidWindow,
		statePath:    cfg.StatePath,
		logger:       logger.With("component", "twofactor"),
		now:          time.Now,
	}
	if err := t.load(); err != nil {
		return nil, err
	}
	return t, nil
}

// Enrolled reports whether the user has a confirmed TOTP secret.
func (t *TwoFactor) Enrolled(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.secrets[userID]
	return ok
}

// CreateChallenge opens a new approval challenge for the action.
func (t *TwoFactor) CreateChallenge(userID string, action map[string]any) (*Challenge, error) {
	if !t.enabled {
		return nil, errors.New(ReasonTwoFactorDisabled)
	}
	hash, err := ActionHash(action)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.secrets[userID]; !ok {
		return nil, errors.New(ReasonNotEnrolled)
	}
	now := t.now()
	ch := &Challenge{
		ChallengeID: uuid.NewString(),
		UserID:      userID,
		Action:      action,
		ActionHash:  hash,
		CreatedAt:   now,
		ExpiresAt:   now.Add(t.challengeTTL),
	}
	t.challenges[ch.ChallengeID] = ch
	return ch, nil
}

// ApproveChallenge validates ownership, expiry, action hash and the
// TOTP code, then marks the challenge approved.
func (t *TwoFactor) ApproveChallenge(challengeID, userID, code string, action map[string]any) (bool, string) {
	if !t.enabled {
		return false, ReasonTwoFactorDisabled
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	ch, ok := t.challenges[challengeID]
	if !ok {
		return false, ReasonChallengeNotFound
	}
	if ch.UserID != userID {
		return false, ReasonChallengeOwnerMismatch
	}
	if t.now().After(ch.ExpiresAt) {
		delete(t.challenges, challengeID)
		return false, ReasonChallengeExpired
	}
	if ch.Approved {
		return false, ReasonChallengeApproved
	}
	if action != nil {
		hash, err := ActionHash(action)
		if err != nil || hash != ch.ActionHash {
			return false, ReasonActionHashMismatch
		}
	}
	if !t.verifyCodeLocked(userID, code) {
		return false, ReasonTOTPInvalid
	}
	ch.Approved = true
	return true, ReasonOK
}

// ConsumeApproval consumes an approved challenge exactly once,
// returning the approved action payload.
func (t *TwoFactor) ConsumeApproval(challengeID, userID string, action map[string]any) (map[string]any, string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch, ok := t.challenges[challengeID]
	if !ok {
		return nil, ReasonChallengeNotFound
	}
	if ch.UserID != userID {
		return nil, ReasonChallengeOwnerMismatch
	}
	if t.now().After(ch.ExpiresAt) {
		delete(t.challenges, challengeID)
		return nil, ReasonChallengeExpired
	}
	if !ch.Approved {
		return nil, ReasonChallengeNotApproved
	}
	if action != nil {
		hash, err := ActionHash(action)
		if err != nil || hash != ch.ActionHash {
			return nil, ReasonActionHashMismatch
		}
	}
	delete(t.challenges, challengeID)
	return ch.Action, ReasonOK
}

// RevokeChallenge removes a challenge regardless of state.
func (t *TwoFactor) RevokeChallenge(challengeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.challenges, challengeID)
}

// CreateEnrollment starts TOTP setup and returns the otpauth URI.
func (t *TwoFactor) CreateEnrollment(userID string) (*Enrollment, error) {
	if !t.enabled {
		return nil, errors.New(ReasonTwoFactorDisabled)
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      t.issuer,
		AccountName: userID,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp secret: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	enr := &Enrollment{
		PendingSecret: key.Secret(),
		URI:           key.URL(),
		CreatedAt:     t.now(),
	}
	t.enrollments[userID] = enr
	t.persistLocked()
	return enr, nil
}

// VerifyEnrollment confirms setup with a code generated from the
// pending secret and promotes it to the active secret.
func (t *TwoFactor) VerifyEnrollment(userID, code string) (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	enr, ok := t.enrollments[userID]
	if !ok {
		return false, ReasonEnrollmentNotFound
	}
	if !t.validateTOTP(enr.PendingSecret, code) {
		return false, ReasonTOTPInvalid
	}
	t.secrets[userID] = enr.PendingSecret
	delete(t.enrollments, userID)
	t.persistLocked()
	return true, ReasonOK
}

// CancelEnrollment discards any pending setup.
func (t *TwoFactor) CancelEnrollment(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.enrollments, userID)
	t.persistLocked()
}

// EnrollmentStatus describes where the user is in setup.
func (t *TwoFactor) EnrollmentStatus(userID string) (enrolled, pending bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, enrolled = t.secrets[userID]
	_, pending = t.enrollments[userID]
	return enrolled, pending
}

// SetPendingApprovalInput arms the "next message must be a code" mode.
func (t *TwoFactor) SetPendingApprovalInput(userID, challengeID, retryCmd string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pendingInput[userID] = &PendingInput{
		ChallengeID: challengeID,
		RetryCmd:    retryCmd,
		CreatedAt:   t.now(),
	}
	t.persistLocked()
}

// PendingApprovalInput returns the armed state, if any.
func (t *TwoFactor) PendingApprovalInput(userID string) (*PendingInput, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pendingInput[userID]
	return p, ok
}

// ApprovePendingInputCode handles the user's reply while pending input
// is armed. A valid code approves and consumes the challenge and
// returns its action payload together with the retry command. Any
// failure clears the pending state and invalidates the challenge.
func (t *TwoFactor) ApprovePendingInputCode(userID, code string) (map[string]any, string, string) {
	t.mu.Lock()
	pending, ok := t.pendingInput[userID]
	t.mu.Unlock()
	if !ok {
		return nil, "", ReasonNoPendingInput
	}

	if ok, reason := t.ApproveChallenge(pending.ChallengeID, userID, code, nil); !ok {
		t.clearAndRevoke(userID, pending.ChallengeID)
		return nil, "", reason
	}
	action, reason := t.ConsumeApproval(pending.ChallengeID, userID, nil)
	t.ClearPendingApprovalInput(userID)
	if reason != ReasonOK {
		return nil, "", reason
	}
	return action, pending.RetryCmd, ReasonOK
}

// ClearPendingApprovalInput disarms pending-input mode.
func (t *TwoFactor) ClearPendingApprovalInput(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pendingInput, userID)
	t.persistLocked()
}

// InvalidatePendingInput clears pending state and revokes its
// challenge. Called when the user replies with anything that is not a
// code.
func (t *TwoFactor) InvalidatePendingInput(userID string) {
	t.mu.Lock()
	pending, ok := t.pendingInput[userID]
	t.mu.Unlock()
	if !ok {
		return
	}
	t.clearAndRevoke(userID, pending.ChallengeID)
}

func (t *TwoFactor) clearAndRevoke(userID, challengeID string) {
	t.RevokeChallenge(challengeID)
	t.ClearPendingApprovalInput(userID)
}

// ActivateApprovalWindow opens a chat-scoped grace window so further
// privileged ops skip re-challenge.
func (t *TwoFactor) ActivateApprovalWindow(userID string, channel models.ChannelType, chatID string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = t.windowTTL
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.windows[windowKey(userID, channel, chatID)] = &approvalWindow{
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// GetApprovalWindow reports the remaining lifetime of the chat's
// window, if one is active.
func (t *TwoFactor) GetApprovalWindow(userID string, channel models.ChannelType, chatID string) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := windowKey(userID, channel, chatID)
	w, ok := t.windows[key]
	if !ok {
		return 0, false
	}
	if t.now().After(w.ExpiresAt) {
		delete(t.windows, key)
		return 0, false
	}
	return w.ExpiresAt.Sub(t.now()), true
}

// ClearApprovalWindow closes the chat's window.
func (t *TwoFactor) ClearApprovalWindow(userID string, channel models.ChannelType, chatID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.windows, windowKey(userID, channel, chatID))
}

func windowKey(userID string, channel models.ChannelType, chatID string) string {
	return userID + "|" + string(channel) + "|" + chatID
}

func (t *TwoFactor) verifyCodeLocked(userID, code string) bool {
	secret, ok := t.secrets[userID]
	if !ok {
		return false
	}
	return t.validateTOTP(secret, code)
}

func (t *TwoFactor) validateTOTP(secret, code string) bool {
	ok, err := totp.ValidateCustom(code, secret, t.now(), totp.ValidateOpts{
		Period:    30,
		Skew:      t.validWindow,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

// ---- persistence ----

type twoFactorState struct {
	Secrets      map[string]string        `json:"secrets"`
	Enrollments  map[string]*Enrollment   `json:"enrollments"`
	PendingInput map[string]*PendingInput `json:"pending_input"`
}

func (t *TwoFactor) load() error {
	if t.statePath == "" {
		return nil
	}
	data, err := os.ReadFile(t.statePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read twofactor state: %w", err)
	}
	var st twoFactorState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("parse twofactor state: %w", err)
	}
	if st.Secrets != nil {
		t.secrets = st.Secrets
	}
	if st.Enrollments != nil {
		t.enrollments = st.Enrollments
	}
	if st.PendingInput != nil {
		t.pendingInput = st.PendingInput
	}
	return nil
}

func (t *TwoFactor) persistLocked() {
	if t.statePath == "" {
		return
	}
	st := twoFactorState{
		Secrets:      t.secrets,
		Enrollments:  t.enrollments,
		PendingInput: t.pendingInput,
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		t.logger.Error("marshal twofactor state", "error", err)
		return
	}
	if err := writeFileAtomic(t.statePath, data); err != nil {
		t.logger.Error("persist twofactor state", "error", err)
	}
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
