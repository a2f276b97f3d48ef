// Package claim binds the device to a user account with a six-digit code
// issued by the cloud registry. There is no retry loop; the user retries
// from the portal.
package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"palpable"
)

// DefaultTimeout bounds each registry call.
const DefaultTimeout = 15 * time.Second

// Registry is the remote side of the claim handshake.
type Registry interface {
	Claim(ctx context.Context, code, deviceID string) error
	RequestCode(ctx context.Context, deviceID string) (string, error)
}

// Store persists the claim record.
type Store interface {
	Session(ctx context.Context, deviceID string) (palpable.ClaimSession, error)
	SetCode(ctx context.Context, deviceID, code string) error
	MarkClaimed(ctx context.Context, deviceID, code string, at time.Time) error
}

// Workflow runs claims for one device.
type Workflow struct {
	registry  Registry
	store     Store
	deviceID  string
	timeout   time.Duration
	now       func() time.Time
	onClaimed func(palpable.ClaimSession)

	// mu serializes claims so the claimed flag flips exactly once.
	mu sync.Mutex
	// claimed latches a successful claim even when the store cannot record it.
	claimed atomic.Pointer[palpable.ClaimSession]
	log     *slog.Logger
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithTimeout bounds each registry call.
func WithTimeout(d time.Duration) Option {
	return func(w *Workflow) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) { w.now = now }
}

// OnClaimed registers a callback run once, when the device flips to claimed.
func OnClaimed(fn func(palpable.ClaimSession)) Option {
	return func(w *Workflow) { w.onClaimed = fn }
}

func New(registry Registry, store Store, deviceID string, opts ...Option) *Workflow {
	if store == nil {
		store = NewMemoryStore()
	}
	w := &Workflow{
		registry: registry,
		store:    store,
		deviceID: deviceID,
		timeout:  DefaultTimeout,
		now:      time.Now,
		log:      slog.With("component", "claim"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// DeviceID returns the identity the workflow claims for.
func (w *Workflow) DeviceID() string {
	return w.deviceID
}

// Session returns the current claim record.
func (w *Workflow) Session(ctx context.Context) (palpable.ClaimSession, error) {
	if w.deviceID == "" {
		return palpable.ClaimSession{}, errors.New("device identity unavailable")
	}
	if sess := w.claimed.Load(); sess != nil {
		return *sess, nil
	}
	return w.store.Session(ctx, w.deviceID)
}

// Claim submits code for deviceID. The code is validated before any network
// call. An empty deviceID means this device; any other device is rejected.
// Claiming an already-claimed device succeeds without contacting the
// registry.
func (w *Workflow) Claim(ctx context.Context, code, deviceID string) (palpable.ClaimSession, error) {
	code = strings.TrimSpace(code)
	if !palpable.ValidClaimCode(code) {
		return palpable.ClaimSession{}, palpable.ErrInvalidClaimCode
	}
	if w.deviceID == "" {
		return palpable.ClaimSession{}, errors.New("device identity unavailable")
	}
	if deviceID = strings.ToLower(strings.TrimSpace(deviceID)); deviceID != "" && deviceID != w.deviceID {
		return palpable.ClaimSession{}, &palpable.ValidationError{Field: "deviceId", Message: "does not match this device"}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if sess := w.claimed.Load(); sess != nil {
		return *sess, nil
	}
	sess, err := w.store.Session(ctx, w.deviceID)
	if err != nil {
		w.log.Warn("Failed to read claim record, asking the registry.", "err", err)
		sess = palpable.ClaimSession{DeviceID: w.deviceID}
	}
	if sess.Claimed {
		return sess, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	if err := w.registry.Claim(callCtx, code, w.deviceID); err != nil {
		w.log.Warn("Claim failed.", "err", err)
		return sess, err
	}

	at := w.now().UTC()
	if err := w.store.MarkClaimed(ctx, w.deviceID, code, at); err != nil {
		// The registry already bound the device; a later claim repeats the
		// handshake and the registry answers idempotently.
		w.log.Error("Failed to persist claim.", "err", err)
	}
	sess = palpable.ClaimSession{Code: code, DeviceID: w.deviceID, Claimed: true, ClaimedAt: at}
	w.claimed.Store(&sess)
	w.log.Info("Device claimed.", "device_id", w.deviceID)
	if w.onClaimed != nil {
		w.onClaimed(sess)
	}
	return sess, nil
}

// RequestCode asks the registry for a fresh code to show as a QR code.
func (w *Workflow) RequestCode(ctx context.Context) (string, error) {
	sess, err := w.Session(ctx)
	if err != nil {
		return "", err
	}
	if sess.Claimed {
		return "", errors.New("device already claimed")
	}

	callCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	code, err := w.registry.RequestCode(callCtx, w.deviceID)
	if err != nil {
		return "", err
	}
	if err := w.store.SetCode(ctx, w.deviceID, code); err != nil {
		return "", fmt.Errorf("store claim code: %w", err)
	}
	return code, nil
}

// Message maps a claim error to the text shown in the portal.
func Message(err error) string {
	var verr *palpable.ValidationError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, palpable.ErrInvalidClaimCode):
		return "Enter the 6-digit code shown in the Palpable app."
	case errors.Is(err, palpable.ErrClaimRejected):
		return "That code is invalid or has expired. Request a new code and try again."
	case errors.Is(err, palpable.ErrRegistryUnreachable):
		return "Could not reach Palpable. Check the internet connection and try again."
	case errors.Is(err, palpable.ErrRegistryServer):
		return "Palpable is having trouble right now. Try again in a few minutes."
	case errors.As(err, &verr):
		return verr.Error()
	default:
		return "Claim failed. Try again."
	}
}
