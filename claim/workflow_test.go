package claim

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"palpable"
	"palpable/internal/fake"
)

type fakeRegistry struct {
	claimErr error
	code     string
	codeErr  error
	block    bool
	claims   []string
}

func (f *fakeRegistry) Claim(ctx context.Context, code, deviceID string) error {
	f.claims = append(f.claims, code+"/"+deviceID)
	if f.block {
		<-ctx.Done()
		return fmt.Errorf("%w: %w", palpable.ErrRegistryUnreachable, ctx.Err())
	}
	return f.claimErr
}

func (f *fakeRegistry) RequestCode(context.Context, string) (string, error) {
	return f.code, f.codeErr
}

const device = "b827eb12abcd"

var fixedNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newWorkflow(reg *fakeRegistry, opts ...Option) *Workflow {
	opts = append([]Option{WithClock(fake.NewClock(fixedNow).Now)}, opts...)
	return New(reg, NewMemoryStore(), device, opts...)
}

func TestClaim_Success(t *testing.T) {
	reg := &fakeRegistry{}
	var notified []palpable.ClaimSession
	w := newWorkflow(reg, OnClaimed(func(s palpable.ClaimSession) { notified = append(notified, s) }))

	sess, err := w.Claim(context.Background(), " 123456 ", "")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if !sess.Claimed || sess.DeviceID != device || !sess.ClaimedAt.Equal(fixedNow) {
		t.Errorf("session = %+v", sess)
	}
	if len(reg.claims) != 1 || reg.claims[0] != "123456/"+device {
		t.Errorf("registry claims = %v", reg.claims)
	}
	if len(notified) != 1 {
		t.Errorf("OnClaimed called %d times, want 1", len(notified))
	}

	stored, err := w.Session(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !stored.Claimed {
		t.Error("stored session not claimed")
	}
}

func TestClaim_RepeatIsIdempotent(t *testing.T) {
	reg := &fakeRegistry{}
	calls := 0
	w := newWorkflow(reg, OnClaimed(func(palpable.ClaimSession) { calls++ }))

	for i := 0; i < 2; i++ {
		if _, err := w.Claim(context.Background(), "123456", device); err != nil {
			t.Fatalf("Claim #%d: %v", i+1, err)
		}
	}
	if len(reg.claims) != 1 {
		t.Errorf("registry called %d times, want 1", len(reg.claims))
	}
	if calls != 1 {
		t.Errorf("OnClaimed called %d times, want 1", calls)
	}
}

// failingStore reads like an unclaimed device and never records a claim.
type failingStore struct{ *MemoryStore }

func (failingStore) MarkClaimed(context.Context, string, string, time.Time) error {
	return errors.New("disk full")
}

func TestClaim_StaysClaimedWhenStoreFails(t *testing.T) {
	reg := &fakeRegistry{}
	w := New(reg, failingStore{NewMemoryStore()}, device, WithClock(fake.NewClock(fixedNow).Now))

	if _, err := w.Claim(context.Background(), "123456", ""); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	sess, err := w.Session(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !sess.Claimed || !sess.ClaimedAt.Equal(fixedNow) {
		t.Errorf("session = %+v, want claimed", sess)
	}
	if _, err := w.Claim(context.Background(), "654321", ""); err != nil {
		t.Fatalf("repeat Claim: %v", err)
	}
	if len(reg.claims) != 1 {
		t.Errorf("registry claims = %v, want 1", reg.claims)
	}
}

func TestClaim_InvalidCodeMakesNoNetworkCall(t *testing.T) {
	reg := &fakeRegistry{}
	w := newWorkflow(reg)
	for _, code := range []string{"", "12345", "1234567", "12a456", "١٢٣٤٥٦"} {
		if _, err := w.Claim(context.Background(), code, device); !errors.Is(err, palpable.ErrInvalidClaimCode) {
			t.Errorf("Claim(%q) err = %v, want ErrInvalidClaimCode", code, err)
		}
	}
	if len(reg.claims) != 0 {
		t.Errorf("registry called for invalid codes: %v", reg.claims)
	}
}

func TestClaim_OtherDeviceRejected(t *testing.T) {
	reg := &fakeRegistry{}
	w := newWorkflow(reg)
	_, err := w.Claim(context.Background(), "123456", "001122334455")
	var verr *palpable.ValidationError
	if !errors.As(err, &verr) || verr.Field != "deviceId" {
		t.Fatalf("err = %v, want deviceId ValidationError", err)
	}
	// Device IDs compare case-insensitively.
	if _, err := w.Claim(context.Background(), "123456", strings.ToUpper(device)); err != nil {
		t.Errorf("Claim with upper-case device id: %v", err)
	}
}

func TestClaim_FailureLeavesUnclaimed(t *testing.T) {
	for _, regErr := range []error{palpable.ErrClaimRejected, palpable.ErrRegistryUnreachable, palpable.ErrRegistryServer} {
		w := newWorkflow(&fakeRegistry{claimErr: regErr})
		sess, err := w.Claim(context.Background(), "123456", device)
		if !errors.Is(err, regErr) {
			t.Errorf("err = %v, want %v", err, regErr)
		}
		if sess.Claimed {
			t.Errorf("%v: session claimed after failure", regErr)
		}
	}
}

func TestClaim_BoundedByTimeout(t *testing.T) {
	w := newWorkflow(&fakeRegistry{block: true}, WithTimeout(30*time.Millisecond))
	start := time.Now()
	_, err := w.Claim(context.Background(), "123456", device)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("claim took %s, want bounded by timeout", elapsed)
	}
}

func TestRequestCode(t *testing.T) {
	w := newWorkflow(&fakeRegistry{code: "654321"})
	code, err := w.RequestCode(context.Background())
	if err != nil {
		t.Fatalf("RequestCode: %v", err)
	}
	if code != "654321" {
		t.Errorf("code = %q, want 654321", code)
	}
	sess, _ := w.Session(context.Background())
	if sess.Code != "654321" || sess.Claimed {
		t.Errorf("session = %+v", sess)
	}

	if _, err := w.Claim(context.Background(), "654321", device); err != nil {
		t.Fatal(err)
	}
	if _, err := w.RequestCode(context.Background()); err == nil {
		t.Error("RequestCode after claim succeeded, want error")
	}
}

func TestMissingIdentity(t *testing.T) {
	w := New(&fakeRegistry{}, nil, "")
	if _, err := w.Claim(context.Background(), "123456", ""); err == nil {
		t.Error("Claim without device identity succeeded")
	}
	if _, err := w.Session(context.Background()); err == nil {
		t.Error("Session without device identity succeeded")
	}
}

func TestMessage(t *testing.T) {
	errs := []error{
		palpable.ErrInvalidClaimCode,
		fmt.Errorf("%w: expired", palpable.ErrClaimRejected),
		fmt.Errorf("%w: dial tcp", palpable.ErrRegistryUnreachable),
		fmt.Errorf("%w: 502", palpable.ErrRegistryServer),
		errors.New("something else"),
	}
	seen := map[string]bool{}
	for _, err := range errs {
		msg := Message(err)
		if msg == "" {
			t.Errorf("Message(%v) is empty", err)
		}
		if seen[msg] {
			t.Errorf("Message(%v) = %q is not distinct", err, msg)
		}
		seen[msg] = true
	}
	if Message(nil) != "" {
		t.Error("Message(nil) not empty")
	}
}
