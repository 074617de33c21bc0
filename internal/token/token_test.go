package token

import (
	"errors"
	"strings"
	"testing"
)

func TestIssueAndValidate(t *testing.T) {
	t.Parallel()
	svc := NewService()

	secret, err := svc.Issue("job-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !strings.HasPrefix(secret, "cbt_") || len(secret) < 60 {
		t.Errorf("secret %q lacks expected shape", secret)
	}

	jobID, err := svc.Validate(secret)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if jobID != "job-1" {
		t.Errorf("jobID = %q, want job-1", jobID)
	}
}

func TestValidateUnknownToken(t *testing.T) {
	t.Parallel()
	svc := NewService()

	if _, err := svc.Validate("cbt_deadbeef"); !errors.Is(err, ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}
}

func TestReissueExpiresPriorToken(t *testing.T) {
	t.Parallel()
	svc := NewService()

	first, _ := svc.Issue("job-1")
	second, _ := svc.Issue("job-1")

	// The stale agent on the recreated instance presents the old token.
	if _, err := svc.Validate(first); !errors.Is(err, ErrExpired) {
		t.Errorf("old token err = %v, want ErrExpired", err)
	}
	if _, err := svc.Validate(second); err != nil {
		t.Errorf("current token err = %v, want nil", err)
	}
}

func TestInvalidateConsumesToken(t *testing.T) {
	t.Parallel()
	svc := NewService()

	secret, _ := svc.Issue("job-1")
	svc.Invalidate("job-1")
	svc.Invalidate("job-1") // idempotent

	if _, err := svc.Validate(secret); !errors.Is(err, ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid after invalidation", err)
	}

	// A replayed validate must not resurrect anything.
	if _, err := svc.Validate(secret); !errors.Is(err, ErrInvalid) {
		t.Errorf("replay err = %v, want ErrInvalid", err)
	}
}

func TestStateBoundedAcrossLifecycle(t *testing.T) {
	t.Parallel()
	svc := NewService()

	// Many provisioning attempts keep only the current and the most
	// recently superseded record per job.
	var last, prev string
	for i := range 50 {
		prev = last
		secret, err := svc.Issue("job-1")
		if err != nil {
			t.Fatal(err)
		}
		last = secret
		if i > 0 && len(svc.records) != 2 {
			t.Fatalf("after %d issues: %d records, want 2", i+1, len(svc.records))
		}
	}

	// The retained superseded token still classifies as expired, not
	// unknown, so a one-attempt-stale agent gets the right rejection.
	if _, err := svc.Validate(prev); !errors.Is(err, ErrExpired) {
		t.Errorf("superseded token err = %v, want ErrExpired", err)
	}
	if _, err := svc.Validate(last); err != nil {
		t.Errorf("current token err = %v, want nil", err)
	}

	// A terminal transition drops every trace of the job.
	svc.Invalidate("job-1")
	if n := len(svc.records) + len(svc.current) + len(svc.prior) + len(svc.epochs); n != 0 {
		t.Errorf("%d state entries remain after invalidate, want 0", n)
	}
	if _, err := svc.Validate(last); !errors.Is(err, ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid after invalidation", err)
	}
}

func TestTokensAreUnique(t *testing.T) {
	t.Parallel()
	svc := NewService()

	seen := make(map[string]bool)
	for range 100 {
		secret, err := svc.Issue("job-1")
		if err != nil {
			t.Fatal(err)
		}
		if seen[secret] {
			t.Fatal("duplicate token issued")
		}
		seen[secret] = true
	}
}
