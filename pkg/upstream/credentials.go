package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// Credential is a one-shot header pair valid for a single outbound call.
type Credential struct {
	Authorization string `json:"authorization"`
	Date          string `json:"date"`
}

// CredentialProvider turns an outbound payload into a one-shot credential.
// The signing scheme itself is opaque to this proxy; implementations are
// injected so everything else stays testable with a fake.
type CredentialProvider interface {
	Credentials(ctx context.Context, payload []byte) (Credential, error)
}

// CredentialError wraps any failure to obtain a credential pair.
type CredentialError struct {
	Err error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("credential provider: %v", e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// ProviderFunc adapts a function to the CredentialProvider interface.
type ProviderFunc func(ctx context.Context, payload []byte) (Credential, error)

func (f ProviderFunc) Credentials(ctx context.Context, payload []byte) (Credential, error) {
	return f(ctx, payload)
}

// HelperCommand obtains credentials from an external helper program: the
// payload goes to stdin, the helper prints a JSON credential pair on stdout.
type HelperCommand struct {
	Path string
}

func (h *HelperCommand) Credentials(ctx context.Context, payload []byte) (Credential, error) {
	if strings.TrimSpace(h.Path) == "" {
		return Credential{}, &CredentialError{Err: fmt.Errorf("no credential helper configured")}
	}
	cmd := exec.CommandContext(ctx, h.Path)
	cmd.Stdin = bytes.NewReader(payload)
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(errBuf.String())
		if msg != "" {
			return Credential{}, &CredentialError{Err: fmt.Errorf("%s: %s: %w", h.Path, msg, err)}
		}
		return Credential{}, &CredentialError{Err: fmt.Errorf("%s: %w", h.Path, err)}
	}
	var cred Credential
	if err := json.Unmarshal(out.Bytes(), &cred); err != nil {
		return Credential{}, &CredentialError{Err: fmt.Errorf("parse helper output: %w", err)}
	}
	if strings.TrimSpace(cred.Authorization) == "" || strings.TrimSpace(cred.Date) == "" {
		return Credential{}, &CredentialError{Err: fmt.Errorf("helper returned incomplete credential")}
	}
	return cred, nil
}
