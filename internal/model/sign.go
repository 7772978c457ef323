package model

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Integrity signatures are keyed MACs over a canonical serialization of a
// record, computed with a per-engagement secret. Receivers reject any
// payload whose signature does not verify; that is the sole defense against
// a spoofing participant on the bus.

// Signer computes and verifies record signatures for one engagement.
type Signer struct {
	secret []byte
}

// NewSigner creates a signer bound to the engagement secret.
func NewSigner(secret []byte) (*Signer, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("engagement secret must not be empty")
	}
	return &Signer{secret: secret}, nil
}

// SignFinding computes and stores the finding's signature.
func (s *Signer) SignFinding(f *Finding) error {
	payload, err := findingPayload(f)
	if err != nil {
		return err
	}
	f.Signature = s.mac(payload)
	return nil
}

// VerifyFinding reports whether the finding's signature matches its content.
func (s *Signer) VerifyFinding(f *Finding) bool {
	if f.Signature == "" {
		return false
	}
	payload, err := findingPayload(f)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(f.Signature), []byte(s.mac(payload)))
}

// SignAction computes and stores the action's signature.
func (s *Signer) SignAction(a *AgentAction) error {
	payload, err := actionPayload(a)
	if err != nil {
		return err
	}
	a.Signature = s.mac(payload)
	return nil
}

// VerifyAction reports whether the action's signature matches its content.
func (s *Signer) VerifyAction(a *AgentAction) bool {
	if a.Signature == "" {
		return false
	}
	payload, err := actionPayload(a)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(a.Signature), []byte(s.mac(payload)))
}

// SignAuthorization computes and stores the authorization message's
// signature. Both requests and responses are signed.
func (s *Signer) SignAuthorization(a *Authorization) error {
	a.Signature = s.mac(authorizationPayload(a))
	return nil
}

// VerifyAuthorization reports whether the message's signature matches its
// content.
func (s *Signer) VerifyAuthorization(a *Authorization) bool {
	if a.Signature == "" {
		return false
	}
	return hmac.Equal([]byte(a.Signature), []byte(s.mac(authorizationPayload(a))))
}

// SignKill computes and stores the kill command's signature.
func (s *Signer) SignKill(k *KillCommand) error {
	k.Signature = s.mac(killPayload(k))
	return nil
}

// VerifyKill reports whether the kill command's signature matches its
// content.
func (s *Signer) VerifyKill(k *KillCommand) bool {
	if k.Signature == "" {
		return false
	}
	return hmac.Equal([]byte(k.Signature), []byte(s.mac(killPayload(k))))
}

func (s *Signer) mac(payload string) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// findingPayload builds the canonical byte form that gets MACed. Evidence is
// serialized through encoding/json, which sorts map keys, so the form is
// deterministic for equal content.
func findingPayload(f *Finding) (string, error) {
	evidence, err := json.Marshal(f.Evidence)
	if err != nil {
		return "", fmt.Errorf("failed to serialize evidence: %w", err)
	}
	fields := []string{
		"finding",
		f.ID,
		f.Kind,
		f.Severity,
		f.Target,
		string(evidence),
		f.AgentID,
		f.Timestamp.UTC().Format(time.RFC3339Nano),
		f.Tool,
		f.Topic,
	}
	return strings.Join(fields, "\n"), nil
}

func authorizationPayload(a *Authorization) string {
	fields := []string{
		"authorization",
		a.Type,
		a.RequestID,
		a.AgentID,
		a.Kind,
		a.Target,
		strconv.FormatBool(a.Approved),
		a.Responder,
	}
	return strings.Join(fields, "\n")
}

func killPayload(k *KillCommand) string {
	fields := []string{
		"kill",
		k.Issuer,
		k.Timestamp.UTC().Format(time.RFC3339Nano),
		k.Reason,
	}
	return strings.Join(fields, "\n")
}

func actionPayload(a *AgentAction) (string, error) {
	ctx, err := json.Marshal(a.DecisionContext)
	if err != nil {
		return "", fmt.Errorf("failed to serialize decision context: %w", err)
	}
	fields := []string{
		"action",
		a.ID,
		a.AgentID,
		a.Kind,
		a.Target,
		a.Timestamp.UTC().Format(time.RFC3339Nano),
		string(ctx),
		a.ResultFindingID,
	}
	return strings.Join(fields, "\n"), nil
}
