package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sgerhart/swarmgate/internal/audit"
	"github.com/sgerhart/swarmgate/internal/metrics"
	"github.com/sgerhart/swarmgate/internal/model"
)

// findingSchema is the envelope contract for finding payloads on the bus.
const findingSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "kind", "severity", "target", "agent_id", "timestamp", "signature"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "kind": {"type": "string", "minLength": 1},
    "severity": {"enum": ["low", "medium", "high", "critical"]},
    "target": {"type": "string", "minLength": 1},
    "evidence": {"type": "object"},
    "agent_id": {"type": "string", "minLength": 1},
    "timestamp": {"type": "string"},
    "tool": {"type": "string"},
    "topic": {"type": "string"},
    "signature": {"type": "string", "minLength": 1}
  }
}`

// actionSchema is the envelope contract for agent action payloads.
const actionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "agent_id", "kind", "target", "timestamp", "decision_context", "signature"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "agent_id": {"type": "string", "minLength": 1},
    "kind": {"type": "string", "minLength": 1},
    "target": {"type": "string", "minLength": 1},
    "timestamp": {"type": "string"},
    "decision_context": {"type": "array", "items": {"type": "string"}},
    "result_finding_id": {"type": "string"},
    "signature": {"type": "string", "minLength": 1}
  }
}`

// Receiver decodes, schema-validates, and signature-verifies inbound bus
// payloads. A payload that fails any check is never delivered; a security
// event is recorded instead. Sender trust is not automatically revoked;
// that requires operator review.
type Receiver struct {
	signer        *model.Signer
	findingSchema *jsonschema.Schema
	actionSchema  *jsonschema.Schema
	sink          audit.Sink
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

// NewReceiver compiles the envelope schemas and returns a receiver bound to
// the engagement signer.
func NewReceiver(signer *model.Signer, sink audit.Sink, m *metrics.Metrics, logger *slog.Logger) (*Receiver, error) {
	fs, err := compileSchema("finding.json", findingSchema)
	if err != nil {
		return nil, err
	}
	as, err := compileSchema("action.json", actionSchema)
	if err != nil {
		return nil, err
	}
	return &Receiver{
		signer:        signer,
		findingSchema: fs,
		actionSchema:  as,
		sink:          sink,
		metrics:       m,
		logger:        logger,
	}, nil
}

func compileSchema(name, doc string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(name, strings.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource %s: %w", name, err)
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	return schema, nil
}

// DecodeFinding validates and verifies a finding payload from the bus.
func (r *Receiver) DecodeFinding(subject string, data []byte) (*model.Finding, error) {
	if err := r.validate(r.findingSchema, subject, data); err != nil {
		return nil, err
	}
	var f model.Finding
	if err := json.Unmarshal(data, &f); err != nil {
		r.reject(subject, "decode_failure", "", err.Error())
		return nil, fmt.Errorf("failed to decode finding: %w", err)
	}
	if !r.signer.VerifyFinding(&f) {
		r.reject(subject, "signature_mismatch", f.AgentID, "finding "+f.ID)
		return nil, fmt.Errorf("finding %s failed signature verification", f.ID)
	}
	return &f, nil
}

// DecodeAction validates and verifies an action payload from the bus.
func (r *Receiver) DecodeAction(subject string, data []byte) (*model.AgentAction, error) {
	if err := r.validate(r.actionSchema, subject, data); err != nil {
		return nil, err
	}
	var a model.AgentAction
	if err := json.Unmarshal(data, &a); err != nil {
		r.reject(subject, "decode_failure", "", err.Error())
		return nil, fmt.Errorf("failed to decode action: %w", err)
	}
	if !r.signer.VerifyAction(&a) {
		r.reject(subject, "signature_mismatch", a.AgentID, "action "+a.ID)
		return nil, fmt.Errorf("action %s failed signature verification", a.ID)
	}
	return &a, nil
}

// DecodeAuthorization verifies a sign-off message. Unverified responses on
// an authorization subject are the spoof vector for human-gated actions,
// so failures are rejected and recorded like any other bus payload.
func (r *Receiver) DecodeAuthorization(subject string, data []byte) (*model.Authorization, error) {
	var a model.Authorization
	if err := json.Unmarshal(data, &a); err != nil {
		r.reject(subject, "decode_failure", "", err.Error())
		return nil, fmt.Errorf("failed to decode authorization: %w", err)
	}
	if !r.signer.VerifyAuthorization(&a) {
		r.reject(subject, "signature_mismatch", a.AgentID, "authorization "+a.RequestID)
		return nil, fmt.Errorf("authorization %s failed signature verification", a.RequestID)
	}
	return &a, nil
}

// DecodeKill verifies a kill broadcast. Callers halt regardless of the
// verdict; an unverified command is additionally recorded as a security
// event for operator review.
func (r *Receiver) DecodeKill(subject string, data []byte) (*model.KillCommand, error) {
	var k model.KillCommand
	if err := json.Unmarshal(data, &k); err != nil {
		r.reject(subject, "decode_failure", "", err.Error())
		return nil, fmt.Errorf("failed to decode kill command: %w", err)
	}
	if !r.signer.VerifyKill(&k) {
		r.reject(subject, "signature_mismatch", "", "kill from "+k.Issuer)
		return nil, fmt.Errorf("kill command from %q failed signature verification", k.Issuer)
	}
	return &k, nil
}

func (r *Receiver) validate(schema *jsonschema.Schema, subject string, data []byte) error {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		r.reject(subject, "malformed_json", "", err.Error())
		return fmt.Errorf("malformed payload: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		r.reject(subject, "schema_violation", "", err.Error())
		return fmt.Errorf("payload failed schema validation: %w", err)
	}
	return nil
}

// reject records the rejection as a security event.
func (r *Receiver) reject(subject, reason, agentID, detail string) {
	if r.metrics != nil {
		r.metrics.MessagesRejectedTotal.WithLabelValues(reason).Inc()
	}
	entry := audit.NewEntry(audit.KindSecurityEvent, agentID, map[string]any{
		"subject": subject,
		"reason":  reason,
		"detail":  detail,
	})
	if err := r.sink.Append(entry); err != nil {
		r.logger.Error("Failed to audit security event", "error", err)
	}
	r.logger.Warn("Rejected bus message", "subject", subject, "reason", reason)
}
