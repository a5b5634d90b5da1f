package federation

import (
	"encoding/json"

	"github.com/adaad/core/pkg/adaaderr"
	"github.com/adaad/core/pkg/schemasubset"
)

// toWireShape round-trips v through JSON so every nested value becomes the
// generic map[string]interface{}/[]interface{} shape a decoded wire payload
// would have, which is what schemasubset.Validate and the decode helpers
// below expect to walk.
func toWireShape(v map[string]interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return generic, nil
}

const (
	protocolName    = "adaad.federation.handshake"
	protocolVersion = "1.0"
	schemaBase      = "https://adaad.local/schemas"
	envelopeSchemaName = "federation_handshake_envelope.v1.json"
	requestSchemaName  = "federation_handshake_request.v1.json"
	responseSchemaName = "federation_handshake_response.v1.json"
)

var envelopeSchema = schemasubset.Schema{
	"type": "object",
	"required": []interface{}{
		"schema_id", "protocol", "protocol_version", "message_id",
		"exchange_id", "message_type", "signature", "payload",
	},
	"properties": map[string]interface{}{
		"schema_id":        map[string]interface{}{"type": "string", "minLength": 1},
		"protocol":         map[string]interface{}{"type": "string", "const": protocolName},
		"protocol_version": map[string]interface{}{"type": "string", "const": protocolVersion},
		"message_id":       map[string]interface{}{"type": "string", "minLength": 1},
		"exchange_id":      map[string]interface{}{"type": "string", "minLength": 1},
		"message_type":     map[string]interface{}{"type": "string", "enum": []interface{}{"request", "response"}},
		"signature":        map[string]interface{}{"type": "object"},
		"payload":          map[string]interface{}{"type": "object"},
	},
	"additionalProperties": false,
}

var voteItemSchema = map[string]interface{}{
	"type":     "object",
	"required": []interface{}{"peer_id", "policy_version", "manifest_digest", "decision"},
	"properties": map[string]interface{}{
		"peer_id":         map[string]interface{}{"type": "string", "minLength": 1},
		"policy_version":  map[string]interface{}{"type": "string", "minLength": 1},
		"manifest_digest": map[string]interface{}{"type": "string", "minLength": 1},
		"decision":        map[string]interface{}{"type": "string", "enum": []interface{}{"accept", "reject"}},
	},
}

var requestSchema = schemasubset.Schema{
	"type": "object",
	"required": []interface{}{
		"schema_id", "phase", "local_peer_id", "local_policy_version", "local_manifest_digest",
		"peer_versions", "local_certificate", "peer_certificates", "votes", "retry_counter",
	},
	"properties": map[string]interface{}{
		"schema_id":             map[string]interface{}{"type": "string", "minLength": 1},
		"phase":                 map[string]interface{}{"type": "string", "minLength": 1},
		"local_peer_id":         map[string]interface{}{"type": "string", "minLength": 1},
		"local_policy_version":  map[string]interface{}{"type": "string", "minLength": 1},
		"local_manifest_digest": map[string]interface{}{"type": "string", "minLength": 1},
		"peer_versions":         map[string]interface{}{"type": "object"},
		"local_certificate":     map[string]interface{}{"type": "object"},
		"peer_certificates":     map[string]interface{}{"type": "object"},
		"votes":                 map[string]interface{}{"type": "array", "items": voteItemSchema},
		"retry_counter":         map[string]interface{}{"type": "integer", "minimum": 0},
		"retry_token":           map[string]interface{}{"type": "string"},
	},
	"additionalProperties": false,
}

var responseSchema = schemasubset.Schema{
	"type": "object",
	"required": []interface{}{
		"schema_id", "phase", "decision_class", "selected_policy_version", "peer_ids",
		"manifest_digests", "reconciliation_actions", "quorum_size", "vote_digest",
		"conflict_class", "error_class", "retry_counter",
	},
	"properties": map[string]interface{}{
		"schema_id":               map[string]interface{}{"type": "string", "minLength": 1},
		"phase":                   map[string]interface{}{"type": "string", "enum": []interface{}{"bind", "reject"}},
		"decision_class": map[string]interface{}{
			"type": "string",
			"enum": []interface{}{DecisionConsensus, DecisionQuorum, DecisionConflict, DecisionRejected},
		},
		"selected_policy_version": map[string]interface{}{"type": "string", "minLength": 1},
		"peer_ids":                map[string]interface{}{"type": "array"},
		"manifest_digests":        map[string]interface{}{"type": "object"},
		"reconciliation_actions":  map[string]interface{}{"type": "array"},
		"quorum_size":             map[string]interface{}{"type": "integer", "minimum": 1},
		"vote_digest":             map[string]interface{}{"type": "string", "minLength": 1},
		"conflict_class":          map[string]interface{}{"type": "string"},
		"error_class":             map[string]interface{}{"type": "string"},
		"retry_counter":           map[string]interface{}{"type": "integer", "minimum": 0},
		"retry_token":             map[string]interface{}{"type": "string"},
	},
	"additionalProperties": false,
}

// HandshakeRequest is the decoded form of a federation_handshake_request
// payload, plus the envelope metadata that rode alongside it.
type HandshakeRequest struct {
	Exchange     PolicyExchange
	Votes        []Vote
	MessageID    string
	ExchangeID   string
	Signature    map[string]string
	Phase        string
	RetryCounter int
	RetryToken   string
}

func requestPayload(req HandshakeRequest) map[string]interface{} {
	voteRows := make([]map[string]interface{}, 0, len(req.Votes))
	for _, v := range sortedVotes(req.Votes) {
		voteRows = append(voteRows, map[string]interface{}{
			"peer_id":         v.PeerID,
			"policy_version":  v.PolicyVersion,
			"manifest_digest": v.ManifestDigest,
			"decision":        v.Decision,
		})
	}
	payload := map[string]interface{}{
		"schema_id":             schemaBase + "/" + requestSchemaName,
		"phase":                 req.Phase,
		"local_peer_id":         req.Exchange.LocalPeerID,
		"local_policy_version":  req.Exchange.LocalPolicyVersion,
		"local_manifest_digest": req.Exchange.LocalManifestDigest,
		"peer_versions":         nonNilStringMap(req.Exchange.PeerVersions),
		"local_certificate":     nonNilStringMap(req.Exchange.LocalCertificate),
		"peer_certificates":     nonNilNestedMap(req.Exchange.PeerCertificates),
		"votes":                 voteRows,
		"retry_counter":         maxInt(0, req.RetryCounter),
	}
	if req.RetryToken != "" {
		payload["retry_token"] = req.RetryToken
	}
	return payload
}

// EncodeHandshakeRequest builds and validates a handshake request envelope
// ready to be sent to a peer.
func EncodeHandshakeRequest(req HandshakeRequest) (map[string]interface{}, error) {
	payload, err := toWireShape(requestPayload(req))
	if err != nil {
		return nil, err
	}
	if err := validateAgainst(requestSchema, payload); err != nil {
		return nil, err
	}
	envelope, err := toWireShape(map[string]interface{}{
		"schema_id":        schemaBase + "/" + envelopeSchemaName,
		"protocol":         protocolName,
		"protocol_version": protocolVersion,
		"message_id":       req.MessageID,
		"exchange_id":      req.ExchangeID,
		"message_type":     "request",
		"signature":        stringMapToAny(req.Signature),
		"payload":          payload,
	})
	if err != nil {
		return nil, err
	}
	if err := validateAgainst(envelopeSchema, envelope); err != nil {
		return nil, err
	}
	return envelope, nil
}

// DecodeHandshakeRequest validates envelope and unpacks it back into a
// HandshakeRequest.
func DecodeHandshakeRequest(envelope map[string]interface{}) (HandshakeRequest, error) {
	if err := validateAgainst(envelopeSchema, envelope); err != nil {
		return HandshakeRequest{}, err
	}
	if envelope["message_type"] != "request" {
		return HandshakeRequest{}, adaaderr.Withf(adaaderr.ErrFederationProtocolValidation, "$.message_type:expected_request")
	}
	payload, ok := envelope["payload"].(map[string]interface{})
	if !ok {
		return HandshakeRequest{}, adaaderr.Withf(adaaderr.ErrFederationProtocolValidation, "$.payload:expected_object")
	}
	if err := validateAgainst(requestSchema, payload); err != nil {
		return HandshakeRequest{}, err
	}

	exchange := PolicyExchange{
		LocalPeerID:         stringField(payload, "local_peer_id"),
		LocalPolicyVersion:  stringField(payload, "local_policy_version"),
		LocalManifestDigest: stringField(payload, "local_manifest_digest"),
		PeerVersions:        toStringMap(payload["peer_versions"]),
		LocalCertificate:    toStringMap(payload["local_certificate"]),
		PeerCertificates:    toNestedStringMap(payload["peer_certificates"]),
	}

	var votes []Vote
	if rows, ok := payload["votes"].([]interface{}); ok {
		for _, rowRaw := range rows {
			row, ok := rowRaw.(map[string]interface{})
			if !ok {
				continue
			}
			votes = append(votes, Vote{
				PeerID:         stringField(row, "peer_id"),
				PolicyVersion:  stringField(row, "policy_version"),
				ManifestDigest: stringField(row, "manifest_digest"),
				Decision:       stringField(row, "decision"),
			})
		}
	}

	retryCounter, _ := toInt(payload["retry_counter"])

	return HandshakeRequest{
		Exchange:     exchange,
		Votes:        votes,
		MessageID:    stringField(envelope, "message_id"),
		ExchangeID:   stringField(envelope, "exchange_id"),
		Signature:    toStringMap(envelope["signature"]),
		Phase:        stringField(payload, "phase"),
		RetryCounter: retryCounter,
		RetryToken:   stringField(payload, "retry_token"),
	}, nil
}

// HandshakeResponse is the decoded form of a federation_handshake_response
// payload, plus its envelope metadata.
type HandshakeResponse struct {
	Decision     Decision
	MessageID    string
	ExchangeID   string
	Signature    map[string]string
	Phase        string
	ConflictClass string
	ErrorClass   string
	RetryCounter int
	RetryToken   string
}

func responsePayload(decision Decision, retryCounter int, retryToken string) map[string]interface{} {
	phase := "reject"
	if decision.DecisionClass == DecisionConsensus || decision.DecisionClass == DecisionQuorum {
		phase = "bind"
	}
	conflictClass := "none"
	if decision.DecisionClass == DecisionConflict {
		conflictClass = "policy_version_split"
	}
	errorClass := "none"
	if decision.DecisionClass == DecisionRejected {
		errorClass = "quorum_unmet"
	}

	payload := map[string]interface{}{
		"schema_id":               schemaBase + "/" + responseSchemaName,
		"phase":                   phase,
		"decision_class":          decision.DecisionClass,
		"selected_policy_version": decision.SelectedPolicyVersion,
		"peer_ids":                append([]string(nil), decision.PeerIDs...),
		"manifest_digests":        nonNilStringMap(decision.ManifestDigests),
		"reconciliation_actions":  append([]string(nil), decision.ReconciliationActions...),
		"quorum_size":             decision.QuorumSize,
		"vote_digest":             decision.VoteDigest,
		"conflict_class":          conflictClass,
		"error_class":             errorClass,
		"retry_counter":           maxInt(0, retryCounter),
	}
	if retryToken != "" {
		payload["retry_token"] = retryToken
	}
	return payload
}

// EncodeHandshakeResponse builds and validates a handshake response
// envelope carrying a federation decision back to the requesting peer.
func EncodeHandshakeResponse(messageID, exchangeID string, signature map[string]string, decision Decision, retryCounter int, retryToken string) (map[string]interface{}, error) {
	payload, err := toWireShape(responsePayload(decision, retryCounter, retryToken))
	if err != nil {
		return nil, err
	}
	if err := validateAgainst(responseSchema, payload); err != nil {
		return nil, err
	}
	envelope, err := toWireShape(map[string]interface{}{
		"schema_id":        schemaBase + "/" + envelopeSchemaName,
		"protocol":         protocolName,
		"protocol_version": protocolVersion,
		"message_id":       messageID,
		"exchange_id":      exchangeID,
		"message_type":     "response",
		"signature":        stringMapToAny(signature),
		"payload":          payload,
	})
	if err != nil {
		return nil, err
	}
	if err := validateAgainst(envelopeSchema, envelope); err != nil {
		return nil, err
	}
	return envelope, nil
}

// DecodeHandshakeResponse validates envelope and unpacks it back into a
// HandshakeResponse.
func DecodeHandshakeResponse(envelope map[string]interface{}) (HandshakeResponse, error) {
	if err := validateAgainst(envelopeSchema, envelope); err != nil {
		return HandshakeResponse{}, err
	}
	if envelope["message_type"] != "response" {
		return HandshakeResponse{}, adaaderr.Withf(adaaderr.ErrFederationProtocolValidation, "$.message_type:expected_response")
	}
	payload, ok := envelope["payload"].(map[string]interface{})
	if !ok {
		return HandshakeResponse{}, adaaderr.Withf(adaaderr.ErrFederationProtocolValidation, "$.payload:expected_object")
	}
	if err := validateAgainst(responseSchema, payload); err != nil {
		return HandshakeResponse{}, err
	}

	retryCounter, _ := toInt(payload["retry_counter"])
	quorumSize, _ := toInt(payload["quorum_size"])

	decision := Decision{
		DecisionClass:         stringField(payload, "decision_class"),
		SelectedPolicyVersion: stringField(payload, "selected_policy_version"),
		PeerIDs:               toStringSlice(payload["peer_ids"]),
		ManifestDigests:       toStringMap(payload["manifest_digests"]),
		ReconciliationActions: toStringSlice(payload["reconciliation_actions"]),
		QuorumSize:            quorumSize,
		VoteDigest:            stringField(payload, "vote_digest"),
	}

	return HandshakeResponse{
		Decision:      decision,
		MessageID:     stringField(envelope, "message_id"),
		ExchangeID:    stringField(envelope, "exchange_id"),
		Signature:     toStringMap(envelope["signature"]),
		Phase:         stringField(payload, "phase"),
		ConflictClass: stringField(payload, "conflict_class"),
		ErrorClass:    stringField(payload, "error_class"),
		RetryCounter:  retryCounter,
		RetryToken:    stringField(payload, "retry_token"),
	}, nil
}

func validateAgainst(schema schemasubset.Schema, payload map[string]interface{}) error {
	return validateOrError(schema, payload)
}

func stringField(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func toStringMap(v interface{}) map[string]string {
	m, ok := v.(map[string]interface{})
	if !ok {
		return map[string]string{}
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		if s, ok := val.(string); ok {
			out[k] = s
		}
	}
	return out
}

func toNestedStringMap(v interface{}) map[string]map[string]string {
	m, ok := v.(map[string]interface{})
	if !ok {
		return map[string]map[string]string{}
	}
	out := make(map[string]map[string]string, len(m))
	for k, val := range m {
		out[k] = toStringMap(val)
	}
	return out
}

func toStringSlice(v interface{}) []string {
	arr, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func stringMapToAny(m map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}
