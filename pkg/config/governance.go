package config

import (
	"os"
	"strconv"
)

// GovernanceConfig holds the environment-resolved settings the governance
// core's composition root needs to wire the ledger, replay engine,
// capability registry, and evidence/attestation builders together. Each
// field is resolved from an ADAAD_* environment variable with a default
// (see LoadGovernanceConfig), the namespace the governance packages already
// read from ad hoc (pkg/cryovant, pkg/replay, pkg/evidence, pkg/lifecycle).
type GovernanceConfig struct {
	DataDir                string
	LineagePath            string
	CapabilityRegistryPath string
	SandboxEvidencePath    string
	EvidenceExportDir      string
	GoalGraphPath          string
	ScoringLedgerPath      string
	ForensicRetentionDays  int
	ForensicExportScope    string
	TrustMode              string
}

func getenvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// LoadGovernanceConfig resolves the governance core's environment-backed
// settings. ADAAD_DATA_DIR roots every path that isn't independently
// overridden; each path may also be pointed elsewhere directly.
func LoadGovernanceConfig() *GovernanceConfig {
	dataDir := getenvDefault("ADAAD_DATA_DIR", "./data")

	retentionDays := 365
	if v := os.Getenv("ADAAD_FORENSIC_RETENTION_DAYS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			retentionDays = parsed
		}
	}

	return &GovernanceConfig{
		DataDir:                dataDir,
		LineagePath:            getenvDefault("ADAAD_LINEAGE_PATH", dataDir+"/lineage.jsonl"),
		CapabilityRegistryPath: getenvDefault("ADAAD_CAPABILITY_REGISTRY_PATH", dataDir+"/capabilities.json"),
		SandboxEvidencePath:    getenvDefault("ADAAD_SANDBOX_EVIDENCE_PATH", dataDir+"/sandbox_evidence.jsonl"),
		EvidenceExportDir:      getenvDefault("ADAAD_EVIDENCE_EXPORT_DIR", dataDir+"/evidence_exports"),
		GoalGraphPath:          getenvDefault("ADAAD_GOAL_GRAPH_PATH", dataDir+"/goal_graph.json"),
		ScoringLedgerPath:      getenvDefault("ADAAD_SCORING_LEDGER_PATH", dataDir+"/scoring_ledger.jsonl"),
		ForensicRetentionDays:  retentionDays,
		ForensicExportScope:    getenvDefault("ADAAD_FORENSIC_EXPORT_SCOPE", "governance_audit"),
		TrustMode:              getenvDefault("ADAAD_TRUST_MODE", "advisory"),
	}
}
