package mutationtx

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/adaad/core/pkg/adaadtypes"
	"github.com/adaad/core/pkg/cryovant"
	"github.com/stretchr/testify/require"
)

func TestApplyOps_SetCreatesNestedPath(t *testing.T) {
	data := map[string]interface{}{}
	applied, skipped := ApplyOps(data, []adaadtypes.Operation{{Op: "set", Path: "/a/b", Value: "v"}})
	require.Equal(t, 1, applied)
	require.Equal(t, 0, skipped)
	require.Equal(t, "v", data["a"].(map[string]interface{})["b"])
}

func TestApplyOps_DeleteSkipsMissingKey(t *testing.T) {
	data := map[string]interface{}{"x": 1}
	applied, skipped := ApplyOps(data, []adaadtypes.Operation{{Op: "delete", Path: "/missing"}})
	require.Equal(t, 0, applied)
	require.Equal(t, 1, skipped)
}

func TestApplyOps_MergeCombinesObjects(t *testing.T) {
	data := map[string]interface{}{"cfg": map[string]interface{}{"a": 1}}
	applied, _ := ApplyOps(data, []adaadtypes.Operation{
		{Op: "merge", Path: "/cfg", Value: map[string]interface{}{"b": 2}},
	})
	require.Equal(t, 1, applied)
	cfg := data["cfg"].(map[string]interface{})
	require.Equal(t, 1, cfg["a"])
	require.Equal(t, 2, cfg["b"])
}

func setupAgent(t *testing.T) (agentsRoot, agentID string) {
	t.Helper()
	root := t.TempDir()
	agentID = "agent-1"
	require.NoError(t, os.MkdirAll(filepath.Join(root, agentID, "config"), 0o755))
	return root, agentID
}

func TestApplyTarget_AppliesOpsAndWritesFile(t *testing.T) {
	agentsRoot, agentID := setupAgent(t)
	agentRoot := ResolveAgentRoot(agentsRoot, agentID)
	target, err := adaadtypes.NewMutationTarget(agentID, "config/settings.json", adaadtypes.TargetConfig,
		[]adaadtypes.Operation{{Op: "set", Path: "/enabled", Value: true}}, "")
	require.NoError(t, err)

	result, err := ApplyTarget(target, agentRoot)
	require.NoError(t, err)
	require.Equal(t, 1, result.Applied)

	raw, err := os.ReadFile(filepath.Join(agentRoot, "config", "settings.json"))
	require.NoError(t, err)
	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &data))
	require.Equal(t, true, data["enabled"])
}

func TestApplyTarget_RejectsDisallowedTargetType(t *testing.T) {
	agentsRoot, agentID := setupAgent(t)
	agentRoot := ResolveAgentRoot(agentsRoot, agentID)
	target, err := adaadtypes.NewMutationTarget(agentID, "README.md", adaadtypes.TargetDocs,
		[]adaadtypes.Operation{{Op: "set", Path: "/x", Value: 1}}, "")
	require.NoError(t, err)

	_, err = ApplyTarget(target, agentRoot)
	require.Error(t, err)
	var targetErr *TargetError
	require.ErrorAs(t, err, &targetErr)
	require.Equal(t, "target_type_not_allowed", targetErr.Reason)
}

func TestApplyTarget_RejectsHashPreimageMismatch(t *testing.T) {
	agentsRoot, agentID := setupAgent(t)
	agentRoot := ResolveAgentRoot(agentsRoot, agentID)
	target, err := adaadtypes.NewMutationTarget(agentID, "config/settings.json", adaadtypes.TargetConfig,
		[]adaadtypes.Operation{{Op: "set", Path: "/x", Value: 1}}, "deadbeef")
	require.NoError(t, err)

	_, err = ApplyTarget(target, agentRoot)
	require.Error(t, err)
}

func TestTransaction_RollbackRestoresBackupAndRemovesCreatedFiles(t *testing.T) {
	agentsRoot, agentID := setupAgent(t)
	j, err := cryovant.Open(t.TempDir())
	require.NoError(t, err)

	configPath := filepath.Join(agentsRoot, agentID, "config", "settings.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{"enabled": false}`), 0o644))

	tx, err := New(j, agentID, agentsRoot, "tx-1", WithEpochID("epoch-1"))
	require.NoError(t, err)

	existingTarget, err := adaadtypes.NewMutationTarget(agentID, "config/settings.json", adaadtypes.TargetConfig,
		[]adaadtypes.Operation{{Op: "set", Path: "/enabled", Value: true}}, "")
	require.NoError(t, err)
	_, err = tx.Apply(existingTarget)
	require.NoError(t, err)

	newTarget, err := adaadtypes.NewMutationTarget(agentID, "config/new.json", adaadtypes.TargetConfig,
		[]adaadtypes.Operation{{Op: "set", Path: "/fresh", Value: true}}, "")
	require.NoError(t, err)
	_, err = tx.Apply(newTarget)
	require.NoError(t, err)

	require.NoError(t, tx.Rollback())

	raw, err := os.ReadFile(configPath)
	require.NoError(t, err)
	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &data))
	require.Equal(t, false, data["enabled"])

	_, statErr := os.Stat(filepath.Join(agentsRoot, agentID, "config", "new.json"))
	require.True(t, os.IsNotExist(statErr))
}

func TestTransaction_CommitDiscardsBackups(t *testing.T) {
	agentsRoot, agentID := setupAgent(t)
	j, err := cryovant.Open(t.TempDir())
	require.NoError(t, err)

	tx, err := New(j, agentID, agentsRoot, "tx-2")
	require.NoError(t, err)

	target, err := adaadtypes.NewMutationTarget(agentID, "config/settings.json", adaadtypes.TargetConfig,
		[]adaadtypes.Operation{{Op: "set", Path: "/enabled", Value: true}}, "")
	require.NoError(t, err)
	_, err = tx.Apply(target)
	require.NoError(t, err)

	require.NoError(t, tx.Commit())
	require.NoError(t, tx.Close())

	_, statErr := os.Stat(filepath.Join(agentsRoot, agentID, ".rollback", "tx-2"))
	require.True(t, os.IsNotExist(statErr))
}

func TestTransaction_CloseRollsBackWhenNotCommitted(t *testing.T) {
	agentsRoot, agentID := setupAgent(t)
	j, err := cryovant.Open(t.TempDir())
	require.NoError(t, err)

	configPath := filepath.Join(agentsRoot, agentID, "config", "settings.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{"enabled": false}`), 0o644))

	func() {
		tx, err := New(j, agentID, agentsRoot, "tx-3")
		require.NoError(t, err)
		defer tx.Close()

		target, err := adaadtypes.NewMutationTarget(agentID, "config/settings.json", adaadtypes.TargetConfig,
			[]adaadtypes.Operation{{Op: "set", Path: "/enabled", Value: true}}, "")
		require.NoError(t, err)
		_, err = tx.Apply(target)
		require.NoError(t, err)
	}()

	raw, err := os.ReadFile(configPath)
	require.NoError(t, err)
	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &data))
	require.Equal(t, false, data["enabled"])
}
