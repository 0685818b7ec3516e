package nodeio

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/flowengine/model"
)

func secretSchema() model.Schema {
	return model.Schema{Ports: []model.Port{
		{ID: "token", ConnectionType: model.ConnectionType{Kind: model.KindSecret}},
		{ID: "note", ConnectionType: model.ConnectionType{Kind: model.KindText}},
	}}
}

func TestMaskSecretsReplacesDeclaredSecretPorts(t *testing.T) {
	masked := MaskSecrets(map[string]any{"token": "tok-123", "note": "fine", "extra": 1}, secretSchema())
	assert.Equal(t, "***", masked["token"])
	assert.Equal(t, "fine", masked["note"])
	assert.Equal(t, 1, masked["extra"])
}

func TestMaskSecretsCredentialContract(t *testing.T) {
	schema := model.Schema{Ports: []model.Port{
		{ID: "cred", ConnectionType: model.ConnectionType{Kind: model.KindContract, ContractRef: "core.api_key"}},
	}}
	masked := MaskSecrets(map[string]any{"cred": map[string]any{"key": "k"}}, schema)
	assert.Equal(t, "***", masked["cred"])
}

func TestMemorySinkRecordsEvents(t *testing.T) {
	sink := NewMemorySink(nil)
	sink.Start(context.Background(), StartEvent{RunID: "r", NodeRef: "n", Inputs: map[string]any{"a": 1}})
	sink.Completion(context.Background(), CompletionEvent{RunID: "r", NodeRef: "n", Status: model.StatusCompleted})

	require.Len(t, sink.StartsFor("r"), 1)
	require.Len(t, sink.CompletionsFor("r"), 1)
	assert.Equal(t, model.StatusCompleted, sink.CompletionsFor("r")[0].Status)
}

func TestShrinkSpillsInlineWithoutSpiller(t *testing.T) {
	big := map[string]any{"data": strings.Repeat("x", spillThreshold+1)}
	out := shrink(context.Background(), nil, big)
	assert.Equal(t, true, out["_spilled"])
	assert.Greater(t, out["size"].(int), spillThreshold)
}

func TestShrinkTruncatesAsLastResort(t *testing.T) {
	huge := map[string]any{"data": strings.Repeat("x", truncateThreshold+1)}
	out := shrink(context.Background(), nil, huge)
	assert.Equal(t, true, out["_truncated"])
	assert.Greater(t, out["_originalSize"].(int), truncateThreshold)
}

type fakeSpiller struct{ refs []string }

func (f *fakeSpiller) Upload(_ context.Context, _ string, _ []byte, _ string) (string, error) {
	ref := "obj-1"
	f.refs = append(f.refs, ref)
	return ref, nil
}

func TestShrinkUploadsViaSpiller(t *testing.T) {
	spill := &fakeSpiller{}
	big := map[string]any{"data": strings.Repeat("x", spillThreshold+1)}
	out := shrink(context.Background(), spill, big)
	assert.Equal(t, "obj-1", out["_spilled_reference"])
	assert.Len(t, spill.refs, 1)
}

func TestShrinkPassesSmallPayloadsThrough(t *testing.T) {
	small := map[string]any{"data": "tiny"}
	assert.Equal(t, small, shrink(context.Background(), nil, small))
}
