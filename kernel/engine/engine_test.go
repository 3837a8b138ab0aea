package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/liminalcommons/chora-cvm-kernel/kernel/registry"
	"github.com/liminalcommons/chora-cvm-kernel/kernel/store"
)

func echoHandler(inputs map[string]any) (map[string]any, error) {
	return map[string]any{"status": "success", "echo": inputs["text"]}, nil
}

func testResolver(ref string) (registry.Handler, registry.ContextHandler, bool) {
	if ref == "echo" {
		return echoHandler, nil, true
	}
	return nil, nil, false
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLiteStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedPrimitive(t *testing.T, st store.Store, id, handlerRef string) {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"handler_ref": handlerRef, "description": "test"})
	require.NoError(t, err)
	require.NoError(t, st.SaveEntity(id, "primitive", raw))
}

func seedLinearProtocol(t *testing.T, st store.Store, id string) {
	t.Helper()
	graph := map[string]any{
		"interface": map[string]any{"description": "echoes its input"},
		"graph": map[string]any{
			"start": "call1",
			"nodes": map[string]any{
				"call1": map[string]any{"kind": "CALL", "ref": "primitive-echo", "inputs": map[string]any{"text": "$.inputs.msg"}},
				"done":  map[string]any{"kind": "RETURN", "outputs": map[string]any{"result": "$.call1.echo"}},
			},
			"edges": []any{map[string]any{"from": "call1", "to": "done"}},
		},
	}
	raw, err := json.Marshal(graph)
	require.NoError(t, err)
	require.NoError(t, st.SaveEntity(id, "protocol", raw))
}

func TestDispatchByExactProtocolID(t *testing.T) {
	st := newTestStore(t)
	seedPrimitive(t, st, "primitive-echo", "echo")
	seedLinearProtocol(t, st, "protocol-greet")

	eng, err := New(st, testResolver, "test.db")
	require.NoError(t, err)

	result := eng.Dispatch("protocol-greet", map[string]any{"msg": "hi"}, nil, "", "")
	require.True(t, result.OK)
	require.Equal(t, "hi", result.Data["result"])
}

func TestDispatchByProtocolShortName(t *testing.T) {
	st := newTestStore(t)
	seedPrimitive(t, st, "primitive-echo", "echo")
	seedLinearProtocol(t, st, "protocol-greet")

	eng, err := New(st, testResolver, "test.db")
	require.NoError(t, err)

	result := eng.Dispatch("greet", map[string]any{"msg": "hi"}, nil, "", "")
	require.True(t, result.OK)
	require.Equal(t, "hi", result.Data["result"])
}

func TestDispatchPrimitiveByShortName(t *testing.T) {
	st := newTestStore(t)
	seedPrimitive(t, st, "primitive-echo", "echo")

	eng, err := New(st, testResolver, "test.db")
	require.NoError(t, err)

	result := eng.Dispatch("echo", map[string]any{"text": "direct"}, nil, "", "")
	require.True(t, result.OK)
	require.Equal(t, "direct", result.Data["echo"])
}

func TestDispatchUnknownIntentReturnsIntentNotFound(t *testing.T) {
	st := newTestStore(t)
	eng, err := New(st, testResolver, "test.db")
	require.NoError(t, err)

	result := eng.Dispatch("nothing-here", nil, nil, "", "")
	require.False(t, result.OK)
	require.Equal(t, "intent_not_found", result.ErrorKind)
}

func TestDispatchProtocolShortNameWinsOverPrimitiveShortName(t *testing.T) {
	st := newTestStore(t)
	// Both a protocol and a primitive resolve to the short name "dup".
	seedPrimitive(t, st, "primitive-dup", "echo")
	graph := map[string]any{
		"interface": map[string]any{},
		"graph": map[string]any{
			"start": "done",
			"nodes": map[string]any{"done": map[string]any{"kind": "RETURN", "outputs": map[string]any{"via": "protocol"}}},
			"edges": []any{},
		},
	}
	raw, err := json.Marshal(graph)
	require.NoError(t, err)
	require.NoError(t, st.SaveEntity("protocol-dup", "protocol", raw))

	eng, err := New(st, testResolver, "test.db")
	require.NoError(t, err)

	result := eng.Dispatch("dup", map[string]any{}, nil, "", "")
	require.True(t, result.OK)
	require.Equal(t, "protocol", result.Data["via"])
}

func TestDispatchPrimitivePanicRecoversAsExecutionError(t *testing.T) {
	st := newTestStore(t)
	panicky := func(ref string) (registry.Handler, registry.ContextHandler, bool) {
		if ref == "panics" {
			return func(inputs map[string]any) (map[string]any, error) {
				panic("boom")
			}, nil, true
		}
		return nil, nil, false
	}
	seedPrimitive(t, st, "primitive-panics", "panics")

	eng, err := New(st, panicky, "test.db")
	require.NoError(t, err)

	result := eng.Dispatch("panics", nil, nil, "", "")
	require.False(t, result.OK)
	require.Equal(t, "primitive_execution_error", result.ErrorKind)
}

func TestListCapabilitiesIncludesProtocolsAndPrimitives(t *testing.T) {
	st := newTestStore(t)
	seedPrimitive(t, st, "primitive-echo", "echo")
	seedLinearProtocol(t, st, "protocol-greet")

	eng, err := New(st, testResolver, "test.db")
	require.NoError(t, err)

	caps, err := eng.ListCapabilities()
	require.NoError(t, err)
	require.Len(t, caps, 2)

	var kinds []string
	for _, c := range caps {
		kinds = append(kinds, string(c.Kind))
	}
	require.Contains(t, kinds, string(CapabilityProtocol))
	require.Contains(t, kinds, string(CapabilityPrimitive))
}

func TestDispatchProtocolReceivesDBPathInInputs(t *testing.T) {
	st := newTestStore(t)
	seedPrimitive(t, st, "primitive-echo", "echo")
	graph := map[string]any{
		"interface": map[string]any{},
		"graph": map[string]any{
			"start": "call1",
			"nodes": map[string]any{
				"call1": map[string]any{"kind": "CALL", "ref": "primitive-echo", "inputs": map[string]any{"text": "$.inputs.db_path"}},
				"done":  map[string]any{"kind": "RETURN", "outputs": map[string]any{"result": "$.call1.echo"}},
			},
			"edges": []any{map[string]any{"from": "call1", "to": "done"}},
		},
	}
	raw, err := json.Marshal(graph)
	require.NoError(t, err)
	require.NoError(t, st.SaveEntity("protocol-dbpath", "protocol", raw))

	eng, err := New(st, testResolver, "/data/kernel.db")
	require.NoError(t, err)

	result := eng.Dispatch("protocol-dbpath", map[string]any{}, nil, "", "")
	require.True(t, result.OK)
	require.Equal(t, "/data/kernel.db", result.Data["result"])
}

func TestDispatchUnknownProtocolIDReturnsIntentNotFound(t *testing.T) {
	st := newTestStore(t)
	eng, err := New(st, testResolver, "test.db")
	require.NoError(t, err)

	// An id that parses as neither an existing entity nor a short name.
	result := eng.Dispatch("protocol-ghost", nil, nil, "", "")
	require.False(t, result.OK)
	require.Equal(t, "intent_not_found", result.ErrorKind)
}
