package registry

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/liminalcommons/chora-cvm-kernel/kernel/execctx"
)

func plainEcho(inputs map[string]any) (map[string]any, error) {
	return map[string]any{"echoed": inputs}, nil
}

func ctxEcho(inputs map[string]any, ctx *execctx.ExecutionContext) (map[string]any, error) {
	return map[string]any{"persona": ctx.PersonaID}, nil
}

func testResolver(ref string) (Handler, ContextHandler, bool) {
	switch ref {
	case "plain.echo":
		return plainEcho, nil, true
	case "ctx.echo":
		return nil, ctxEcho, true
	default:
		return nil, nil, false
	}
}

func entityData(t *testing.T, handlerRef string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(primitiveEntityData{
		HandlerRef:  handlerRef,
		Description: "test primitive",
	})
	require.NoError(t, err)
	return raw
}

func TestRegisterFromEntityResolvesPlainHandler(t *testing.T) {
	r := New(testResolver)
	require.NoError(t, r.RegisterFromEntity("primitive-plain-echo", entityData(t, "plain.echo")))

	rec, err := r.Get("primitive-plain-echo")
	require.NoError(t, err)
	require.NotNil(t, rec.Handler)
	require.Nil(t, rec.ContextHandler)
	require.False(t, rec.AcceptsContext)
}

func TestRegisterFromEntityResolvesContextHandler(t *testing.T) {
	r := New(testResolver)
	require.NoError(t, r.RegisterFromEntity("primitive-ctx-echo", entityData(t, "ctx.echo")))

	rec, err := r.Get("primitive-ctx-echo")
	require.NoError(t, err)
	require.Nil(t, rec.Handler)
	require.NotNil(t, rec.ContextHandler)
	require.True(t, rec.AcceptsContext)
}

func TestRegisterFromEntityUnresolvableKeepsRecordWithNilHandler(t *testing.T) {
	r := New(testResolver)
	require.NoError(t, r.RegisterFromEntity("primitive-missing", entityData(t, "no.such.ref")))

	rec, err := r.Get("primitive-missing")
	require.NoError(t, err)
	require.Nil(t, rec.Handler)
	require.Nil(t, rec.ContextHandler)
	require.False(t, rec.AcceptsContext)
}

func TestGetUnknownPrimitiveReturnsNotFound(t *testing.T) {
	r := New(testResolver)
	_, err := r.Get("nope")
	require.Error(t, err)
}

func TestLookupByExactID(t *testing.T) {
	r := New(testResolver)
	require.NoError(t, r.RegisterFromEntity("primitive-plain-echo", entityData(t, "plain.echo")))

	id, rec, ok := r.Lookup("primitive-plain-echo")
	require.True(t, ok)
	require.Equal(t, "primitive-plain-echo", id)
	require.NotNil(t, rec)
}

func TestLookupByShortName(t *testing.T) {
	r := New(testResolver)
	require.NoError(t, r.RegisterFromEntity("primitive-plain-echo", entityData(t, "plain.echo")))

	id, rec, ok := r.Lookup("plain-echo")
	require.True(t, ok)
	require.Equal(t, "primitive-plain-echo", id)
	require.NotNil(t, rec)
}

func TestLookupByUnderscoreVariant(t *testing.T) {
	r := New(testResolver)
	require.NoError(t, r.RegisterFromEntity("primitive-plain-echo", entityData(t, "plain.echo")))

	id, _, ok := r.Lookup("plain_echo")
	require.True(t, ok)
	require.Equal(t, "primitive-plain-echo", id)
}

func TestLookupUnknownFails(t *testing.T) {
	r := New(testResolver)
	_, _, ok := r.Lookup("whatever")
	require.False(t, ok)
}

func TestListPreservesRegistrationOrder(t *testing.T) {
	r := New(testResolver)
	require.NoError(t, r.RegisterFromEntity("primitive-b", entityData(t, "plain.echo")))
	require.NoError(t, r.RegisterFromEntity("primitive-a", entityData(t, "plain.echo")))

	list := r.List()
	require.Len(t, list, 2)
	require.Equal(t, "primitive-b", list[0].EntityID)
	require.Equal(t, "primitive-a", list[1].EntityID)
}

func TestShortNameStripsPrefix(t *testing.T) {
	require.Equal(t, "save-entity", ShortName("primitive-save-entity"))
	require.Equal(t, "bare", ShortName("bare"))
}

func TestInvokeProtocolWithoutInvokerReturnsRuntimeError(t *testing.T) {
	r := New(testResolver)
	_, err := r.InvokeProtocol("protocol-x", nil)
	require.Error(t, err)
}

func TestInvokeProtocolUsesInstalledInvoker(t *testing.T) {
	r := New(testResolver)
	r.SetProtocolInvoker(func(protocolID string, inputs map[string]any) (map[string]any, error) {
		return map[string]any{"ran": protocolID}, nil
	})

	out, err := r.InvokeProtocol("protocol-x", nil)
	require.NoError(t, err)
	require.Equal(t, "protocol-x", out["ran"])
}

func TestRegisterFromEntityResolverPanicCollapsesToNilHandler(t *testing.T) {
	panicking := func(ref string) (Handler, ContextHandler, bool) {
		panic("resolver exploded")
	}
	r := New(panicking)
	require.NoError(t, r.RegisterFromEntity("primitive-x", entityData(t, "anything")))

	rec, err := r.Get("primitive-x")
	require.NoError(t, err)
	require.Nil(t, rec.Handler)
	require.Nil(t, rec.ContextHandler)
}
