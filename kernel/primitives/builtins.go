// Package primitives is the kernel's own built-in handler_ref symbol table:
// a small set of store-manipulation and text-shaping primitives that any
// deployment needs regardless of which domain-specific protocols it loads,
// plus the Resolver function that binds handler_ref strings to them.
//
// The spec leaves individual primitive behavior unspecified by design — it
// only fixes the ABI (C6) every primitive obeys. These are that: ordinary
// implementations of the contract, not part of the contract itself.
package primitives

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/orsinium-labs/stopwords"

	"github.com/liminalcommons/chora-cvm-kernel/kernel/execctx"
	"github.com/liminalcommons/chora-cvm-kernel/kernel/registry"
)

var en = stopwords.MustGet("en")

// Resolver implements registry.Resolver over the built-in table below.
// handler_ref strings outside this table resolve to (nil, nil, false),
// which the registry records as handler=null per spec §4.2.
func Resolver(handlerRef string) (registry.Handler, registry.ContextHandler, bool) {
	if h, ok := contextHandlers[handlerRef]; ok {
		return nil, h, true
	}
	if h, ok := plainHandlers[handlerRef]; ok {
		return h, nil, true
	}
	return nil, nil, false
}

var plainHandlers = map[string]registry.Handler{
	"id.generate":   generateID,
	"text.keywords": extractKeywords,
}

var contextHandlers = map[string]registry.ContextHandler{
	"store.save_entity":      saveEntity,
	"store.get_entity":       getEntity,
	"store.save_bond":        saveBond,
	"store.update_confidence": updateBondConfidence,
	"store.search_entities":  searchEntities,
}

// generateID returns a UUIDv4, optionally under a caller-supplied prefix
// (e.g. "state-", "archive-") matching the id shapes the store expects
// elsewhere in the kernel.
func generateID(inputs map[string]any) (map[string]any, error) {
	prefix, _ := inputs["prefix"].(string)
	return map[string]any{"status": "success", "id": prefix + uuid.NewString()}, nil
}

// extractKeywords lowercases and splits text on whitespace, drops English
// stopwords, and returns the deduplicated survivors in first-seen order.
func extractKeywords(inputs map[string]any) (map[string]any, error) {
	text, _ := inputs["text"].(string)
	fields := strings.Fields(strings.ToLower(text))

	scratch := getScratchSlice()
	defer putScratchSlice(scratch)

	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?\"'()[]{}")
		if f == "" || seen[f] || en.Contains(f) {
			continue
		}
		seen[f] = true
		scratch = append(scratch, f)
	}

	keywords := make([]string, len(scratch))
	copy(keywords, scratch)
	return map[string]any{"status": "success", "keywords": keywords}, nil
}

func saveEntity(inputs map[string]any, ctx *execctx.ExecutionContext) (map[string]any, error) {
	id, _ := inputs["id"].(string)
	typ, _ := inputs["type"].(string)
	if id == "" || typ == "" {
		return map[string]any{"status": "error", "message": "id and type are required"}, nil
	}
	data, err := marshalField(inputs["data"])
	if err != nil {
		return nil, err
	}
	if err := ctx.Store.SaveEntity(id, typ, data); err != nil {
		return map[string]any{"status": "error", "message": err.Error()}, nil
	}
	return map[string]any{"status": "success", "id": id}, nil
}

func getEntity(inputs map[string]any, ctx *execctx.ExecutionContext) (map[string]any, error) {
	id, _ := inputs["id"].(string)
	e, err := ctx.Store.LoadEntity(id)
	if err != nil {
		return map[string]any{"status": "error", "message": err.Error()}, nil
	}
	if e == nil {
		return map[string]any{"status": "error", "message": "not found"}, nil
	}
	var data any
	if err := unmarshalField(e.Data, &data); err != nil {
		return nil, err
	}
	return map[string]any{"status": "success", "id": e.ID, "type": e.Type, "data": data}, nil
}

func saveBond(inputs map[string]any, ctx *execctx.ExecutionContext) (map[string]any, error) {
	id, _ := inputs["id"].(string)
	typ, _ := inputs["type"].(string)
	fromID, _ := inputs["from_id"].(string)
	toID, _ := inputs["to_id"].(string)
	status, _ := inputs["status"].(string)
	if status == "" {
		status = "active"
	}
	confidence, _ := inputs["confidence"].(float64)

	data, err := marshalField(inputs["data"])
	if err != nil {
		return nil, err
	}
	if err := ctx.Store.SaveBond(id, typ, fromID, toID, status, confidence, data); err != nil {
		return map[string]any{"status": "error", "message": err.Error()}, nil
	}
	return map[string]any{"status": "success", "id": id}, nil
}

func updateBondConfidence(inputs map[string]any, ctx *execctx.ExecutionContext) (map[string]any, error) {
	id, _ := inputs["id"].(string)
	value, _ := inputs["value"].(float64)

	update, err := ctx.Store.UpdateBondConfidence(id, value)
	if err != nil {
		return map[string]any{"status": "error", "message": err.Error()}, nil
	}
	if update == nil {
		return map[string]any{"status": "error", "message": "bond not found"}, nil
	}
	return map[string]any{
		"status":             "success",
		"previous_confidence": update.Previous,
		"new_confidence":      update.New,
	}, nil
}

func searchEntities(inputs map[string]any, ctx *execctx.ExecutionContext) (map[string]any, error) {
	query, _ := inputs["query"].(string)
	limit := 20
	if v, ok := inputs["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}

	entities, err := ctx.Store.SearchEntities(query, limit)
	if err != nil {
		return map[string]any{"status": "error", "message": err.Error()}, nil
	}

	ids := make([]string, 0, len(entities))
	for _, e := range entities {
		ids = append(ids, e.ID)
	}
	sort.Strings(ids)
	return map[string]any{"status": "success", "ids": ids, "count": len(ids)}, nil
}

func marshalField(v any) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(v)
}

func unmarshalField(data json.RawMessage, out any) error {
	return json.Unmarshal(data, out)
}
