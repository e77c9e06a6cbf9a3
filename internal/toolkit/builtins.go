package toolkit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/basket/minder/internal/fault"
	"github.com/basket/minder/internal/reconcile"
	"github.com/basket/minder/internal/store"
	"github.com/basket/minder/internal/tokenutil"
)

const kindChat = "chat"

const chatSendSchema = `{
	"type": "object",
	"properties": {
		"body": {"type": "string", "minLength": 1}
	},
	"required": ["body"],
	"additionalProperties": false
}`

// ChatSend delivers a message from a unit to its operator: a notification
// row (picked up by every forwarder) plus an assistant line on the unit's
// conversation. The notification is the externally visible effect, so the
// journal probe checks for it and nothing else.
type ChatSend struct {
	store *store.Store
	log   *slog.Logger
}

func NewChatSend(st *store.Store, log *slog.Logger) *ChatSend {
	if log == nil {
		log = slog.Default()
	}
	return &ChatSend{store: st, log: log}
}

func (c *ChatSend) Name() string        { return "chat.send" }
func (c *ChatSend) InputSchema() string { return chatSendSchema }

func (c *ChatSend) Execute(ctx context.Context, call Call) (any, error) {
	body := stringParam(call.Params, "body")
	id, err := c.store.CreateNotification(ctx, call.Unit.ID, kindChat, body)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "store chat notification", err).At("toolkit")
	}
	// Transcript bookkeeping after the visible part has landed; a failure
	// here must not fail a call the operator will already see.
	if _, err := c.store.AppendMessage(ctx, call.Unit.ID, call.RunID, store.MsgAssistant, body, tokenutil.EstimateTokens(body)); err != nil {
		c.log.Warn("append chat message to conversation", "unit", call.Unit.ID, "error", err)
	}
	return map[string]any{"notification_id": id}, nil
}

func (c *ChatSend) IdempotencyKey(call Call) string { return "" }

// Reconcile decides a chat.send in doubt by looking for its notification.
// The local store is authoritative here, so a miss is a definite failure.
func (c *ChatSend) Reconcile(ctx context.Context, effect store.SideEffect) reconcile.Outcome {
	params, err := effect.DecodedParams()
	if err != nil {
		return reconcile.Retry()
	}
	body, _ := params["body"].(string)
	n, err := c.store.NotificationByBody(ctx, effect.UnitID, body)
	if errors.Is(err, sql.ErrNoRows) {
		return reconcile.Failed()
	}
	if err != nil {
		return reconcile.Retry()
	}
	return reconcile.Applied(map[string]any{"notification_id": n.ID})
}

const kvGetSchema = `{
	"type": "object",
	"properties": {
		"key": {"type": "string", "minLength": 1}
	},
	"required": ["key"],
	"additionalProperties": false
}`

const kvSetSchema = `{
	"type": "object",
	"properties": {
		"key": {"type": "string", "minLength": 1},
		"value": {}
	},
	"required": ["key", "value"],
	"additionalProperties": false
}`

// KVGet reads a unit-scoped durable value. Unlike the state dict a
// script carries between steps, these survive independently of run
// outcomes: a value set in a run that later faults is still there.
type KVGet struct {
	store *store.Store
}

func NewKVGet(st *store.Store) *KVGet { return &KVGet{store: st} }

func (g *KVGet) Name() string        { return "kv.get" }
func (g *KVGet) InputSchema() string { return kvGetSchema }

func (g *KVGet) Execute(ctx context.Context, call Call) (any, error) {
	key := stringParam(call.Params, "key")
	raw, ok, err := g.store.MemoGet(ctx, unitKVKey(call.Unit.ID, key))
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "read unit kv", err).At("toolkit")
	}
	if !ok {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fault.Wrap(fault.Internal, fmt.Sprintf("unit kv %q is not valid JSON", key), err).At("toolkit")
	}
	return v, nil
}

// KVSet writes a unit-scoped durable value. The write commits inside
// the call, so it does not go through the side-effect journal.
type KVSet struct {
	store *store.Store
}

func NewKVSet(st *store.Store) *KVSet { return &KVSet{store: st} }

func (s *KVSet) Name() string        { return "kv.set" }
func (s *KVSet) InputSchema() string { return kvSetSchema }

func (s *KVSet) Execute(ctx context.Context, call Call) (any, error) {
	key := stringParam(call.Params, "key")
	encoded, err := json.Marshal(call.Params["value"])
	if err != nil {
		return nil, fault.Wrap(fault.Logic, "kv value is not JSON-encodable", err).At("toolkit")
	}
	if err := s.store.MemoSet(ctx, unitKVKey(call.Unit.ID, key), string(encoded), call.Unit.ID); err != nil {
		return nil, fault.Wrap(fault.Internal, "write unit kv", err).At("toolkit")
	}
	return map[string]any{"key": key}, nil
}

func unitKVKey(unitID, key string) string {
	return "unit:" + unitID + ":" + key
}

const submitFixSchema = `{
	"type": "object",
	"properties": {
		"script": {"type": "string", "minLength": 1},
		"token": {"type": "string", "minLength": 1},
		"notes": {"type": "string"}
	},
	"required": ["script", "token"],
	"additionalProperties": false
}`

// FixApplier accepts a corrected script for a flagged workflow. The
// maintenance controller implements this; the token it issued with the
// repair briefing must come back unchanged or the submission is stale.
type FixApplier interface {
	ApplyFix(ctx context.Context, maintainer *store.Unit, token, script, notes string) error
}

// SubmitFix is the maintainer's hand-off: the corrected script plus the
// briefing token, guarded so only maintainer units can reach it.
type SubmitFix struct {
	applier FixApplier
}

func NewSubmitFix(applier FixApplier) *SubmitFix { return &SubmitFix{applier: applier} }

func (f *SubmitFix) Name() string        { return "maintenance.submit_fix" }
func (f *SubmitFix) InputSchema() string { return submitFixSchema }

func (f *SubmitFix) PreCallGuard(ctx context.Context, call Call) error {
	if call.Unit == nil || call.Unit.Role != store.RoleMaintainer {
		return fault.New(fault.Logic, "maintenance.submit_fix is restricted to maintainer units").At("toolkit")
	}
	return nil
}

func (f *SubmitFix) Execute(ctx context.Context, call Call) (any, error) {
	err := f.applier.ApplyFix(ctx,
		call.Unit,
		stringParam(call.Params, "token"),
		stringParam(call.Params, "script"),
		stringParam(call.Params, "notes"),
	)
	if err != nil {
		return nil, err
	}
	return map[string]any{"accepted": true}, nil
}

// RegisterBuiltins wires the stock capabilities into a registry. The
// applier may be nil when no maintenance controller runs (tests, tools
// that only need chat and state).
func RegisterBuiltins(r *Registry, st *store.Store, applier FixApplier, log *slog.Logger) error {
	caps := []Capability{
		NewChatSend(st, log),
		NewKVGet(st),
		NewKVSet(st),
	}
	if applier != nil {
		caps = append(caps, NewSubmitFix(applier))
	}
	for _, c := range caps {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func stringParam(params map[string]any, key string) string {
	v, _ := params[key].(string)
	return v
}
