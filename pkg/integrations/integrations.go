// Package integrations provides a JSON protocol for driving machines over
// message brokers: reading the state, sending events and waiting for states.
//
//nolint:lll
package integrations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/orsinium-labs/enum"

	amhelp "github.com/pancsta/asyncfsm/pkg/helpers"
	am "github.com/pancsta/asyncfsm/pkg/machine"
)

// Kind enum

type Kind enum.Member[string]

var (
	KindReqGetter   = Kind{"fsm_req_getter"}
	KindReqSend     = Kind{"fsm_req_send"}
	KindReqWaiting  = Kind{"fsm_req_waiting"}
	KindRespGetter  = Kind{"fsm_resp_getter"}
	KindRespSend    = Kind{"fsm_resp_send"}
	KindRespWaiting = Kind{"fsm_resp_waiting"}
	KindRespChange  = Kind{"fsm_resp_change"}
	KindEnum        = enum.New(KindReqGetter, KindReqSend, KindReqWaiting,
		KindRespGetter, KindRespSend, KindRespWaiting, KindRespChange)
)

// ParseKind returns a Kind for a string value, or nil when unknown.
func ParseKind(value string) *Kind {
	return KindEnum.Parse(value)
}

// flatten to a string in JSON

func (k *Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.Value)
}

func (k *Kind) UnmarshalJSON(b []byte) error {
	var s string
	err := json.Unmarshal(b, &s)
	if err != nil {
		return err
	}

	// success
	k.Value = s
	return nil
}

// MsgKindReq is a decoding helper.
type MsgKindReq struct {
	// The kind of the request.
	Kind Kind `json:"kind" jsonschema:"required,enum=fsm_req_getter,enum=fsm_req_send,enum=fsm_req_waiting"`
}

// IsReq returns true for known request kinds.
func (m *MsgKindReq) IsReq() bool {
	return m.Kind == KindReqGetter || m.Kind == KindReqSend ||
		m.Kind == KindReqWaiting
}

// SEND

type SendReq struct {
	// The kind of the request.
	Kind Kind `json:"kind" jsonschema:"required,enum=fsm_req_send"`
	// The event to send.
	Event am.Event `json:"event"`
}

type SendResp struct {
	// The kind of the response.
	Kind Kind `json:"kind" jsonschema:"required,enum=fsm_resp_send"`
	// The state after processing the event, or the current one when the event
	// got queued.
	State am.State `json:"state"`
	// Error of the step, or a stopped machine.
	Error string `json:"error,omitempty"`
}

// WAITING

type WaitingReq struct {
	// The kind of the request.
	Kind Kind `json:"kind" jsonschema:"required,enum=fsm_req_waiting"`
	// The state name to wait for.
	State string `json:"state"`
}

type WaitingRespUnsafe struct {
	// The kind of the response.
	Kind Kind `json:"kind" jsonschema:"required,enum=fsm_resp_waiting"`
	// The ID of the state machine.
	MachId string `json:"mach_id"`
	// The state name waited for.
	State string `json:"state"`
}

type WaitingResp struct {
	WaitingRespUnsafe
}

func (w *WaitingResp) UnmarshalJSON(b []byte) error {
	resp := WaitingRespUnsafe{}
	if err := json.Unmarshal(b, &resp); err != nil {
		return err
	}
	if resp.Kind != KindRespWaiting {
		return errors.New("wrong response kind")
	}
	w.WaitingRespUnsafe = resp

	return nil
}

// GETTER

// GetterReq is a generic request, which results in GetterResp with
// respective fields filled out.
type GetterReq struct {
	// The kind of the request.
	Kind Kind `json:"kind" jsonschema:"required,enum=fsm_req_getter"`
	// Request the current state, with data.
	State bool `json:"state,omitempty"`
	// Request the running flag.
	Running bool `json:"running,omitempty"`
	// Request the last error of the state machine.
	Err bool `json:"err,omitempty"`
	// Request the state names of the definition.
	States bool `json:"states,omitempty"`
	// Request the ID of the state machine
	Id bool `json:"id,omitempty"`
}

// GetterResp is a response to GetterReq.
type GetterResp struct {
	// The kind of the response.
	Kind Kind `json:"kind" jsonschema:"required,enum=fsm_resp_getter"`
	// The current state.
	State *am.State `json:"state,omitempty"`
	// The running flag.
	Running *bool `json:"running,omitempty"`
	// The last error.
	Err string `json:"err,omitempty"`
	// The state names of the definition.
	States am.S `json:"states,omitempty"`
	// The ID of the state machine
	Id string `json:"id,omitempty"`
}

// CHANGES

// ChangeMsg is published on every state change.
type ChangeMsg struct {
	// The kind of the message.
	Kind Kind `json:"kind" jsonschema:"required,enum=fsm_resp_change"`
	// The ID of the state machine.
	MachId string `json:"mach_id"`
	// The entered state.
	State am.State `json:"state"`
	// The event which caused the change, nil for spontaneous transitions.
	Event *am.Event `json:"event,omitempty"`
}

// UTILS & HANDLERS

// NewGetterReq creates a new getter request.
func NewGetterReq() *GetterReq {
	return &GetterReq{
		Kind: KindReqGetter,
	}
}

// NewSendReq creates a new send request.
func NewSendReq(ev am.Event) *SendReq {
	return &SendReq{
		Kind:  KindReqSend,
		Event: ev,
	}
}

// NewWaitingReq creates a new waiting request.
func NewWaitingReq(state string) *WaitingReq {
	return &WaitingReq{
		Kind:  KindReqWaiting,
		State: state,
	}
}

func HandlerWaiting(
	ctx context.Context, mach *am.Machine, req *WaitingReq,
) (*WaitingResp, error) {
	resp := &WaitingResp{WaitingRespUnsafe{Kind: KindRespWaiting}}

	// validate
	if req.State == "" {
		return nil, errors.New("waiting state missing")
	}
	if !mach.Definition().Has(req.State) {
		return nil, fmt.Errorf("%w: unknown state %s for %s", am.ErrConfig,
			req.State, mach.Id())
	}

	// wait
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-amhelp.When(ctx, mach, req.State):
	}

	resp.MachId = mach.Id()
	resp.State = req.State

	return resp, nil
}

func HandlerSend(
	ctx context.Context, mach *am.Machine, req *SendReq,
) (*SendResp, error) {
	if req.Event.Type == "" {
		return nil, errors.New("event type missing")
	}

	resp := &SendResp{Kind: KindRespSend}
	if err := mach.Send(req.Event); err != nil {
		resp.Error = err.Error()
	}
	resp.State = mach.State()

	return resp, nil
}

func HandlerGetter(
	ctx context.Context, mach *am.Machine, req *GetterReq,
) (*GetterResp, error) {
	resp := &GetterResp{Kind: KindRespGetter}
	if req.Id {
		resp.Id = mach.Id()
	}
	if req.State {
		state := mach.State()
		resp.State = &state
	}
	if req.Running {
		running := mach.IsRunning()
		resp.Running = &running
	}
	if req.Err {
		if err := mach.Err(); err != nil {
			resp.Err = err.Error()
		}
	}
	if req.States {
		resp.States = mach.Definition().StateNames()
	}

	return resp, nil
}
