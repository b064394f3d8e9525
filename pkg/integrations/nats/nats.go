package nats

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/nats-io/nats.go"

	"github.com/pancsta/asyncfsm/pkg/integrations"
	am "github.com/pancsta/asyncfsm/pkg/machine"
)

// ExposeMachine exposes a state machine to NATS for requests of type
// - GetterReq
// - SendReq
// - WaitingReq
// with responses of type
// - GetterResp
// - SendResp
// - WaitingResp
//
// Each state machine subscribed to a dedicated subtopic "[topic].[machineID]".
// Optional [queue] allows to load-balance requests across multiple subscribers.
// ExposeMachine allocates a goroutine for GC blocked by ctx.
func ExposeMachine(
	ctx context.Context, mach *am.Machine, nc *nats.Conn, topic, queue string,
) error {
	var (
		sub1 *nats.Subscription
		err  error
	)

	bind := func(msg *nats.Msg) {
		dispatcher(ctx, nc, mach, msg)
	}

	if queue != "" {
		sub1, err = nc.QueueSubscribe(topic, queue, bind)
	} else {
		sub1, err = nc.Subscribe(topic, bind)
	}

	if err != nil {
		return err
	}

	// dedicated subtopic for this machine
	sub2, err := nc.Subscribe(topic+"."+mach.Id(), bind)
	if err != nil {
		_ = sub1.Unsubscribe()
		return err
	}

	// dispose with ctx
	go func() {
		<-ctx.Done()
		_ = sub1.Unsubscribe()
		_ = sub2.Unsubscribe()
	}()

	return err
}

// PublishChanges publishes a ChangeMsg to "[topic].[machineID].changes" on
// every state change of [mach], until ctx is done.
func PublishChanges(
	ctx context.Context, mach *am.Machine, nc *nats.Conn, topic string,
) {
	subject := topic + "." + mach.Id() + ".changes"
	unsub := mach.Subscribe(func(state am.State, ev *am.Event) {
		msg := &integrations.ChangeMsg{
			Kind:   integrations.KindRespChange,
			MachId: mach.Id(),
			State:  state,
			Event:  ev,
		}
		j, err := json.Marshal(msg)
		if err == nil {
			err = nc.Publish(subject, j)
		}
		if err != nil {
			mach.Log("[error:nats] %s", err)
		}
	})

	go func() {
		<-ctx.Done()
		unsub()
	}()
}

// Send is a helper to send an event to machine machID, exposed under
// [topic]. It will block until the response or the context expires. Returns
// the state after the event.
func Send(
	ctx context.Context, nc *nats.Conn, topic, machID string, ev am.Event,
) (am.State, error) {
	// create the request
	req := integrations.NewSendReq(ev)
	reqJs, err := json.Marshal(req)
	if err != nil {
		return am.State{}, err
	}

	msg, err := nc.RequestWithContext(ctx, topic+"."+machID, reqJs)
	if err != nil {
		return am.State{}, err
	}

	var resp integrations.SendResp
	if err = json.Unmarshal(msg.Data, &resp); err != nil {
		return am.State{}, err
	}
	if resp.Error != "" {
		return resp.State, errors.New(resp.Error)
	}

	return resp.State, nil
}

// State is a helper to get the current state of machine machID, exposed
// under [topic].
func State(
	ctx context.Context, nc *nats.Conn, topic, machID string,
) (am.State, error) {
	req := integrations.NewGetterReq()
	req.State = true
	reqJs, err := json.Marshal(req)
	if err != nil {
		return am.State{}, err
	}

	msg, err := nc.RequestWithContext(ctx, topic+"."+machID, reqJs)
	if err != nil {
		return am.State{}, err
	}

	var resp integrations.GetterResp
	if err = json.Unmarshal(msg.Data, &resp); err != nil {
		return am.State{}, err
	}
	if resp.State == nil {
		return am.State{}, errors.New("state missing in the response")
	}

	return *resp.State, nil
}

// UTILS

func dispatcher(
	ctx context.Context, nc *nats.Conn, mach *am.Machine, msg *nats.Msg) {
	var (
		j    []byte
		err0 error
	)

	// check if this is something for us
	msgKind := integrations.MsgKindReq{}
	if err := json.Unmarshal(msg.Data, &msgKind); err != nil ||
		!msgKind.IsReq() {

		// no match, exit
		return
	}

	get := &integrations.GetterReq{}
	send := &integrations.SendReq{}
	wait := &integrations.WaitingReq{}

	switch msgKind.Kind {
	case integrations.KindReqGetter:
		if err0 = json.Unmarshal(msg.Data, get); err0 == nil {
			resp, err := integrations.HandlerGetter(ctx, mach, get)
			if err != nil {
				err0 = err
			} else {
				j, err0 = json.Marshal(resp)
			}
		}

	case integrations.KindReqSend:
		if err0 = json.Unmarshal(msg.Data, send); err0 == nil {
			resp, err := integrations.HandlerSend(ctx, mach, send)
			if err != nil {
				err0 = err
			} else {
				j, err0 = json.Marshal(resp)
			}
		}

	case integrations.KindReqWaiting:
		// waiting blocks, dont hold the subscription
		if err0 = json.Unmarshal(msg.Data, wait); err0 == nil {
			go func() {
				resp, err := integrations.HandlerWaiting(ctx, mach, wait)
				if err == nil {
					j, err = json.Marshal(resp)
				}
				if err == nil {
					// publish for async replies
					err = nc.Publish(msg.Subject, j)
				}
				if err != nil {
					mach.Log("[error:nats] %s", err)
				}
			}()
			return
		}
	}

	// internal err
	if err0 != nil {
		mach.Log("[error:nats] %s", err0)
		return
	}

	// response to sync request
	if j != nil {
		if err := msg.Respond(j); err != nil {
			mach.Log("[error:nats] %s", err)
		}
	}
}
