package integrations

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testutils "github.com/pancsta/asyncfsm/internal/testing/utils"
	am "github.com/pancsta/asyncfsm/pkg/machine"
)

func TestKindJson(t *testing.T) {
	// test
	j, err := json.Marshal(NewSendReq(am.Event{Type: "NEXT"}))
	require.NoError(t, err)
	var kind MsgKindReq
	require.NoError(t, json.Unmarshal(j, &kind))

	// assert
	assert.Contains(t, string(j), `"kind":"fsm_req_send"`)
	assert.True(t, kind.IsReq())
	assert.Equal(t, KindReqSend, kind.Kind)
	assert.Equal(t, &KindRespChange, ParseKind("fsm_resp_change"))
	assert.Nil(t, ParseKind("unknown"))
}

func TestWaitingRespKind(t *testing.T) {
	var resp WaitingResp
	err := json.Unmarshal([]byte(`{"kind":"fsm_resp_send"}`), &resp)
	assert.Error(t, err)

	err = json.Unmarshal(
		[]byte(`{"kind":"fsm_resp_waiting","mach_id":"m","state":"red"}`), &resp)
	require.NoError(t, err)
	assert.Equal(t, "red", resp.State)
}

func TestHandlerSend(t *testing.T) {
	ctx := context.Background()
	mach := testutils.NewTrafficStarted(t, nil)

	// test
	resp, err := HandlerSend(ctx, mach, NewSendReq(am.Event{Type: "NEXT"}))

	// assert
	require.NoError(t, err)
	assert.Equal(t, "green", resp.State.Name)
	assert.Empty(t, resp.Error)

	_, err = HandlerSend(ctx, mach, NewSendReq(am.Event{}))
	assert.Error(t, err)
}

func TestHandlerGetter(t *testing.T) {
	ctx := context.Background()
	mach := testutils.NewTraffic(t, nil)
	req := NewGetterReq()
	req.Running = true
	req.Err = true

	// test
	resp, err := HandlerGetter(ctx, mach, req)

	// assert
	require.NoError(t, err)
	require.NotNil(t, resp.Running)
	assert.False(t, *resp.Running)
	assert.Empty(t, resp.Err)
	assert.Nil(t, resp.State)
	assert.Empty(t, resp.Id)
}

func TestHandlerWaiting(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	mach := testutils.NewTrafficStarted(t, nil)

	// unknown state
	_, err := HandlerWaiting(ctx, mach, NewWaitingReq("blue"))
	assert.ErrorIs(t, err, am.ErrConfig)

	// test
	go func() {
		_ = mach.Send(am.Event{Type: "NEXT"})
	}()
	resp, err := HandlerWaiting(ctx, mach, NewWaitingReq("green"))

	// assert
	require.NoError(t, err)
	assert.Equal(t, mach.Id(), resp.MachId)
	assert.Equal(t, KindRespWaiting, resp.Kind)
}
