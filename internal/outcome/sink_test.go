package outcome_test

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whatsapp-automation/worker/internal/model"
	"github.com/whatsapp-automation/worker/internal/outcome"
	"github.com/whatsapp-automation/worker/internal/outcome/outcometest"
)

type failingSink struct {
	outcome.Nop
	err error
}

func (f failingSink) RecordMessageOutcome(context.Context, model.MessageTask, model.Outcome) error {
	return f.err
}

func TestFanoutContinuesPastFailingSink(t *testing.T) {
	rec := &outcometest.Recorder{}
	boom := errors.New("disk full")
	f := outcome.Fanout{failingSink{err: boom}, nil, rec}

	err := f.RecordMessageOutcome(context.Background(), model.MessageTask{ID: "t1"}, model.Outcome{TaskID: "t1", Status: model.OutcomeSent})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	require.Len(t, rec.OutcomeList(), 1)
	assert.Equal(t, "t1", rec.OutcomeList()[0].TaskID)
}

func TestFanoutNoErrorWhenAllSucceed(t *testing.T) {
	rec := &outcometest.Recorder{}
	f := outcome.Fanout{outcome.Nop{}, rec}

	require.NoError(t, f.RecordStateChange(context.Background(), model.Connection{ID: "c1", State: model.StateReady}))
	require.NoError(t, f.RecordStateChange(context.Background(), model.Connection{ID: "c1", State: model.StateDisconnected}))
	assert.Equal(t, []model.ConnectionState{model.StateReady, model.StateDisconnected}, rec.StateHistory("c1"))
}
