package notify

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"furnace-lab/pkg/log"
)

func TestTemplates(t *testing.T) {
	at := time.Date(2026, 3, 2, 21, 30, 0, 0, time.UTC)

	assert.Contains(t, DelayedStart(at).Body, "ticked over to 21:30")

	m := StepComplete(2, 850, at)
	assert.Equal(t, KindStepComplete, m.Kind)
	assert.Contains(t, m.Body, "step 2 is now complete")
	assert.Contains(t, m.Body, "850C")
	assert.Contains(t, m.Body, "started on step 3")
	assert.Contains(t, m.Body, "21:30 Monday, Mar 02")

	assert.Contains(t, DeviceError("furnace").Body, "The furnace is no longer sending")
	assert.Contains(t, DeviceError("").Body, "The lab is no longer")
	assert.Contains(t, Aborted("user_request").Body, "user_request")
	assert.Contains(t, RunComplete(4, 90*time.Minute).Body, "All 4 steps")
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New("notify")
	logger.SetWriter(&buf)
	logger.SetColorize(false)
	logger.SetFormat(log.FormatJSON)

	n := &LogNotifier{Logger: logger, Recipient: "lab@example.org"}
	require.NoError(t, n.Notify(context.Background(), DeviceError("daq")))

	out := buf.String()
	assert.Contains(t, out, `"kind":"device_error"`)
	assert.Contains(t, out, `"to":"lab@example.org"`)
	assert.Contains(t, out, `"instrument":"daq"`)
}

type failing struct{}

func (failing) Notify(context.Context, Message) error { return errors.New("smtp down") }

func TestMulti(t *testing.T) {
	rec := &Recorder{}
	m := Multi{failing{}, rec}

	err := m.Notify(context.Background(), Aborted("watchdog_timeout"))
	assert.ErrorContains(t, err, "smtp down")
	assert.Equal(t, []Kind{KindAborted}, rec.Kinds())
	assert.Len(t, rec.Messages(), 1)
}
