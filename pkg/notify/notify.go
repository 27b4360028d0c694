// Copyright (C) 2026  Furnace Lab Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package notify tells the experimenter about run progress.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"furnace-lab/pkg/log"
)

// Kind identifies a message template.
type Kind string

const (
	KindDelayedStart Kind = "delayed_start"
	KindStepComplete Kind = "step_complete"
	KindDeviceError  Kind = "device_error"
	KindRunComplete  Kind = "run_complete"
	KindAborted      Kind = "aborted"
)

// Message is one notification.
type Message struct {
	Kind    Kind
	Subject string
	Body    string
	Fields  log.Fields
}

const estimateLayout = "15:04 Monday, Jan 02"

// DelayedStart is sent when a delayed run begins.
func DelayedStart(at time.Time) Message {
	return Message{
		Kind:    KindDelayedStart,
		Subject: "Lab Notification",
		Body: fmt.Sprintf("It just ticked over to %s so I'm going to set up the instruments and get things underway.",
			at.Format("15:04")),
		Fields: log.Fields{"start": at.Format(time.RFC3339)},
	}
}

// StepComplete is sent after every step but the last.
func StepComplete(step int, nextTarget float64, eta time.Time) Message {
	return Message{
		Kind:    KindStepComplete,
		Subject: "Lab Notification",
		Body: fmt.Sprintf("Just letting you know that step %d is now complete! I'm going to set the temperature to %gC "+
			"and get started on step %d.\n\nEstimated completion time for step %d is: %s.",
			step, nextTarget, step+1, step+1, eta.Format(estimateLayout)),
		Fields: log.Fields{"step": step, "next_target": nextTarget, "eta": eta.Format(time.RFC3339)},
	}
}

// DeviceError is sent when an instrument stops responding.
func DeviceError(instrument string) Message {
	if instrument == "" {
		instrument = "lab"
	}
	return Message{
		Kind:    KindDeviceError,
		Subject: "Lab Notification",
		Body: fmt.Sprintf("I've got some bad news! The %s is no longer sending or receiving messages so I'm going "+
			"to shut down the lab until you can come take a look.", instrument),
		Fields: log.Fields{"instrument": instrument},
	}
}

// Aborted is sent when a run stops for any other reason.
func Aborted(reason string) Message {
	return Message{
		Kind:    KindAborted,
		Subject: "Lab Notification",
		Body:    fmt.Sprintf("The run was stopped (%s) and the lab has been shut down.", reason),
		Fields:  log.Fields{"reason": reason},
	}
}

// RunComplete is sent after the last step.
func RunComplete(steps int, elapsed time.Duration) Message {
	return Message{
		Kind:    KindRunComplete,
		Subject: "Lab Notification",
		Body: fmt.Sprintf("All %d steps are complete after %s. The furnace is cooling down.",
			steps, elapsed.Round(time.Minute)),
		Fields: log.Fields{"steps": steps, "elapsed": elapsed.String()},
	}
}

// Notifier delivers messages.
type Notifier interface {
	Notify(ctx context.Context, m Message) error
}

// LogNotifier writes messages to the lab log.
type LogNotifier struct {
	Logger    *log.Logger
	Recipient string
}

// NewLogNotifier logs messages addressed to recipient.
func NewLogNotifier(recipient string) *LogNotifier {
	return &LogNotifier{Logger: log.GetLogger("notify"), Recipient: recipient}
}

func (n *LogNotifier) Notify(_ context.Context, m Message) error {
	fields := log.Fields{"kind": string(m.Kind)}
	for k, v := range m.Fields {
		fields[k] = v
	}
	if n.Recipient != "" {
		fields["to"] = n.Recipient
	}
	n.Logger.WithFields(fields).Info(m.Body)
	return nil
}

// Multi sends to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.Notify(ctx, msg))
	}
	return errors.Join(errs...)
}

// Recorder keeps every message, for tests and the status endpoint.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

func (r *Recorder) Notify(_ context.Context, m Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, m)
	return nil
}

// Messages returns a copy of the recorded messages.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// Kinds returns the kinds of the recorded messages in order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, len(r.messages))
	for i, m := range r.messages {
		out[i] = m.Kind
	}
	return out
}
