package tools

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	HandlerDateAndTime      = "getDateAndTime"
	HandlerPendingMessages  = "checkPendingMessages"
	HandlerScheduleFollowUp = "scheduleFollowUp"
	HandlerAnnounce         = "announce"
)

const maxFollowUpDelay = time.Hour

// Builtins returns the handler table for the built-in descriptors.
func Builtins(now func() time.Time) map[string]HandlerFunc {
	if now == nil {
		now = time.Now
	}
	return map[string]HandlerFunc{
		HandlerDateAndTime:      dateAndTime(now),
		HandlerPendingMessages:  pendingMessages,
		HandlerScheduleFollowUp: scheduleFollowUp,
		HandlerAnnounce:         announce,
	}
}

func dateAndTime(now func() time.Time) HandlerFunc {
	return func(ctx context.Context, call Call) (any, error) {
		var in struct {
			Timezone string `json:"timezone"`
		}
		if err := call.Bind(&in); err != nil {
			return nil, err
		}
		loc := time.UTC
		if tz := strings.TrimSpace(in.Timezone); tz != "" {
			l, err := time.LoadLocation(tz)
			if err != nil {
				return nil, errors.Wrapf(err, "unknown timezone %q", tz)
			}
			loc = l
		}
		t := now().In(loc)
		return map[string]any{
			"date":      t.Format("2006-01-02"),
			"time":      t.Format("15:04:05"),
			"dayOfWeek": t.Weekday().String(),
			"timezone":  loc.String(),
			"iso":       t.Format(time.RFC3339),
		}, nil
	}
}

func pendingMessages(ctx context.Context, call Call) (any, error) {
	msgs := call.Queue.Drain()
	return map[string]any{
		"count":    len(msgs),
		"messages": msgs,
	}, nil
}

func scheduleFollowUp(ctx context.Context, call Call) (any, error) {
	var in struct {
		Message      string `json:"message"`
		DelaySeconds int    `json:"delaySeconds"`
		Speak        bool   `json:"speak"`
	}
	if err := call.Bind(&in); err != nil {
		return nil, err
	}
	in.Message = strings.TrimSpace(in.Message)
	if in.Message == "" {
		return nil, errors.New("message is required")
	}
	delay := time.Duration(in.DelaySeconds) * time.Second
	if delay < 0 || delay > maxFollowUpDelay {
		return nil, errors.Newf("delaySeconds must be between 0 and %d", int(maxFollowUpDelay/time.Second))
	}

	speak := in.Speak && call.CanSpeak()
	var ok bool
	if speak {
		bg, queue, text := call.Background, call.Queue, in.Message
		ok = call.AfterResult(func() {
			queue.AfterFunc(delay, func() { speakOrQueue(bg, call, text) })
		})
	} else {
		ok = call.Queue.PushAfter(delay, in.Message)
	}
	if !ok {
		return nil, errors.New("channel is closing")
	}
	return map[string]any{
		"scheduled":    true,
		"delaySeconds": in.DelaySeconds,
		"speak":        speak,
	}, nil
}

func announce(ctx context.Context, call Call) (any, error) {
	var in struct {
		Text string `json:"text"`
	}
	if err := call.Bind(&in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Text) == "" {
		return nil, errors.New("text is required")
	}
	if !call.CanSpeak() {
		return nil, errors.Wrap(ErrNoInjector, "announce")
	}
	bg, text := call.Background, in.Text
	if !call.AfterResult(func() { speakOrQueue(bg, call, text) }) {
		return nil, errors.New("tool call already answered")
	}
	return map[string]any{"announced": true}, nil
}

// speakOrQueue injects text and leaves it for checkPendingMessages when
// injection fails.
func speakOrQueue(ctx context.Context, call Call, text string) {
	if err := call.Speak(ctx, text); err != nil {
		call.Queue.Push(text)
	}
}
