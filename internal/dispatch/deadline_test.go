package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/mcphub-dev/mcphub/internal/settings"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallDeadlinePlainTimeout(t *testing.T) {
	d := newTestDispatcher(t, docWithGroupAndServer())

	ctx, timedOut, cancel := d.callDeadline(context.Background(), RequestContext{}, settings.ToolOptions{}, 30*time.Millisecond)
	defer cancel()

	select {
	case <-ctx.Done():
		assert.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)
		assert.False(t, timedOut.Load(), "plain deadline is reported by ctx.Err, not the watchdog flag")
	case <-time.After(time.Second):
		t.Fatal("deadline never fired")
	}
}

func TestCallDeadlineProgressExtendsTimeout(t *testing.T) {
	d := newTestDispatcher(t, docWithGroupAndServer())

	rc := RequestContext{ProgressToken: "tok-1"}
	opts := settings.ToolOptions{ResetTimeoutOnProgress: true}
	ctx, timedOut, cancel := d.callDeadline(context.Background(), rc, opts, 120*time.Millisecond)
	defer cancel()

	// Keep feeding progress for longer than the base timeout; the call
	// must stay alive the whole time.
	for i := 0; i < 5; i++ {
		time.Sleep(40 * time.Millisecond)
		d.NotifyProgress("tok-1")
		require.NoError(t, ctx.Err(), "progress must keep extending the deadline")
	}

	// Silence: now the watchdog fires.
	select {
	case <-ctx.Done():
		assert.True(t, timedOut.Load())
	case <-time.After(time.Second):
		t.Fatal("watchdog never fired after progress stopped")
	}
}

func TestCallDeadlineMaxTotalIsHardCeiling(t *testing.T) {
	d := newTestDispatcher(t, docWithGroupAndServer())

	rc := RequestContext{ProgressToken: "tok-2"}
	opts := settings.ToolOptions{ResetTimeoutOnProgress: true, MaxTotalTimeoutMs: 100}
	ctx, _, cancel := d.callDeadline(context.Background(), rc, opts, time.Minute)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-time.After(20 * time.Millisecond):
				d.NotifyProgress("tok-2")
			}
		}
	}()
	defer close(done)

	select {
	case <-ctx.Done():
		// Progress cannot push past the hard ceiling.
	case <-time.After(2 * time.Second):
		t.Fatal("maxTotalTimeoutMs ceiling never fired")
	}
}

func TestNotifyProgressUnknownTokenIsNoop(t *testing.T) {
	d := newTestDispatcher(t, docWithGroupAndServer())
	d.NotifyProgress("never-registered")
	d.NotifyProgress(nil)
}
