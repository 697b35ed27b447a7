package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/srg/tagwatch/internal/devicefactory"
	"github.com/srg/tagwatch/internal/session"
)

// watchCmd represents the watch command
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Scan, connect and show tag readings live",
	Long: `Start scanning for sensor tags, connect to every matching one and
render the device table whenever the session changes.

Press Ctrl+C to disconnect all tags and exit.`,
	RunE: runWatch,
}

var watchNoColor bool

func init() {
	watchCmd.Flags().BoolVar(&watchNoColor, "no-color", false, "Disable colored output")
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true
	quietForLiveView(cmd, cfg, logger)

	prof, err := cfg.BuildProfile(logger)
	if err != nil {
		return err
	}
	defer prof.Close()

	adapter, err := devicefactory.NewAdapter(cfg, logger)
	if err != nil {
		return err
	}

	ctrl, err := session.New(adapter, prof, cfg.SessionOptions(), logger)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(cmd.ErrOrStderr(), "\nCtrl+C pressed, disconnecting...")
			cancel()
		case <-ctx.Done():
		}
	}()

	out := cmd.OutOrStdout()
	tty := isTerminal(out)
	view := newWatchView(out, newDeviceTable(out, tty && !watchNoColor), tty)

	obs := ctrl.Observe(session.DefaultObserverCapacity)
	if err := ctrl.StartScan(); err != nil {
		return err
	}
	return watchLoop(ctx, ctrl, obs.C(), view, logger)
}

// watchLoop re-renders on every event until ctx is cancelled, then tears the session down
func watchLoop(ctx context.Context, ctrl *session.Controller, events <-chan session.Event, view *watchView, logger *logrus.Logger) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ctrl.Teardown()
			_ = view.Render(ctrl.Snapshot(), time.Now())
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			logger.WithFields(logrus.Fields{"kind": ev.Kind, "seq": ev.Seq}).Debug("Session event")
			view.Apply(ev)
			if err := view.Render(ctrl.Snapshot(), time.Now()); err != nil {
				return err
			}

		case now := <-ticker.C:
			if view.Expire(now) {
				_ = view.Render(ctrl.Snapshot(), now)
			}
		}
	}
}

// watchView holds the transient notice shown above the table
type watchView struct {
	out   io.Writer
	table *deviceTable
	clear bool

	notice      string
	noticeUntil time.Time
}

func newWatchView(out io.Writer, table *deviceTable, clear bool) *watchView {
	return &watchView{out: out, table: table, clear: clear}
}

// Apply records the notice carried by ev, if any
func (v *watchView) Apply(ev session.Event) {
	if ev.Kind != session.EventNotice || ev.Notice == nil {
		return
	}
	v.notice = ev.Notice.Message
	v.noticeUntil = ev.Time.Add(ev.Notice.Duration)
}

// Expire drops an elapsed notice; reports whether one was dropped
func (v *watchView) Expire(now time.Time) bool {
	if v.notice == "" || now.Before(v.noticeUntil) {
		return false
	}
	v.notice = ""
	return true
}

func (v *watchView) Render(snap session.Snapshot, now time.Time) error {
	v.Expire(now)
	if v.clear {
		clearScreen(v.out)
	}
	return v.table.Render(snap, v.notice)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func clearScreen(w io.Writer) {
	fmt.Fprint(w, "\033[2J\033[H")
}
