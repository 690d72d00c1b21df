package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"otcattendance/internal/feed"
)

var errStreamEnded = errors.New("feed stream ended")

type watcher struct {
	url    string
	token  string
	out    io.Writer
	logger *zap.Logger
	dialer *websocket.Dialer
	view   *feed.View

	backoff *backoff.ExponentialBackOff
}

func newWatcher(url, token string, out io.Writer, logger *zap.Logger) *watcher {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return &watcher{
		url:     url,
		token:   token,
		out:     out,
		logger:  logger,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		view:    feed.NewView(),
		backoff: b,
	}
}

// run streams until ctx is done or the server rejects the subscription outright.
func (w *watcher) run(ctx context.Context) error {
	return backoff.RetryNotify(func() error {
		err := w.stream(ctx)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, backoff.WithContext(w.backoff, ctx), func(err error, wait time.Duration) {
		w.logger.Warn("feed disconnected, retrying", zap.Error(err), zap.Duration("in", wait))
	})
}

// stream holds one connection. A snapshot resets the backoff so a long healthy stream
// that drops is retried quickly.
func (w *watcher) stream(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+w.token)
	conn, resp, err := w.dialer.DialContext(ctx, w.url, header)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
				return backoff.Permanent(fmt.Errorf("feed rejected: %s", resp.Status))
			}
		}
		return err
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		var ev feed.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseTryAgainLater) {
				return errStreamEnded
			}
			return err
		}
		w.view.Apply(ev)
		if ev.Kind == feed.KindSnapshot {
			w.backoff.Reset()
		}
		if err := render(w.out, w.view, ev.Topic, time.Now()); err != nil {
			return backoff.Permanent(err)
		}
	}
}

// render prints the whole view for the topic.
func render(out io.Writer, view *feed.View, topic feed.TopicKind, now time.Time) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "\n[%s] %s\n", now.Format("15:04:05"), topic)
	switch topic {
	case feed.TopicAttendance:
		records := view.Attendance()
		fmt.Fprintln(tw, "MARKED AT\tSTUDENT\tNUMBER\tSTATUS")
		for _, r := range records {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.MarkedAt.Local().Format("15:04:05"), r.StudentName, r.StudentNumber, r.Status)
		}
		fmt.Fprintf(tw, "%d present\n", len(records))
	default:
		fmt.Fprintln(tw, "DATE\tTIME\tSUBJECT\tCODE\tACTIVE\tEXPIRES")
		for _, s := range view.Sessions() {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n", s.SessionDate, s.SessionTime, s.SubjectCode, s.OTCCode, s.IsActive,
				s.ExpiresAt.Local().Format("2006-01-02 15:04"))
		}
	}
	return tw.Flush()
}
