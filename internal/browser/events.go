package browser

import (
	"context"
	"strings"
	"time"

	"github.com/go-rod/rod/lib/proto"
)

// startEventStream wires page CDP events (console, network, navigation)
// into the diagnostic sink. The stream runs for the life of the driver
// and ends when the driver context is cancelled.
func (d *RodDriver) startEventStream(ctx context.Context) {
	if d.sink == nil {
		return
	}

	go func() {
		wait := d.page.Context(ctx).EachEvent(
			func(ev *proto.PageFrameNavigated) {
				d.sink.Log("navigation", d.sessionID, map[string]interface{}{
					"url": ev.Frame.URL,
					"ts":  time.Now().UnixMilli(),
				})
			},
			func(ev *proto.RuntimeConsoleAPICalled) {
				d.sink.Log("console", d.sessionID, map[string]interface{}{
					"level":   string(ev.Type),
					"message": stringifyConsoleArgs(ev.Args),
				})
			},
			func(ev *proto.NetworkRequestWillBeSent) {
				d.sink.Log("net_request", d.sessionID, map[string]interface{}{
					"request_id": string(ev.RequestID),
					"method":     ev.Request.Method,
					"url":        ev.Request.URL,
				})
			},
			func(ev *proto.NetworkResponseReceived) {
				status := 0
				url := ""
				if ev.Response != nil {
					status = ev.Response.Status
					url = ev.Response.URL
				}
				d.sink.Log("net_response", d.sessionID, map[string]interface{}{
					"request_id": string(ev.RequestID),
					"status":     status,
					"url":        url,
				})
			},
		)
		wait()
	}()
}

func stringifyConsoleArgs(args []*proto.RuntimeRemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		if a == nil {
			continue
		}
		if !a.Value.Nil() {
			parts = append(parts, a.Value.String())
			continue
		}
		if a.Description != "" {
			parts = append(parts, a.Description)
		}
	}
	return strings.Join(parts, " ")
}
