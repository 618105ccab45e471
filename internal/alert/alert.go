// Package alert delivers operator-actionable storage conditions. Backup
// failures and unrepaired corruption require manual intervention; everything
// else the storage engine recovers on its own.
package alert

import (
	"context"
	"log"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mistakeknot/tickstore/internal/core"
)

// Log writes alerts to the process log.
type Log struct{}

func (Log) Alert(_ context.Context, a core.Alert) {
	log.Printf("ALERT %s: %s (db=%s host=%s)", a.Kind, a.Detail, a.Database, a.Hostname)
}

const pushTimeout = 5 * time.Second

// Websocket pushes alerts as JSON frames to an operations endpoint, one
// short-lived connection per alert. Delivery is best-effort: a failed push
// is logged, never propagated, and every alert is also written locally.
type Websocket struct {
	url      string
	fallback Log
}

// NewWebsocket returns an alerter that dials rawurl for each alert.
func NewWebsocket(rawurl string) *Websocket {
	return &Websocket{url: rawurl}
}

func (w *Websocket) Alert(ctx context.Context, a core.Alert) {
	w.fallback.Alert(ctx, a)

	ctx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, w.url, nil)
	if err != nil {
		log.Printf("alert: dial %s: %v", w.url, err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := wsjson.Write(ctx, conn, a); err != nil {
		log.Printf("alert: push: %v", err)
	}
}
