package websocket

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// Dialer opens the upstream side of a relayed connection.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// RelayHandler admits clients through the gateway and relays their traffic
// to upstreamURL. Rejected messages are answered with a rejection frame and
// never reach the upstream.
func (g *Gateway) RelayHandler(upstreamURL string, dialer Dialer) http.Handler {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := g.Upgrade(w, r)
		if err != nil {
			return
		}
		defer conn.Close()

		upstream, _, err := dialer.DialContext(r.Context(), upstreamURL, nil)
		if err != nil {
			g.logger.WarnContext(r.Context(), "websocket upstream dial failed",
				"error", err,
				"connection_id", conn.ID(),
			)
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "upstream unavailable"))
			return
		}
		defer upstream.Close()

		if err := relay(r.Context(), conn, upstream); err != nil && !isNormalClose(err) {
			g.logger.DebugContext(r.Context(), "websocket relay ended",
				"error", err,
				"connection_id", conn.ID(),
			)
		}
	})
}

// relay pumps messages both ways until either side closes.
func relay(ctx context.Context, client *Conn, upstream *websocket.Conn) error {
	g, _ := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer upstream.Close()
		for {
			mt, payload, err := client.ReadMessage()
			var rej *MessageRejectedError
			if errors.As(err, &rej) {
				if err := client.WriteRejection(rej); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}
			if err := upstream.WriteMessage(mt, payload); err != nil {
				return err
			}
		}
	})

	g.Go(func() error {
		defer client.Close()
		for {
			mt, payload, err := upstream.ReadMessage()
			if err != nil {
				return err
			}
			if err := client.WriteMessage(mt, payload); err != nil {
				return err
			}
		}
	})

	return g.Wait()
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
