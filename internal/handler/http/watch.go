package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	apperrors "github.com/iotyro/cartsync/pkg/errors"
)

// heartbeatInterval keeps idle watch streams alive through proxies.
const heartbeatInterval = 15 * time.Second

// WatchCart handles GET /api/v1/cart/watch: a Server-Sent Events stream that
// delivers the current cart view immediately and a fresh view after every
// observed change, until the client disconnects.
func (h *CartHandler) WatchCart(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFromContext(r.Context())
	if !ok {
		h.writeError(w, r, apperrors.Unauthorized("authentication required"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, r, apperrors.Internal(fmt.Errorf("response writer does not support streaming")))
		return
	}

	views, stop, err := h.views.Watch(r.Context(), p)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer stop()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-views:
			if !ok {
				return
			}
			payload, err := json.Marshal(viewOf(res))
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: cart\ndata: %s\n\n", payload)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}
