package eventbus

import (
	"net/http"
)

// ServeSSE streams channel's events to w until the request context is
// cancelled, using the exact headers and flush-loop idiom grounded on
// _examples/other_examples/.../proxymanager_api.go's apiSendEvents.
func (b *Bus) ServeSSE(w http.ResponseWriter, r *http.Request, channel string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, unsubscribe := b.Subscribe(channel)
	defer unsubscribe()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			encoded, err := event.Encode()
			if err != nil {
				continue
			}
			if _, err := w.Write(encoded); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
