package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-console/internal/query"
	"github.com/odyssey-erp/odyssey-console/internal/transport"
)

const heartbeatInterval = 25 * time.Second

// watchRoute gates a watch stream like a read of the collection.
func watchRoute(r *http.Request) (string, []string) {
	return "/" + chi.URLParam(r, "kind"), nil
}

type resultEvent struct {
	Key        string                `json:"key"`
	Data       *transport.ListResult `json:"data,omitempty"`
	IsLoading  bool                  `json:"is_loading"`
	IsFetching bool                  `json:"is_fetching"`
	Error      string                `json:"error,omitempty"`
}

func eventOf(res query.Result) resultEvent {
	ev := resultEvent{Key: res.Key.String(), IsLoading: res.IsLoading, IsFetching: res.IsFetching}
	if res.HasData {
		data := res.Data
		ev.Data = &data
	}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	return ev
}

// watch streams a live list as server-sent events. A fresh event is sent
// whenever the list is refetched, e.g. after a mutation in another session.
func (h *Handler) watch(w http.ResponseWriter, r *http.Request) {
	ws, kind, ok := h.scope(w, r)
	if !ok {
		return
	}
	params := query.ParamsFromList(transport.DecodeListParams(r.URL.Query()))
	sub, err := ws.Queries.Subscribe(kind, params, query.SubscriptionOptions{})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer sub.Close()

	rc := http.NewResponseController(w)
	// The server write timeout would cut the stream short.
	_ = rc.SetWriteDeadline(time.Time{})
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	send := func(res query.Result) bool {
		data, err := json.Marshal(eventOf(res))
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "event: result\ndata: %s\n\n", data); err != nil {
			return false
		}
		return rc.Flush() == nil
	}
	if !send(sub.Result()) {
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, open := <-sub.Updates():
			if !open || !send(res) {
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil || rc.Flush() != nil {
				return
			}
		}
	}
}
