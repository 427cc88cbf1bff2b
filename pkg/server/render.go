package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/crystal-mush/chanserv/pkg/channel"
	"github.com/crystal-mush/chanserv/pkg/events"
)

// responseJSON is the wire form of a channel.Response.
type responseJSON struct {
	Status string         `json:"status"`
	Code   int            `json:"code"`
	Type   string         `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

// eventJSON is the wire form of an events.Event.
type eventJSON struct {
	Type    string         `json:"type"`
	Code    int            `json:"code"`
	Channel int            `json:"channel"`
	OrderID int64          `json:"orderID"`
	Time    time.Time      `json:"time"`
	Payload map[string]any `json:"payload,omitempty"`
}

func toEventJSON(ev events.Event) eventJSON {
	return eventJSON{
		Type:    ev.Type.String(),
		Code:    int(ev.Type),
		Channel: ev.Channel,
		OrderID: ev.OrderID,
		Time:    ev.Time,
		Payload: ev.Payload,
	}
}

// httpStatus maps a response kind to the HTTP status it is served with.
func httpStatus(t channel.ResponseType) int {
	switch t {
	case channel.Success, channel.NoChange:
		return http.StatusOK
	case channel.InvalidArgument:
		return http.StatusBadRequest
	case channel.ChannelNotFound, channel.UserNotFound:
		return http.StatusNotFound
	case channel.TargetInvalidState, channel.ChannelNotLoaded, channel.NotInChannel, channel.TargetBanned:
		return http.StatusConflict
	case channel.NotAuthorisedGeneral, channel.NotAuthorisedSpecific, channel.Banned, channel.BannedTemp, channel.Locked:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Str("module", "web").Msg("write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeResponse renders a manager response.
func writeResponse(w http.ResponseWriter, r channel.Response) {
	status := "error"
	if r.Type == channel.Success || r.Type == channel.NoChange {
		status = "ok"
	}
	writeJSON(w, httpStatus(r.Type), responseJSON{
		Status: status,
		Code:   int(r.Type),
		Type:   r.Type.String(),
		Params: r.Params,
	})
}

// writeKind renders a bare response kind, for read endpoints that fail
// before reaching the manager.
func writeKind(w http.ResponseWriter, t channel.ResponseType) {
	writeResponse(w, channel.Response{Type: t})
}
