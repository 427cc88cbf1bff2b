package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/crystal-mush/chanserv/pkg/channel"
)

func (ws *WebServer) channelRoutes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", ws.readHandler(ws.mgr.DetailsPacket, false))
	r.Get("/users", ws.readHandler(ws.mgr.UserList, true))
	r.Get("/members", ws.readHandler(ws.mgr.MemberList, false))
	r.Get("/bans", ws.readHandler(ws.mgr.BanList, false))
	r.Get("/groups", ws.readHandler(ws.mgr.GroupList, false))
	r.Get("/messages", ws.handleMessages)
	r.Get("/history", ws.handleHistory)

	r.Post("/join", ws.handleJoin)
	r.Post("/leave", ws.handleLeave)
	r.Post("/message", ws.handleMessage)
	r.Post("/kick", ws.handleKick)
	r.Post("/tempban", ws.handleTempBan)
	r.Post("/lock", ws.handleLock)
	r.Post("/reset", ws.handleReset)
	r.Post("/members", ws.handleMembers)
	r.Post("/bans", ws.handleBans)
	r.Post("/attributes", ws.handleAttribute)
	r.Post("/groups", ws.handleGroup)
	return r
}

// channelParam resolves the {channel} path segment, which is either a
// numeric id or a channel name.
func (ws *WebServer) channelParam(r *http.Request) (int, bool) {
	raw := chi.URLParam(r, "channel")
	if id, err := strconv.Atoi(raw); err == nil {
		return id, true
	}
	return ws.mgr.ChannelID(raw)
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// readHandler serves one of the manager's packet reads. loadedOnly reads
// report CHANNEL_NOT_LOADED for a channel that exists but is not loaded.
func (ws *WebServer) readHandler(read func(int) (map[string]any, bool), loadedOnly bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := ws.channelParam(r)
		if !ok {
			writeKind(w, channel.ChannelNotFound)
			return
		}
		packet, ok := read(id)
		if !ok {
			if loadedOnly && ws.mgr.ChannelExists(id) {
				writeKind(w, channel.ChannelNotLoaded)
				return
			}
			writeKind(w, channel.ChannelNotFound)
			return
		}
		writeJSON(w, http.StatusOK, packet)
	}
}

func (ws *WebServer) handleMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := ws.channelParam(r)
	if !ok {
		writeKind(w, channel.ChannelNotFound)
		return
	}
	if u := ws.actor(r); u.ChannelID() != id {
		writeKind(w, channel.NotInChannel)
		return
	}
	after, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
	msgs, ok := ws.mgr.Messages(id, after)
	if !ok {
		writeKind(w, channel.ChannelNotLoaded)
		return
	}
	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, map[string]any{
			"id":      m.ID,
			"type":    m.Type.String(),
			"code":    int(m.Type),
			"time":    m.Time,
			"payload": m.Payload,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"channel": id, "messages": out})
}

func (ws *WebServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if ws.history == nil {
		writeError(w, http.StatusNotImplemented, "scrollback is disabled")
		return
	}
	id, ok := ws.channelParam(r)
	if !ok || !ws.mgr.ChannelExists(id) {
		writeKind(w, channel.ChannelNotFound)
		return
	}
	if u := ws.actor(r); u.ChannelID() != id {
		writeKind(w, channel.NotInChannel)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := ws.history.History(r.Context(), id, limit)
	if err != nil {
		log.Error().Err(err).Str("module", "web").Int("channel", id).Msg("history query failed")
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{
			"messageID":  e.MessageID,
			"senderID":   e.SenderID,
			"senderName": e.SenderName,
			"message":    e.Message,
			"time":       e.Created,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"channel": id, "history": out})
}

func (ws *WebServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 25
	}
	found, err := ws.mgr.Search(r.URL.Query().Get("search"), limit)
	if err != nil {
		log.Error().Err(err).Str("module", "web").Msg("channel search failed")
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	out := make([]map[string]any, 0, len(found))
	for _, d := range found {
		out = append(out, map[string]any{
			"id":          d.ID,
			"uuid":        d.UUID.String(),
			"name":        d.Name,
			"description": d.Description,
			"loaded":      ws.mgr.IsLoaded(d.ID),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": out})
}

func (ws *WebServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name          string `json:"name"`
		TrackMessages bool   `json:"trackMessages"`
	}
	if !decode(w, r, &req) {
		return
	}
	writeResponse(w, ws.mgr.CreateChannel(ws.actor(r), req.Name, req.TrackMessages))
}

// channelOp decodes the body into req, then runs op with the actor and
// the channel id.
func channelOp[T any](ws *WebServer, op func(u channel.User, id int, req T) channel.Response) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := ws.channelParam(r)
		if !ok {
			writeKind(w, channel.ChannelNotFound)
			return
		}
		var req T
		if !decode(w, r, &req) {
			return
		}
		writeResponse(w, op(ws.actor(r), id, req))
	}
}

type noBody struct{}

type targetBody struct {
	UserID       int `json:"userID"`
	GroupID      int `json:"groupID"`
	DurationMins int `json:"durationMins"`
}

func (ws *WebServer) handleJoin(w http.ResponseWriter, r *http.Request) {
	channelOp(ws, func(u channel.User, id int, _ noBody) channel.Response {
		return ws.mgr.Join(u, id)
	})(w, r)
}

func (ws *WebServer) handleLeave(w http.ResponseWriter, r *http.Request) {
	channelOp(ws, func(u channel.User, id int, _ noBody) channel.Response {
		return ws.mgr.Leave(u, id)
	})(w, r)
}

func (ws *WebServer) handleMessage(w http.ResponseWriter, r *http.Request) {
	channelOp(ws, func(u channel.User, id int, req struct {
		Message string `json:"message"`
	}) channel.Response {
		return ws.mgr.SendMessage(u, id, req.Message)
	})(w, r)
}

func (ws *WebServer) handleKick(w http.ResponseWriter, r *http.Request) {
	channelOp(ws, func(u channel.User, id int, req targetBody) channel.Response {
		return ws.mgr.Kick(u, id, req.UserID)
	})(w, r)
}

func (ws *WebServer) handleTempBan(w http.ResponseWriter, r *http.Request) {
	channelOp(ws, func(u channel.User, id int, req targetBody) channel.Response {
		return ws.mgr.TempBan(u, id, req.UserID, req.DurationMins)
	})(w, r)
}

func (ws *WebServer) handleLock(w http.ResponseWriter, r *http.Request) {
	channelOp(ws, func(u channel.User, id int, req struct {
		HighestRank  int `json:"highestRank"`
		DurationMins int `json:"durationMins"`
	}) channel.Response {
		return ws.mgr.Lock(u, id, req.HighestRank, req.DurationMins)
	})(w, r)
}

func (ws *WebServer) handleReset(w http.ResponseWriter, r *http.Request) {
	channelOp(ws, func(u channel.User, id int, _ noBody) channel.Response {
		return ws.mgr.Reset(u, id)
	})(w, r)
}

type actionBody struct {
	Action  string `json:"action"`
	UserID  int    `json:"userID"`
	GroupID int    `json:"groupID"`
}

func (ws *WebServer) handleMembers(w http.ResponseWriter, r *http.Request) {
	channelOp(ws, func(u channel.User, id int, req actionBody) channel.Response {
		switch req.Action {
		case "add":
			return ws.mgr.AddMember(u, id, req.UserID)
		case "update":
			return ws.mgr.UpdateMember(u, id, req.UserID, req.GroupID)
		case "remove":
			return ws.mgr.RemoveMember(u, id, req.UserID)
		}
		return channel.Response{Type: channel.InvalidArgument, Params: map[string]any{"action": req.Action}}
	})(w, r)
}

func (ws *WebServer) handleBans(w http.ResponseWriter, r *http.Request) {
	channelOp(ws, func(u channel.User, id int, req actionBody) channel.Response {
		switch req.Action {
		case "add":
			return ws.mgr.AddBan(u, id, req.UserID)
		case "remove":
			return ws.mgr.RemoveBan(u, id, req.UserID)
		}
		return channel.Response{Type: channel.InvalidArgument, Params: map[string]any{"action": req.Action}}
	})(w, r)
}

func (ws *WebServer) handleAttribute(w http.ResponseWriter, r *http.Request) {
	channelOp(ws, func(u channel.User, id int, req struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}) channel.Response {
		return ws.mgr.SetAttribute(u, id, req.Key, req.Value)
	})(w, r)
}

func (ws *WebServer) handleGroup(w http.ResponseWriter, r *http.Request) {
	channelOp(ws, func(u channel.User, id int, req struct {
		ID          int      `json:"id"`
		Name        string   `json:"name"`
		IconURL     string   `json:"iconURL"`
		Type        string   `json:"type"`
		Permissions []string `json:"permissions"`
	}) channel.Response {
		t, ok := channel.ParseGroupType(req.Type)
		if !ok {
			return channel.Response{Type: channel.InvalidArgument, Params: map[string]any{"type": req.Type}}
		}
		return ws.mgr.UpdateGroup(u, id, channel.GroupUpdate{
			ID:          req.ID,
			Name:        req.Name,
			IconURL:     req.IconURL,
			Type:        t,
			Permissions: req.Permissions,
		})
	})(w, r)
}
