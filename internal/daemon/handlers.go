package daemon

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"go.uber.org/zap"

	"github.com/g960059/gsrfinder/internal/anchor"
	"github.com/g960059/gsrfinder/internal/api"
	"github.com/g960059/gsrfinder/internal/db"
	"github.com/g960059/gsrfinder/internal/directory"
	"github.com/g960059/gsrfinder/internal/hostresolve"
	"github.com/g960059/gsrfinder/internal/model"
)

const maxMessagesLimit = 200

func (s *Server) buildingsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	buildings := s.deps.Campus.Buildings()
	items := make([]api.BuildingItem, 0, len(buildings))
	for _, b := range buildings {
		items = append(items, api.BuildingItem{
			Name:      b.Name,
			Latitude:  b.Point.Lat(),
			Longitude: b.Point.Lng(),
			Rooms:     b.Rooms,
		})
	}
	s.writeJSON(w, http.StatusOK, api.BuildingsEnvelope{
		SchemaVersion: "v1",
		GeneratedAt:   s.now(),
		Buildings:     items,
	})
}

func (s *Server) locateHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(strings.TrimSpace(q.Get("lat")), 64)
	lng, errLng := strconv.ParseFloat(strings.TrimSpace(q.Get("lng")), 64)
	if errLat != nil || errLng != nil || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "lat and lng must be valid coordinates")
		return
	}
	fix, err := s.deps.Campus.Locate(lat, lng)
	if err != nil {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "no buildings configured")
		return
	}
	inside, err := s.deps.Campus.Inside(fix.Building.Name, lat, lng, s.cfg.GeofenceMeters)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrInternal, "geofence check failed")
		return
	}
	nav := "map"
	if inside {
		nav = "ar"
	}
	s.writeJSON(w, http.StatusOK, api.LocateResponse{
		SchemaVersion:  "v1",
		GeneratedAt:    s.now(),
		Building:       fix.Building.Name,
		DistanceMeters: fix.DistanceMeters,
		Inside:         inside,
		Navigation:     nav,
	})
}

func (s *Server) roomsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		location := strings.TrimSpace(r.URL.Query().Get("location"))
		rooms, err := s.deps.Directory.Rooms(r.Context(), location)
		if err != nil {
			s.logger.Warn("list rooms failed", zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, model.ErrInternal, "failed to list rooms")
			return
		}
		items := make([]api.RoomItem, 0, len(rooms))
		for _, room := range rooms {
			items = append(items, s.toRoomItem(room))
		}
		s.writeJSON(w, http.StatusOK, api.RoomsEnvelope{
			SchemaVersion: "v1",
			GeneratedAt:   s.now(),
			Location:      location,
			Rooms:         items,
		})
	case http.MethodPost:
		code, err := s.deps.Directory.NewRoomCode(r.Context())
		if err != nil {
			s.logger.Warn("allocate room code failed", zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, model.ErrInternal, "failed to allocate room code")
			return
		}
		s.writeJSON(w, http.StatusCreated, api.RoomCodeResponse{
			SchemaVersion: "v1",
			GeneratedAt:   s.now(),
			RoomCode:      code,
		})
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) roomByCodeHandler(w http.ResponseWriter, r *http.Request) {
	tail := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/rooms/"), "/")
	if tail == "" || strings.Contains(tail, "/") {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "room route not found")
		return
	}
	raw, err := url.PathUnescape(tail)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalidEncoding, "invalid room code encoding")
		return
	}
	code, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || code <= 0 {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "room code must be a positive integer")
		return
	}

	switch r.Method {
	case http.MethodGet:
		room, err := s.deps.Directory.Room(r.Context(), code)
		if errors.Is(err, db.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "room not found")
			return
		}
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, model.ErrInternal, "failed to read room")
			return
		}
		s.writeRoom(w, http.StatusOK, room)
	case http.MethodPut:
		var req api.StoreRoomRequest
		if !s.decodeBody(w, r, &req) {
			return
		}
		room, err := s.deps.Directory.StoreAnchorID(r.Context(), code, req.Location, req.HostedAnchorID)
		if errors.Is(err, directory.ErrEmptyAnchorID) {
			s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "hosted_anchor_id is required")
			return
		}
		if err != nil {
			s.logger.Warn("store room failed", zap.Int64("room_code", code), zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, model.ErrInternal, "failed to store room")
			return
		}
		s.writeRoom(w, http.StatusOK, room)
	case http.MethodDelete:
		err := s.deps.Directory.DeleteRoom(r.Context(), code)
		if errors.Is(err, db.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "room not found")
			return
		}
		if err != nil {
			s.logger.Warn("delete room failed", zap.Int64("room_code", code), zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, model.ErrInternal, "failed to delete room")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

func (s *Server) writeRoom(w http.ResponseWriter, status int, room model.Room) {
	s.writeJSON(w, status, api.RoomResponse{
		SchemaVersion: "v1",
		GeneratedAt:   s.now(),
		Room:          s.toRoomItem(room),
	})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	st := s.deps.Controller.Status()
	resp := api.StatusResponse{
		SchemaVersion: "v1",
		GeneratedAt:   s.now(),
		Mode:          string(st.Mode),
		RoomCode:      st.RoomCode,
		Location:      st.Location,
		Placed:        st.Placed,
		Anchors:       st.Anchors,
	}
	if s.deps.Coordinator != nil {
		cs := s.deps.Coordinator.Stats()
		resp.PendingHost = cs.PendingHost
		resp.PendingResolve = cs.PendingResolve
		if cs.DeadlineActive {
			v := cs.ResolveDeadline.UTC().Format(time.RFC3339Nano)
			resp.ResolveDeadline = &v
		}
	}
	if s.deps.Loop != nil {
		resp.Frames = s.deps.Loop.Frames()
		resp.FrameFailures = s.deps.Loop.Failures()
	}
	if s.deps.Directory != nil {
		resp.Watchers = s.deps.Directory.Watchers()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) hostHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.HostRequest
	if r.ContentLength != 0 && !s.decodeBody(w, r, &req) {
		return
	}
	if _, err := s.deps.Controller.StartHost(r.Context(), req.Location); err != nil {
		s.writeFlowError(w, err)
		return
	}
	s.statusHandler(w, withMethod(r, http.MethodGet))
}

func (s *Server) placeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.PlaceRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	rot := mgl64.Quat{W: req.QW, V: mgl64.Vec3{req.QX, req.QY, req.QZ}}
	if rot.Len() == 0 {
		rot = mgl64.QuatIdent()
	}
	handle, err := s.deps.Controller.PlaceAnchor(anchor.PoseAt(req.X, req.Y, req.Z, rot))
	if err != nil {
		s.writeFlowError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, api.PlaceResponse{
		SchemaVersion: "v1",
		GeneratedAt:   s.now(),
		Handle:        handle.String(),
	})
}

func (s *Server) resolveHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.ResolveRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	location := strings.TrimSpace(req.Location)
	var err error
	switch {
	case location != "" && req.RoomCode != 0:
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "location and room_code are mutually exclusive")
		return
	case req.RoomCode != 0:
		err = s.deps.Controller.StartResolveRoom(r.Context(), req.RoomCode)
	default:
		err = s.deps.Controller.StartResolve(r.Context(), location)
	}
	if err != nil {
		s.writeFlowError(w, err)
		return
	}
	s.statusHandler(w, withMethod(r, http.MethodGet))
}

func (s *Server) resetHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	s.deps.Controller.Reset()
	s.statusHandler(w, withMethod(r, http.MethodGet))
}

func (s *Server) anchorsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	var (
		filter    anchor.CloudAnchorState
		filtering bool
	)
	if raw := strings.TrimSpace(r.URL.Query().Get("state")); raw != "" {
		state, err := anchor.ParseCloudAnchorState(strings.ToUpper(raw))
		if err != nil {
			s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, err.Error())
			return
		}
		filter, filtering = state, true
	}
	records := s.deps.Controller.Anchors().Snapshot()
	items := make([]api.AnchorItem, 0, len(records))
	for _, rec := range records {
		state := rec.Anchor.CloudAnchorState()
		if filtering && state != filter {
			continue
		}
		pos := anchor.Position(rec.Transform)
		items = append(items, api.AnchorItem{
			Handle:        rec.Anchor.Handle().String(),
			CloudAnchorID: rec.Anchor.CloudAnchorID(),
			CloudState:    state.String(),
			Tracking:      rec.Anchor.TrackingState().String(),
			Visible:       rec.Visible,
			Position:      [3]float64{pos.X(), pos.Y(), pos.Z()},
			Transform:     [16]float64(rec.Transform),
		})
	}
	s.writeJSON(w, http.StatusOK, api.AnchorsEnvelope{
		SchemaVersion: "v1",
		GeneratedAt:   s.now(),
		Anchors:       items,
	})
}

func (s *Server) messagesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxMessagesLimit {
			s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "limit must be between 1 and 200")
			return
		}
		limit = n
	}
	msgs := s.deps.Messages.Recent(limit)
	items := make([]api.MessageItem, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, toMessageItem(m))
	}
	resp := api.MessagesEnvelope{
		SchemaVersion: "v1",
		GeneratedAt:   s.now(),
		Messages:      items,
	}
	if cur, ok := s.deps.Messages.Current(); ok {
		item := toMessageItem(cur)
		resp.Current = &item
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid request body")
		return false
	}
	return true
}

func (s *Server) writeFlowError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, hostresolve.ErrBusy):
		s.writeError(w, http.StatusConflict, model.ErrFlowBusy, err.Error())
	case errors.Is(err, hostresolve.ErrNotHosting), errors.Is(err, hostresolve.ErrAnchorPlaced):
		s.writeError(w, http.StatusConflict, model.ErrPreconditionFailed, err.Error())
	case errors.Is(err, hostresolve.ErrEmptyLocation), errors.Is(err, directory.ErrEmptyLocation):
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "location is required")
	case errors.Is(err, hostresolve.ErrInvalidRoom):
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, err.Error())
	case errors.Is(err, anchor.ErrAnchorNotTracking):
		s.writeError(w, http.StatusConflict, model.ErrPreconditionFailed, "anchor is not tracking")
	default:
		s.logger.Warn("flow request failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, model.ErrInternal, "request failed")
	}
}

func withMethod(r *http.Request, method string) *http.Request {
	clone := r.Clone(r.Context())
	clone.Method = method
	return clone
}

func (s *Server) toRoomItem(room model.Room) api.RoomItem {
	item := api.RoomItem{
		RoomCode:       room.RoomCode,
		Location:       room.Location,
		DisplayName:    room.DisplayName,
		HostedAnchorID: room.HostedAnchorID,
		UpdatedAt:      room.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if s.deps.Campus != nil {
		if b, err := s.deps.Campus.BuildingOf(room.Location); err == nil {
			item.Building = b.Name
		}
	}
	return item
}

func toMessageItem(m model.Message) api.MessageItem {
	return api.MessageItem{
		Level:     string(m.Level),
		Text:      m.Text,
		CreatedAt: m.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}
