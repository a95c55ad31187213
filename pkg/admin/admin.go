// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package admin serves the management REST API: inspecting and deleting
// topics, publishing server messages and disconnecting clients.
package admin

import (
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/turtacn/wshub/pkg/connection"
	"github.com/turtacn/wshub/pkg/topic"
)

// maxPublishBody bounds the body of a publish request.
const maxPublishBody = 1 << 20

// TopicInfo describes one topic.
type TopicInfo struct {
	Name          string   `json:"name"`
	Subscribers   int      `json:"subscribers"`
	LogLength     int      `json:"log_length"`
	SubscriberIDs []string `json:"subscriber_ids,omitempty"`
}

// ConnectionInfo describes one client session.
type ConnectionInfo struct {
	ID            string   `json:"id"`
	User          string   `json:"user,omitempty"`
	Authenticated bool     `json:"authenticated"`
	Topics        []string `json:"topics"`
}

// PaginationMeta accompanies list responses.
type PaginationMeta struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Count int `json:"count"`
	Total int `json:"total"`
}

// APIResponse is the envelope of every response.
type APIResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// APIServer serves the management endpoints.
type APIServer struct {
	topics *topic.Registry
	conns  *connection.Registry
	logger zerolog.Logger
}

// NewAPIServer creates an APIServer over the given registries.
func NewAPIServer(topics *topic.Registry, conns *connection.Registry, logger zerolog.Logger) *APIServer {
	return &APIServer{
		topics: topics,
		conns:  conns,
		logger: logger.With().Str("component", "admin").Logger(),
	}
}

// RegisterRoutes mounts the API on mux.
func (s *APIServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/topics", s.handleTopics)
	mux.HandleFunc("GET /api/v1/topics/{name}", s.handleTopic)
	mux.HandleFunc("DELETE /api/v1/topics/{name}", s.handleDeleteTopic)
	mux.HandleFunc("POST /api/v1/topics/{name}/messages", s.handlePublish)
	mux.HandleFunc("GET /api/v1/connections", s.handleConnections)
	mux.HandleFunc("DELETE /api/v1/connections/{id}", s.handleDisconnect)
}

func (s *APIServer) handleTopics(w http.ResponseWriter, r *http.Request) {
	names := s.topics.Names()
	infos := make([]TopicInfo, 0, len(names))
	for _, name := range names {
		if t, ok := s.topics.Get(topic.Name(name)); ok {
			infos = append(infos, TopicInfo{Name: name, Subscribers: t.Len(), LogLength: t.LogLen()})
		}
	}
	writeList(w, r, infos)
}

func (s *APIServer) handleTopic(w http.ResponseWriter, r *http.Request) {
	t, ok := s.topics.Get(topic.Name(r.PathValue("name")))
	if !ok {
		s.writeError(w, http.StatusNotFound, "topic not found")
		return
	}
	info := TopicInfo{Name: t.Name(), LogLength: t.LogLen()}
	for _, sub := range t.Subscribers() {
		info.SubscriberIDs = append(info.SubscriberIDs, sub.ID())
	}
	info.Subscribers = len(info.SubscriberIDs)
	s.writeSuccess(w, info)
}

func (s *APIServer) handleDeleteTopic(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !s.topics.Delete(topic.Name(name)) {
		s.writeError(w, http.StatusNotFound, "topic not found")
		return
	}
	s.logger.Info().Str("topic", name).Msg("topic deleted via api")
	s.writeSuccess(w, map[string]string{"result": "deleted"})
}

// handlePublish publishes the JSON request body as a server message. The
// topic is created if needed.
func (s *APIServer) handlePublish(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPublishBody))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "body must be JSON")
		return
	}

	t := s.topics.GetOrCreate(topic.Name(r.PathValue("name")))
	env, err := t.Publish(payload, nil)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeSuccess(w, env.Wire())
}

func (s *APIServer) handleConnections(w http.ResponseWriter, r *http.Request) {
	conns := s.conns.List()
	infos := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		info := ConnectionInfo{
			ID:            c.ID(),
			Authenticated: c.Authenticated(),
			Topics:        c.Topics(),
		}
		if u := c.User(); u != nil {
			info.User = u.Name
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	writeList(w, r, infos)
}

func (s *APIServer) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	c, ok := s.conns.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "connection not found")
		return
	}
	c.Disconnect(false)
	s.logger.Info().Str("conn_id", id).Msg("connection closed via api")
	s.writeSuccess(w, map[string]string{"result": "disconnected"})
}

// writeList writes one page of items selected by the page and limit
// query parameters.
func writeList[T any](w http.ResponseWriter, r *http.Request, items []T) {
	page, limit := getPagination(r)
	start := len(items)
	if page-1 < len(items)/limit+1 {
		start = min((page-1)*limit, len(items))
	}
	end := min(start+limit, len(items))

	result := struct {
		Data []T            `json:"data"`
		Meta PaginationMeta `json:"meta"`
	}{
		Data: items[start:end],
		Meta: PaginationMeta{Page: page, Limit: limit, Count: end - start, Total: len(items)},
	}
	writeJSON(w, http.StatusOK, APIResponse{Code: 0, Data: result})
}

func (s *APIServer) writeSuccess(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, APIResponse{Code: 0, Data: data})
}

func (s *APIServer) writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, APIResponse{Code: statusCode, Message: message})
}

func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func getPagination(r *http.Request) (page int, limit int) {
	page = 1
	limit = 20

	if pageStr := r.URL.Query().Get("page"); pageStr != "" {
		if p, err := strconv.Atoi(pageStr); err == nil && p > 0 {
			page = p
		}
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 1000 {
			limit = l
		}
	}
	return page, limit
}
